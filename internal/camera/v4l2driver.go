package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// v4l2-ctl のコントロール名の候補。カーネルのバージョンで名前が異なる
var (
	exposureControls     = []string{"exposure_time_absolute", "exposure_absolute"}
	autoExposureControls = []string{"auto_exposure", "exposure_auto"}
	gainControls         = []string{"gain"}
	focusControls        = []string{"focus_absolute"}
	autoFocusControls    = []string{"focus_automatic_continuous", "focus_auto"}
	sharpnessControls    = []string{"sharpness"}
)

const (
	// V4L2 の露光時間の単位は100µs
	v4l2ExposureUnit = 100
	// auto_exposure の手動モード
	v4l2ManualExposure = 1
	probeTimeout       = 10 * time.Second
)

type captureDefaults struct {
	Width     int
	Height    int
	FrameRate float64
}

// v4l2Probe は v4l2-ctl で調べたデバイスの情報
type v4l2Probe struct {
	Name     string
	Formats  []V4L2Format
	Controls map[string]V4L2Control
}

func probeV4L2(ctx context.Context, c *V4L2Capturer) (v4l2Probe, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if !c.IsDeviceAvailable(probeCtx) {
		return v4l2Probe{}, fmt.Errorf("デバイスが利用できません: %s", c.DevicePath())
	}
	probe := v4l2Probe{Name: c.DevicePath()}
	if info, err := c.GetDeviceInfo(probeCtx); err == nil && info["Card type"] != "" {
		probe.Name = info["Card type"]
	}
	formats, err := c.ListFormats(probeCtx)
	if err != nil {
		return v4l2Probe{}, err
	}
	probe.Formats = formats

	// コントロールが取れなくてもキャプチャはできる
	if controls, err := c.ListControls(probeCtx); err == nil {
		probe.Controls = controls
	}
	return probe, nil
}

func findControl(controls map[string]V4L2Control, names ...string) (V4L2Control, bool) {
	for _, name := range names {
		if c, ok := controls[name]; ok {
			return c, true
		}
	}
	return V4L2Control{}, false
}

// buildV4L2Specification は調べた情報と要求設定から仕様を組み立て、使用するFourCCを返す
func buildV4L2Specification(probe v4l2Probe, cfg OpenConfig, defaults captureDefaults, driver string) (Specification, string, error) {
	spec := Specification{
		Name:     probe.Name,
		Driver:   driver,
		Features: NewFeatureSet(FeatureFreeRun, FeatureDeviceID),
	}
	if _, ok := findControl(probe.Controls, exposureControls...); ok {
		spec.Features = spec.Features.With(FeatureExposure)
	}
	if _, ok := findControl(probe.Controls, gainControls...); ok {
		spec.Features = spec.Features.With(FeatureGain)
	}
	if _, ok := findControl(probe.Controls, focusControls...); ok {
		spec.Features = spec.Features.With(FeatureFocus)
	}
	if _, ok := findControl(probe.Controls, sharpnessControls...); ok {
		spec.Features = spec.Features.With(FeatureSharpness)
	}

	for _, f := range probe.Formats {
		mode, ok := fourccPixelMode(f.FourCC)
		if !ok {
			continue
		}
		spec.PixelModes = spec.PixelModes.With(mode)
		for _, s := range f.Sizes {
			area := s.Width * s.Height
			if spec.MinResolution.Width == 0 || area < spec.MinResolution.Width*spec.MinResolution.Height {
				spec.MinResolution = s.Resolution
			}
			if area > spec.MaxResolution.Width*spec.MaxResolution.Height {
				spec.MaxResolution = s.Resolution
			}
			for _, fps := range s.FrameRates {
				if spec.MinFrameRate == 0 || fps < spec.MinFrameRate {
					spec.MinFrameRate = fps
				}
				if fps > spec.MaxFrameRate {
					spec.MaxFrameRate = fps
				}
			}
		}
	}
	if len(spec.PixelModes.List()) == 0 {
		return Specification{}, "", errors.New("対応しているピクセル形式がありません")
	}

	switch {
	case cfg.PixelMode != PixelUnallocated:
		if !spec.PixelModes.Has(cfg.PixelMode) {
			return Specification{}, "", fmt.Errorf("ピクセル形式 %s に対応していません", cfg.PixelMode)
		}
		spec.PixelMode = cfg.PixelMode
	case spec.PixelModes.Has(PixelRGB8):
		spec.PixelMode = PixelRGB8
	default:
		spec.PixelMode = spec.PixelModes.List()[0]
	}

	spec.Width, spec.Height = defaults.Width, defaults.Height
	if cfg.Width > 0 && cfg.Height > 0 {
		spec.Width, spec.Height = cfg.Width, cfg.Height
	}
	spec.FrameRate = defaults.FrameRate
	if cfg.FrameRate > 0 {
		spec.FrameRate = cfg.FrameRate
	}
	if spec.MaxFrameRate > 0 && spec.FrameRate > spec.MaxFrameRate {
		spec.FrameRate = spec.MaxFrameRate
	}

	format := chooseFormat(probe.Formats, spec.PixelMode, Resolution{Width: spec.Width, Height: spec.Height})
	if len(format.Sizes) > 0 {
		r := nearestSize(format.Sizes, Resolution{Width: spec.Width, Height: spec.Height})
		spec.Width, spec.Height = r.Width, r.Height
	}
	return spec, format.FourCC, nil
}

// chooseFormat は mode に対応するフォーマットのうち、要求解像度を持つものを優先して選ぶ
func chooseFormat(formats []V4L2Format, mode PixelMode, want Resolution) V4L2Format {
	var first *V4L2Format
	for i := range formats {
		m, ok := fourccPixelMode(formats[i].FourCC)
		if !ok || m != mode {
			continue
		}
		if first == nil {
			first = &formats[i]
		}
		for _, s := range formats[i].Sizes {
			if s.Resolution == want {
				return formats[i]
			}
		}
	}
	if first == nil {
		return V4L2Format{}
	}
	return *first
}

func nearestSize(sizes []V4L2FrameSize, want Resolution) Resolution {
	best := sizes[0].Resolution
	bestDiff := -1
	for _, s := range sizes {
		diff := abs(s.Width*s.Height - want.Width*want.Height)
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = s.Resolution, diff
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// exposureToV4L2 はµsを100µs単位に変換してコントロール範囲に収める
func exposureToV4L2(us Microseconds, ctrl V4L2Control) int {
	v := int(us / v4l2ExposureUnit)
	if v < ctrl.Min {
		v = ctrl.Min
	}
	if ctrl.Max > ctrl.Min && v > ctrl.Max {
		v = ctrl.Max
	}
	return v
}

// V4L2Driver は ffmpeg と v4l2-ctl を使うUVCカメラのドライバー。
// 既定は 640x480@30
type V4L2Driver struct {
	capturer *V4L2Capturer
	logger   *slog.Logger
	defaults captureDefaults

	mu       sync.Mutex
	opened   bool
	spec     Specification
	fourcc   string
	controls map[string]V4L2Control
	stream   *ffmpegStream
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(devicePath string, logger *slog.Logger) *V4L2Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Driver{
		capturer: NewV4L2Capturer(devicePath),
		logger:   logger.With("backend", string(BackendV4L2), "device", devicePath),
		defaults: captureDefaults{Width: 640, Height: 480, FrameRate: 30},
	}
}

// NewV4L2DriverFromConfig は設定からV4L2Driverを作成する
func NewV4L2DriverFromConfig(cfg DriverConfig) (Driver, error) {
	return NewV4L2Driver(devicePathFor(cfg), nil), nil
}

func devicePathFor(cfg DriverConfig) string {
	if cfg.Device != "" {
		return cfg.Device
	}
	return fmt.Sprintf("/dev/video%d", cfg.Index)
}

func (d *V4L2Driver) Open(ctx context.Context, cfg OpenConfig) (Specification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.DeviceID != "" {
		d.capturer = NewV4L2Capturer(cfg.DeviceID)
	}
	probe, err := probeV4L2(ctx, d.capturer)
	if err != nil {
		return Specification{}, err
	}
	spec, fourcc, err := buildV4L2Specification(probe, cfg, d.defaults, string(BackendV4L2))
	if err != nil {
		return Specification{}, err
	}
	spec.DeviceID = d.capturer.DevicePath()

	d.spec = spec
	d.fourcc = fourcc
	d.controls = probe.Controls
	d.opened = true
	d.logger.Debug("v4l2: デバイスを調べました", "fourcc", fourcc, "features", len(spec.Features.List()))
	return spec, nil
}

func (d *V4L2Driver) StartCapture(ctx context.Context, sink FrameSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return errors.New("デバイスがオープンされていません")
	}
	if d.stream != nil {
		return errors.New("既にキャプチャ中です")
	}
	stream, err := d.capturer.StartRawStream(ctx,
		d.spec.Width, d.spec.Height, d.spec.FrameRate,
		ffmpegInputFormat(d.fourcc), ffmpegPixFmt(d.spec.PixelMode, d.fourcc),
		sinkForMode(d.spec.PixelMode, sink), d.logger)
	if err != nil {
		return err
	}
	d.stream = stream
	return nil
}

func (d *V4L2Driver) StopCapture(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *V4L2Driver) stopLocked() error {
	if d.stream == nil {
		return nil
	}
	err := d.stream.Stop()
	d.stream = nil
	return err
}

func (d *V4L2Driver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.stopLocked()
	d.opened = false
	return err
}

func (d *V4L2Driver) SetExposure(ctx context.Context, exposure Microseconds) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl, ok := findControl(d.controls, exposureControls...)
	if !ok {
		return errors.New("露光時間のコントロールがありません")
	}
	values := map[string]int{ctrl.Name: exposureToV4L2(exposure, ctrl)}
	if auto, ok := findControl(d.controls, autoExposureControls...); ok {
		values[auto.Name] = v4l2ManualExposure
	}
	return d.capturer.SetControls(ctx, values)
}

func (d *V4L2Driver) SetGain(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, gainControls, nil, percent)
}

func (d *V4L2Driver) SetFocus(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, focusControls, autoFocusControls, percent)
}

func (d *V4L2Driver) SetSharpness(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, sharpnessControls, nil, percent)
}

// setPercent は 0〜100 をコントロール範囲に変換して設定する。autoNames の自動制御は無効にする
func (d *V4L2Driver) setPercent(ctx context.Context, names, autoNames []string, percent float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl, ok := findControl(d.controls, names...)
	if !ok {
		return fmt.Errorf("コントロール %v がありません", names)
	}
	values := map[string]int{ctrl.Name: percentToRange(percent, ctrl.Min, ctrl.Max)}
	if auto, ok := findControl(d.controls, autoNames...); ok {
		values[auto.Name] = 0
	}
	return d.capturer.SetControls(ctx, values)
}
