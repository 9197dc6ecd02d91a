package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errX11NoControls = errors.New("画面キャプチャにはカメラコントロールがありません")

// X11Driver はX11画面をフリーランでキャプチャするドライバー。RGB8 のみ
type X11Driver struct {
	capturer *X11Capturer
	logger   *slog.Logger
	defaults captureDefaults

	mu     sync.Mutex
	opened bool
	spec   Specification
	stream *ffmpegStream
}

// NewX11Driver は新しいX11Driverを作成する
func NewX11Driver(display string, logger *slog.Logger) *X11Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &X11Driver{
		capturer: NewX11Capturer(display),
		logger:   logger.With("backend", string(BackendX11), "display", display),
		defaults: captureDefaults{Width: 1280, Height: 720, FrameRate: 15},
	}
}

// NewX11DriverFromConfig は設定からX11Driverを作成する
func NewX11DriverFromConfig(cfg DriverConfig) (Driver, error) {
	display := cfg.Device
	if display == "" {
		display = fmt.Sprintf(":%d", cfg.Index)
	}
	return NewX11Driver(display, nil), nil
}

func (d *X11Driver) Open(ctx context.Context, cfg OpenConfig) (Specification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if !d.capturer.IsDeviceAvailable(probeCtx) {
		return Specification{}, fmt.Errorf("ディスプレイが利用できません: %s", d.capturer.Display())
	}
	if cfg.PixelMode != PixelUnallocated && cfg.PixelMode != PixelRGB8 {
		return Specification{}, fmt.Errorf("画面キャプチャは %s のみ対応しています", PixelRGB8)
	}

	screen, err := d.capturer.ScreenSize(probeCtx)
	if err != nil {
		d.logger.Warn("x11: 解像度を取得できませんでした", "error", err)
		screen = Resolution{Width: d.defaults.Width, Height: d.defaults.Height}
	}

	spec := Specification{
		DeviceID:      d.capturer.Display(),
		Name:          fmt.Sprintf("X11 Screen (%s)", d.capturer.Display()),
		Driver:        string(BackendX11),
		Features:      NewFeatureSet(FeatureFreeRun, FeatureDeviceID),
		PixelModes:    NewPixelModeSet(PixelRGB8),
		PixelMode:     PixelRGB8,
		MinResolution: Resolution{Width: 1, Height: 1},
		MaxResolution: screen,
		MinFrameRate:  1,
		MaxFrameRate:  60,
		Width:         screen.Width,
		Height:        screen.Height,
		FrameRate:     d.defaults.FrameRate,
	}
	if cfg.Width > 0 && cfg.Height > 0 && cfg.Width <= screen.Width && cfg.Height <= screen.Height {
		spec.Width, spec.Height = cfg.Width, cfg.Height
	}
	if cfg.FrameRate > 0 && cfg.FrameRate <= spec.MaxFrameRate {
		spec.FrameRate = cfg.FrameRate
	}

	d.spec = spec
	d.opened = true
	return spec, nil
}

func (d *X11Driver) StartCapture(ctx context.Context, sink FrameSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return errors.New("ディスプレイがオープンされていません")
	}
	if d.stream != nil {
		return errors.New("既にキャプチャ中です")
	}
	stream, err := d.capturer.StartRawStream(ctx, d.spec.Width, d.spec.Height, d.spec.FrameRate, sink, d.logger)
	if err != nil {
		return err
	}
	d.stream = stream
	return nil
}

func (d *X11Driver) StopCapture(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Stop()
	d.stream = nil
	return err
}

func (d *X11Driver) Close(ctx context.Context) error {
	err := d.StopCapture(ctx)
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
	return err
}

func (d *X11Driver) SetExposure(context.Context, Microseconds) error { return errX11NoControls }
func (d *X11Driver) SetGain(context.Context, float64) error         { return errX11NoControls }
func (d *X11Driver) SetFocus(context.Context, float64) error        { return errX11NoControls }
func (d *X11Driver) SetSharpness(context.Context, float64) error    { return errX11NoControls }
