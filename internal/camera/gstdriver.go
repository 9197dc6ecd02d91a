//go:build gstreamer

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

func init() {
	registerBackend(BackendGStreamer, NewGstDriverFromConfig)
}

// GstDriver は GStreamer の v4l2src → appsink パイプラインでUVCカメラを読むドライバー。
// 既定は 1920x1080@30。コントロールは v4l2-ctl で設定する
type GstDriver struct {
	capturer *V4L2Capturer
	logger   *slog.Logger
	defaults captureDefaults

	mu       sync.Mutex
	opened   bool
	spec     Specification
	controls map[string]V4L2Control
	pipeline *gst.Pipeline
	stopCh   chan struct{}
	wg       sync.WaitGroup
	gate     sinkGate
}

// NewGstDriver は新しいGstDriverを作成する
func NewGstDriver(devicePath string, logger *slog.Logger) *GstDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GstDriver{
		capturer: NewV4L2Capturer(devicePath),
		logger:   logger.With("backend", string(BackendGStreamer), "device", devicePath),
		defaults: captureDefaults{Width: 1920, Height: 1080, FrameRate: 30},
	}
}

// NewGstDriverFromConfig は設定からGstDriverを作成する
func NewGstDriverFromConfig(cfg DriverConfig) (Driver, error) {
	return NewGstDriver(devicePathFor(cfg), nil), nil
}

func (d *GstDriver) Open(ctx context.Context, cfg OpenConfig) (Specification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.DeviceID != "" {
		d.capturer = NewV4L2Capturer(cfg.DeviceID)
	}
	probe, err := probeV4L2(ctx, d.capturer)
	if err != nil {
		return Specification{}, err
	}
	// videoconvert はBayerを出力できない
	probe.Formats = withoutBayer(probe.Formats)

	spec, _, err := buildV4L2Specification(probe, cfg, d.defaults, string(BackendGStreamer))
	if err != nil {
		return Specification{}, err
	}
	spec.DeviceID = d.capturer.DevicePath()

	d.spec = spec
	d.controls = probe.Controls
	d.opened = true
	return spec, nil
}

func withoutBayer(formats []V4L2Format) []V4L2Format {
	out := make([]V4L2Format, 0, len(formats))
	for _, f := range formats {
		if mode, ok := fourccPixelMode(f.FourCC); ok && mode == PixelBayer8 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// gstRawCaps は appsink に渡す raw caps を組み立てる
func gstRawCaps(spec Specification) (string, error) {
	var format string
	switch spec.PixelMode {
	case PixelL8:
		format = "GRAY8"
	case PixelL12, PixelL16:
		format = "GRAY16_LE"
	case PixelRGB8:
		format = "RGB"
	default:
		return "", fmt.Errorf("GStreamer では %s を出力できません", spec.PixelMode)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1000",
		format, spec.Width, spec.Height, int(spec.FrameRate*1000)), nil
}

func (d *GstDriver) StartCapture(_ context.Context, sink FrameSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return errors.New("デバイスがオープンされていません")
	}
	if d.pipeline != nil {
		return errors.New("既にキャプチャ中です")
	}

	pipeline, appsink, err := d.buildPipeline()
	if err != nil {
		return err
	}

	d.gate.Open()
	sink = sinkForMode(d.spec.PixelMode, sink)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return d.onNewSample(s, sink)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		d.gate.Close()
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("パイプラインの開始に失敗: %w", err)
	}

	d.pipeline = pipeline
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.monitorBus(pipeline, d.stopCh)

	d.logger.Info("gstreamer: パイプラインを開始しました",
		"resolution", fmt.Sprintf("%dx%d", d.spec.Width, d.spec.Height),
		"fps", d.spec.FrameRate,
	)
	return nil
}

// buildPipeline は v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink を作る
func (d *GstDriver) buildPipeline() (*gst.Pipeline, *app.Sink, error) {
	gst.Init(nil)

	capsStr, err := gstRawCaps(d.spec)
	if err != nil {
		return nil, nil, err
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("v4l2srcの作成に失敗: %w", err)
	}
	src.SetProperty("device", d.capturer.DevicePath())

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("videoconvertの作成に失敗: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("videoscaleの作成に失敗: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, nil, fmt.Errorf("videorateの作成に失敗: %w", err)
	}
	rate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("capsfilterの作成に失敗: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("appsinkの作成に失敗: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, convert, scale, rate, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("要素の追加に失敗: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, rate, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("要素の接続に失敗: %w", err)
	}
	return pipeline, appsink, nil
}

// onNewSample はバッファをマップしたまま sink に渡す。sink がコピーする
func (d *GstDriver) onNewSample(s *app.Sink, sink FrameSink) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		d.logger.Warn("gstreamer: サンプルを取得できませんでした")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) > 0 {
		d.gate.Deliver(sink, data, time.Now())
	}
	buffer.Unmap()
	return gst.FlowOK
}

func (d *GstDriver) monitorBus(pipeline *gst.Pipeline, stopCh <-chan struct{}) {
	defer d.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			d.logger.Warn("gstreamer: ストリームが終了しました")
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			d.logger.Error("gstreamer: パイプラインエラー", "error", gerr.Error(), "debug", gerr.DebugString())
		}
	}
}

func (d *GstDriver) StopCapture(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *GstDriver) stopLocked() error {
	if d.pipeline == nil {
		return nil
	}
	d.gate.Close()
	close(d.stopCh)
	d.wg.Wait()

	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	if err != nil {
		return fmt.Errorf("パイプラインの停止に失敗: %w", err)
	}
	return nil
}

func (d *GstDriver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.stopLocked()
	d.opened = false
	return err
}

func (d *GstDriver) SetExposure(ctx context.Context, exposure Microseconds) error {
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

func (d *GstDriver) SetGain(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, gainControls, nil, percent)
}

func (d *GstDriver) SetFocus(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, focusControls, autoFocusControls, percent)
}

func (d *GstDriver) SetSharpness(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, sharpnessControls, nil, percent)
}

func (d *GstDriver) setPercent(ctx context.Context, names, autoNames []string, percent float64) error {
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
