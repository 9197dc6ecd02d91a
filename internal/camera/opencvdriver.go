//go:build opencv

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

func init() {
	registerBackend(BackendOpenCV, NewOpenCVDriverFromConfig)
}

// OpenCV の V4L2 バックエンドが受け付ける生の値の範囲。
// VideoCapture からはコントロールの範囲を取得できないため固定値を使う
const (
	cvGainMax      = 255
	cvFocusMax     = 1023
	cvSharpnessMax = 255
	cvManualMode   = 1 // CAP_PROP_AUTO_EXPOSURE の手動モード
)

// OpenCVDriver は gocv の VideoCapture でUVCカメラを読むドライバー。既定は 1280x720@30
type OpenCVDriver struct {
	index    int
	logger   *slog.Logger
	defaults captureDefaults

	mu      sync.Mutex
	capture *gocv.VideoCapture
	spec    Specification
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewOpenCVDriver は新しいOpenCVDriverを作成する
func NewOpenCVDriver(index int, logger *slog.Logger) *OpenCVDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenCVDriver{
		index:    index,
		logger:   logger.With("backend", string(BackendOpenCV), "index", index),
		defaults: captureDefaults{Width: 1280, Height: 720, FrameRate: 30},
	}
}

// NewOpenCVDriverFromConfig は設定からOpenCVDriverを作成する
func NewOpenCVDriverFromConfig(cfg DriverConfig) (Driver, error) {
	index := cfg.Index
	if cfg.Device != "" {
		n, err := strconv.Atoi(cfg.Device)
		if err != nil {
			n = extractDeviceNumber(cfg.Device)
		}
		index = n
	}
	return NewOpenCVDriver(index, nil), nil
}

func (d *OpenCVDriver) Open(_ context.Context, cfg OpenConfig) (Specification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return Specification{}, errors.New("既にオープンされています")
	}
	if cfg.PixelMode != PixelUnallocated && cfg.PixelMode != PixelRGB8 && cfg.PixelMode != PixelL8 {
		return Specification{}, fmt.Errorf("OpenCV では %s を出力できません", cfg.PixelMode)
	}

	capture, err := gocv.OpenVideoCapture(d.index)
	if err != nil {
		return Specification{}, fmt.Errorf("カメラ %d を開けません: %w", d.index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return Specification{}, fmt.Errorf("カメラ %d がオープンされていません", d.index)
	}

	width, height, fps := d.defaults.Width, d.defaults.Height, d.defaults.FrameRate
	if cfg.Width > 0 && cfg.Height > 0 {
		width, height = cfg.Width, cfg.Height
	}
	if cfg.FrameRate > 0 {
		fps = cfg.FrameRate
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	capture.Set(gocv.VideoCaptureFPS, fps)

	// ドライバーが実際に採用した値を読み戻す
	actualW := int(capture.Get(gocv.VideoCaptureFrameWidth))
	actualH := int(capture.Get(gocv.VideoCaptureFrameHeight))
	if actualW > 0 && actualH > 0 {
		width, height = actualW, actualH
	}
	if v := capture.Get(gocv.VideoCaptureFPS); v > 0 {
		fps = v
	}

	mode := PixelRGB8
	if cfg.PixelMode == PixelL8 {
		mode = PixelL8
	}

	d.capture = capture
	d.spec = Specification{
		DeviceID: strconv.Itoa(d.index),
		Name:     fmt.Sprintf("OpenCV Camera %d", d.index),
		Driver:   string(BackendOpenCV),
		Features: NewFeatureSet(
			FeatureFreeRun, FeatureDeviceID,
			FeatureExposure, FeatureGain, FeatureFocus, FeatureSharpness,
		),
		PixelModes:    NewPixelModeSet(PixelL8, PixelRGB8),
		MinResolution: Resolution{Width: width, Height: height},
		MaxResolution: Resolution{Width: width, Height: height},
		MinFrameRate:  fps,
		MaxFrameRate:  fps,
		Width:         width,
		Height:        height,
		FrameRate:     fps,
		PixelMode:     mode,
	}
	return d.spec, nil
}

func (d *OpenCVDriver) StartCapture(_ context.Context, sink FrameSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return errors.New("カメラがオープンされていません")
	}
	if d.stopCh != nil {
		return errors.New("既にキャプチャ中です")
	}
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.readLoop(d.capture, d.spec.PixelMode, sink, d.stopCh)
	return nil
}

func (d *OpenCVDriver) readLoop(capture *gocv.VideoCapture, mode PixelMode, sink FrameSink, stopCh <-chan struct{}) {
	defer d.wg.Done()

	img := gocv.NewMat()
	defer img.Close()
	converted := gocv.NewMat()
	defer converted.Close()

	code := gocv.ColorBGRToRGB
	if mode == PixelL8 {
		code = gocv.ColorBGRToGray
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if ok := capture.Read(&img); !ok || img.Empty() {
			d.logger.Warn("opencv: フレームの読み取りに失敗しました")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		captured := time.Now()
		gocv.CvtColor(img, &converted, code)
		sink(converted.ToBytes(), captured)
	}
}

func (d *OpenCVDriver) StopCapture(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *OpenCVDriver) stopLocked() {
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	d.wg.Wait()
	d.stopCh = nil
}

func (d *OpenCVDriver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	if d.capture == nil {
		return nil
	}
	err := d.capture.Close()
	d.capture = nil
	return err
}

func (d *OpenCVDriver) SetExposure(_ context.Context, exposure Microseconds) error {
	return d.set(func(c *gocv.VideoCapture) {
		c.Set(gocv.VideoCaptureAutoExposure, cvManualMode)
		c.Set(gocv.VideoCaptureExposure, float64(exposure/v4l2ExposureUnit))
	})
}

func (d *OpenCVDriver) SetGain(_ context.Context, percent float64) error {
	return d.set(func(c *gocv.VideoCapture) {
		c.Set(gocv.VideoCaptureGain, float64(percentToRange(percent, 0, cvGainMax)))
	})
}

func (d *OpenCVDriver) SetFocus(_ context.Context, percent float64) error {
	return d.set(func(c *gocv.VideoCapture) {
		c.Set(gocv.VideoCaptureAutoFocus, 0)
		c.Set(gocv.VideoCaptureFocus, float64(percentToRange(percent, 0, cvFocusMax)))
	})
}

func (d *OpenCVDriver) SetSharpness(_ context.Context, percent float64) error {
	return d.set(func(c *gocv.VideoCapture) {
		c.Set(gocv.VideoCaptureSharpness, float64(percentToRange(percent, 0, cvSharpnessMax)))
	})
}

func (d *OpenCVDriver) set(fn func(*gocv.VideoCapture)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return errors.New("カメラがオープンされていません")
	}
	fn(d.capture)
	return nil
}
