package camera

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockDriver はテストやデモ用のドライバー実装。
// Emit で任意のフレームを同期的に届けられ、ジェネレーターを有効にすると
// 設定フレームレートでテストパターンを生成する
type MockDriver struct {
	mu sync.Mutex

	spec       Specification
	openErr    error
	startErr   error
	controlErr error
	generate   bool

	opened  bool
	running bool
	current Specification
	sink    FrameSink
	stopCh  chan struct{}
	wg      sync.WaitGroup

	calls     []string
	exposure  Microseconds
	gain      float64
	focus     float64
	sharpness float64
	trigger   TriggerSettings
	gpo       GPOMode
	fired     int
	generated uint64
}

// DefaultMockSpecification は全機能に対応したモックの仕様を返す
func DefaultMockSpecification() Specification {
	return Specification{
		Name:   "Mock Camera",
		Driver: string(BackendMock),
		Features: NewFeatureSet(
			FeatureTriggering, FeatureGPO, FeatureFreeRun, FeatureOneShot,
			FeatureExposure, FeatureGain, FeatureFocus, FeatureSharpness, FeatureDeviceID,
		),
		PixelModes: NewPixelModeSet(PixelL8, PixelRGB8),
		Triggers: TriggerSupport{}.
			WithMode(TriggerDevice).
			WithMode(TriggerSoftware).
			WithMode(TriggerGPIO1, SignalRisingEdge, SignalFallingEdge),
		GPOModes:      NewGPOModeSet(GPOOn, GPOOff, GPOHighWhilstExposure),
		MinResolution: Resolution{Width: 16, Height: 16},
		MaxResolution: Resolution{Width: 1920, Height: 1080},
		MinFrameRate:  1,
		MaxFrameRate:  120,
		Width:         640,
		Height:        480,
		FrameRate:     30,
		PixelMode:     PixelL8,
	}
}

// NewMockDriver は spec を報告するモックドライバーを作成する
func NewMockDriver(spec Specification) *MockDriver {
	return &MockDriver{spec: spec}
}

// SetOpenError は Open が返すエラーを設定する
func (m *MockDriver) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetStartError は StartCapture が返すエラーを設定する
func (m *MockDriver) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetControlError はコントロール設定が返すエラーを設定する
func (m *MockDriver) SetControlError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlErr = err
}

// EnableGenerator はテストパターン生成の有無を設定する
func (m *MockDriver) EnableGenerator(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generate = enabled
}

// Open はモックの仕様に要求設定を反映して返す
func (m *MockDriver) Open(_ context.Context, cfg OpenConfig) (Specification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Open")

	if m.openErr != nil {
		return Specification{}, m.openErr
	}
	if m.opened {
		return Specification{}, errors.New("モックデバイスは既に使用中です")
	}

	spec := m.spec
	if cfg.DeviceID != "" {
		spec.DeviceID = cfg.DeviceID
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		spec.Width, spec.Height = cfg.Width, cfg.Height
	}
	if cfg.FrameRate > 0 {
		spec.FrameRate = cfg.FrameRate
	}
	if cfg.PixelMode != PixelUnallocated && spec.PixelModes.Has(cfg.PixelMode) {
		spec.PixelMode = cfg.PixelMode
	}

	m.opened = true
	m.current = spec
	return spec, nil
}

// StartCapture は sink を保持し、必要ならジェネレーターを起動する
func (m *MockDriver) StartCapture(_ context.Context, sink FrameSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "StartCapture")

	if m.startErr != nil {
		return m.startErr
	}
	if !m.opened {
		return errors.New("モックデバイスがオープンされていません")
	}

	m.sink = sink
	m.running = true
	m.stopCh = make(chan struct{})
	if m.generate {
		m.wg.Add(1)
		go m.generateFrames(m.current, m.stopCh)
	}
	return nil
}

// StopCapture はジェネレーターの終了を待ってから戻る
func (m *MockDriver) StopCapture(_ context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, "StopCapture")
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	close(m.stopCh)
	m.running = false
	m.sink = nil
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Close はデバイスを解放する
func (m *MockDriver) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Close")
	m.opened = false
	return nil
}

func (m *MockDriver) SetExposure(_ context.Context, exposure Microseconds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SetExposure")
	if m.controlErr != nil {
		return m.controlErr
	}
	m.exposure = exposure
	return nil
}

func (m *MockDriver) SetGain(_ context.Context, percent float64) error {
	return m.setControl("SetGain", &m.gain, percent)
}

func (m *MockDriver) SetFocus(_ context.Context, percent float64) error {
	return m.setControl("SetFocus", &m.focus, percent)
}

func (m *MockDriver) SetSharpness(_ context.Context, percent float64) error {
	return m.setControl("SetSharpness", &m.sharpness, percent)
}

func (m *MockDriver) setControl(name string, dst *float64, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	if m.controlErr != nil {
		return m.controlErr
	}
	*dst = v
	return nil
}

// SetTrigger はトリガー設定を記録する
func (m *MockDriver) SetTrigger(_ context.Context, settings TriggerSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SetTrigger")
	if m.controlErr != nil {
		return m.controlErr
	}
	m.trigger = settings
	return nil
}

// FireSoftwareTrigger はテストパターンを1フレーム届ける
func (m *MockDriver) FireSoftwareTrigger(_ context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, "FireSoftwareTrigger")
	m.fired++
	sink := m.sink
	spec := m.current
	n := m.generated
	m.generated++
	m.mu.Unlock()

	if sink != nil {
		sink(TestPattern(spec.Width, spec.Height, spec.PixelMode, n), time.Now())
	}
	return nil
}

// SetGPO はGPOモードを記録する
func (m *MockDriver) SetGPO(_ context.Context, mode GPOMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "SetGPO")
	if m.controlErr != nil {
		return m.controlErr
	}
	m.gpo = mode
	return nil
}

// Emit はキャプチャ中であれば data を同期的に届ける
func (m *MockDriver) Emit(data []byte) bool {
	return m.EmitAt(data, time.Now())
}

// EmitAt は取得時刻を指定してフレームを届ける
func (m *MockDriver) EmitAt(data []byte, captured time.Time) bool {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(data, captured)
	return true
}

// Calls は呼び出されたメソッド名を順に返す
func (m *MockDriver) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Exposure は最後に設定された露光時間を返す
func (m *MockDriver) Exposure() Microseconds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure
}

// Gain は最後に設定されたゲインを返す
func (m *MockDriver) Gain() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

// Trigger は最後に設定されたトリガーを返す
func (m *MockDriver) Trigger() TriggerSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trigger
}

// Fired はソフトウェアトリガーの発行回数を返す
func (m *MockDriver) Fired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

func (m *MockDriver) generateFrames(spec Specification, stopCh <-chan struct{}) {
	defer m.wg.Done()

	fps := spec.FrameRate
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			sink := m.sink
			n := m.generated
			m.generated++
			m.mu.Unlock()
			if sink == nil {
				return
			}
			sink(TestPattern(spec.Width, spec.Height, spec.PixelMode, n), now)
		}
	}
}

// TestPattern は n に応じて流れるグラデーションのフレームを生成する
func TestPattern(width, height int, mode PixelMode, n uint64) []byte {
	bpp := mode.BytesPerPixel()
	if bpp == 0 || width <= 0 || height <= 0 {
		return nil
	}
	data := make([]byte, width*height*bpp)
	shift := int(n * 4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := byte((x + y + shift) & 0xff)
			i := (y*width + x) * bpp
			switch mode {
			case PixelRGB8:
				data[i] = v
				data[i+1] = byte(y * 255 / height)
				data[i+2] = 255 - v
			case PixelL12:
				w := uint16(v) << 4
				data[i], data[i+1] = byte(w), byte(w>>8)
			case PixelL16:
				w := uint16(v) << 8
				data[i], data[i+1] = byte(w), byte(w>>8)
			default:
				data[i] = v
			}
		}
	}
	return data
}
