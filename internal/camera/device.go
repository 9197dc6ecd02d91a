package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Camera は利用者から見たデバイスの操作一覧。*Device が実装する
type Camera interface {
	ID() string
	Name() string

	Open(ctx context.Context, cfg OpenConfig) error
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	Close(ctx context.Context) error
	Destroy(ctx context.Context) error
	State() DeviceState

	Specification() (Specification, error)
	SupportsFeature(f Feature) bool
	SupportsPixelMode(p PixelMode) bool

	SetExposure(ctx context.Context, exposure Microseconds) error
	SetGain(ctx context.Context, percent float64) error
	SetFocus(ctx context.Context, percent float64) error
	SetSharpness(ctx context.Context, percent float64) error
	Controls() Controls

	ConfigureTrigger(ctx context.Context, mode TriggerMode, signal TriggerSignalType) (TriggerSettings, error)
	ConfigureGPO(ctx context.Context, mode GPOMode) error
	SoftwareTrigger(ctx context.Context) error
	TriggerSettings() TriggerSettings
	GPOMode() (GPOMode, bool)

	IsFrameNew() bool
	GetFrame() (Frame, error)
	ResetTimestamp() error
	Updated() <-chan struct{}
	Stats() FrameStats

	OnEvent(handler EventHandler)
}

// Controls は最後に適用したコントロール値
type Controls struct {
	Exposure  Microseconds `json:"exposure_us,omitempty"`
	Gain      float64      `json:"gain,omitempty"`
	Focus     float64      `json:"focus,omitempty"`
	Sharpness float64      `json:"sharpness,omitempty"`
	Applied   FeatureSet   `json:"-"`
}

// EventType はデバイスイベントの種類
type EventType string

const (
	EventOpened         EventType = "opened"
	EventStarted        EventType = "started"
	EventStopped        EventType = "stopped"
	EventClosed         EventType = "closed"
	EventDestroyed      EventType = "destroyed"
	EventControlChanged EventType = "control_changed"
	EventTriggerChanged EventType = "trigger_changed"
	EventError          EventType = "error"
)

// Event はデバイスで起きた出来事
type Event struct {
	Type     EventType   `json:"type"`
	DeviceID string      `json:"device_id"`
	State    DeviceState `json:"state"`
	Time     time.Time   `json:"time"`
	Detail   string      `json:"detail,omitempty"`
}

// EventHandler はイベントを受け取る関数
type EventHandler func(Event)

// DeviceConfig はデバイスの作成設定
type DeviceConfig struct {
	ID     string
	Name   string
	Logger *slog.Logger
}

// Device は状態機械、機能照会、フレームチャネル、トリガー制御を
// 1つのドライバーの上に組み立てたもの
type Device struct {
	id     string
	name   string
	driver Driver
	logger *slog.Logger

	// 制御操作の直列化。フレーム配送中には保持しない
	mu       sync.Mutex
	state    *StateMachine
	channel  *FrameChannel
	caps     *Capabilities
	trigger  *TriggerController
	controls Controls
	openCfg  OpenConfig

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// NewDevice は driver を使う Empty 状態のデバイスを作成する
func NewDevice(driver Driver, cfg DeviceConfig) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Device{
		id:      cfg.ID,
		name:    name,
		driver:  driver,
		logger:  logger.With("device_id", cfg.ID),
		state:   NewStateMachine(),
		channel: NewFrameChannel(),
	}
}

func (d *Device) ID() string   { return d.id }
func (d *Device) Name() string { return d.name }

// Driver は内部のドライバーを返す
func (d *Device) Driver() Driver { return d.driver }

// State は現在の状態を返す
func (d *Device) State() DeviceState { return d.state.State() }

// OpenConfig は最後にオープンを要求した設定を返す
func (d *Device) OpenConfig() OpenConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCfg
}

// Open はドライバーを通してハードウェアを確保し、Waiting に遷移する。
// 失敗した場合は OpenError を返し、状態は変わらない
func (d *Device) Open(ctx context.Context, cfg OpenConfig) error {
	if err := d.open(ctx, cfg); err != nil {
		if !errors.Is(err, ErrState) {
			d.emit(EventError, err.Error())
		}
		return err
	}
	d.emit(EventOpened, "")
	return nil
}

func (d *Device) open(ctx context.Context, cfg OpenConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.state.Check(TransitionOpen); err != nil {
		return err
	}

	spec, err := d.driver.Open(ctx, cfg)
	if err != nil {
		d.logger.Error("device: オープンに失敗しました", "error", err)
		return &OpenError{Device: d.id, Err: err}
	}
	if err := d.acceptSpecification(cfg, spec); err != nil {
		if cerr := d.driver.Close(ctx); cerr != nil {
			d.logger.Warn("device: オープン失敗後のクローズに失敗しました", "error", cerr)
		}
		d.logger.Error("device: 仕様が不正です", "error", err)
		return &OpenError{Device: d.id, Err: err}
	}

	if spec.DeviceID == "" {
		spec.DeviceID = d.id
	}
	d.openCfg = cfg
	d.caps = NewCapabilities(spec)
	d.trigger = NewTriggerController(d.caps, d.driver, d.logger)
	d.controls = Controls{}
	d.channel.Configure(FrameFormat{Width: spec.Width, Height: spec.Height, PixelMode: spec.PixelMode})

	if _, err := d.state.Apply(TransitionOpen); err != nil {
		return err
	}

	d.logger.Info("device: オープンしました",
		"driver", spec.Driver,
		"resolution", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"fps", spec.FrameRate,
		"pixel_mode", spec.PixelMode.String(),
	)
	return nil
}

func (d *Device) acceptSpecification(cfg OpenConfig, spec Specification) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if cfg.PixelMode != PixelUnallocated && spec.PixelMode != cfg.PixelMode {
		return fmt.Errorf("要求されたピクセル形式 %s に対応していません", cfg.PixelMode)
	}
	return nil
}

// StartCapture はキャプチャを開始して Running に遷移する。
// タイムスタンプ基準時刻はここでリセットされる
func (d *Device) StartCapture(ctx context.Context) error {
	if err := d.startCapture(ctx); err != nil {
		return err
	}
	d.emit(EventStarted, "")
	return nil
}

func (d *Device) startCapture(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.state.Check(TransitionStart); err != nil {
		return err
	}

	d.channel.ResetTimestamp()
	d.channel.Accept(true)
	if err := d.driver.StartCapture(ctx, d.deliver); err != nil {
		d.channel.Accept(false)
		return &DriverError{Op: "StartCapture", Err: err}
	}

	if _, err := d.state.Apply(TransitionStart); err != nil {
		return err
	}
	d.logger.Info("device: キャプチャを開始しました")
	return nil
}

func (d *Device) deliver(data []byte, captured time.Time) {
	d.channel.Deliver(data, captured)
}

// StopCapture はキャプチャを停止して Waiting に遷移する。Waiting では何もしない
func (d *Device) StopCapture(ctx context.Context) error {
	stopped, err := d.stopCapture(ctx)
	if stopped {
		d.emit(EventStopped, "")
	}
	return err
}

func (d *Device) stopCapture(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	noop, err := d.state.Check(TransitionStop)
	if err != nil || noop {
		return false, err
	}
	return true, d.stopLocked(ctx)
}

// stopLocked は受付を止めてからドライバーを停止する（mu保持前提）。
// ドライバーが失敗しても受付は閉じているので Waiting に遷移する
func (d *Device) stopLocked(ctx context.Context) error {
	d.channel.Accept(false)
	err := d.driver.StopCapture(ctx)
	if _, serr := d.state.Apply(TransitionStop); serr != nil {
		return serr
	}
	if err != nil {
		d.logger.Warn("device: キャプチャ停止でドライバーエラー", "error", err)
		return &DriverError{Op: "StopCapture", Err: err}
	}
	d.logger.Info("device: キャプチャを停止しました")
	return nil
}

// Close はキャプチャ中なら停止してからハードウェアを解放し、Closed に遷移する
func (d *Device) Close(ctx context.Context) error {
	closed, err := d.close(ctx)
	if closed {
		d.emit(EventClosed, "")
	}
	return err
}

func (d *Device) close(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	noop, err := d.state.Check(TransitionClose)
	if err != nil || noop {
		return false, err
	}
	return true, d.closeLocked(ctx)
}

func (d *Device) closeLocked(ctx context.Context) error {
	var errs []error
	if d.state.State() == StateRunning {
		if err := d.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.driver.Close(ctx); err != nil {
		errs = append(errs, &DriverError{Op: "Close", Err: err})
	}
	d.channel.Clear()
	d.caps = nil
	d.trigger = nil
	if _, err := d.state.Apply(TransitionClose); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("device: クローズしました")
	return errors.Join(errs...)
}

// Destroy はデバイスを終端状態 Deleting にする。以後の操作は全て StateError。
// 2回目以降の呼び出しは何もしない
func (d *Device) Destroy(ctx context.Context) error {
	destroyed, err := d.destroy(ctx)
	if destroyed {
		d.emit(EventDestroyed, "")
	}
	return err
}

func (d *Device) destroy(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	noop, err := d.state.Check(TransitionDestroy)
	if err != nil || noop {
		return false, err
	}

	var errs []error
	if d.state.State().IsOpen() {
		if err := d.closeLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := d.state.Apply(TransitionDestroy); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// Specification はオープン時に確定した仕様を返す
func (d *Device) Specification() (Specification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.RequireOpen("Specification"); err != nil {
		return Specification{}, err
	}
	return d.caps.Specification(), nil
}

// SupportsFeature はオープン中のデバイスが機能に対応しているかを返す
func (d *Device) SupportsFeature(f Feature) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil && d.caps.SupportsFeature(f)
}

func (d *Device) SupportsPixelMode(p PixelMode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil && d.caps.SupportsPixelMode(p)
}

// SetExposure は露光時間を設定する
func (d *Device) SetExposure(ctx context.Context, exposure Microseconds) error {
	err := d.control("SetExposure", FeatureExposure, func() error {
		if err := d.driver.SetExposure(ctx, exposure); err != nil {
			return err
		}
		d.controls.Exposure = exposure
		return nil
	})
	if err != nil {
		return err
	}
	d.emit(EventControlChanged, fmt.Sprintf("exposure=%dus", exposure))
	return nil
}

// SetGain はゲインを 0〜100 で設定する
func (d *Device) SetGain(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, "SetGain", FeatureGain, percent, d.driver.SetGain, &d.controls.Gain)
}

// SetFocus はフォーカスを 0〜100 で設定する
func (d *Device) SetFocus(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, "SetFocus", FeatureFocus, percent, d.driver.SetFocus, &d.controls.Focus)
}

// SetSharpness はシャープネスを 0〜100 で設定する
func (d *Device) SetSharpness(ctx context.Context, percent float64) error {
	return d.setPercent(ctx, "SetSharpness", FeatureSharpness, percent, d.driver.SetSharpness, &d.controls.Sharpness)
}

func (d *Device) setPercent(ctx context.Context, op string, f Feature, percent float64,
	apply func(context.Context, float64) error, dst *float64) error {
	err := d.control(op, f, func() error {
		if math.IsNaN(percent) || percent < 0 || percent > 100 {
			return invalidValue(f.String(), percent)
		}
		if err := apply(ctx, percent); err != nil {
			return err
		}
		*dst = percent
		return nil
	})
	if err != nil {
		return err
	}
	d.emit(EventControlChanged, fmt.Sprintf("%s=%g", featureKeys[f], percent))
	return nil
}

// control は状態と機能を確認してから fn を実行する。
// fn が返したドライバーのエラーは DriverError に包む
func (d *Device) control(op string, f Feature, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.state.RequireOpen(op); err != nil {
		return err
	}
	if err := d.caps.Require(f); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if errors.Is(err, ErrInvalidValue) {
			return err
		}
		return &DriverError{Op: op, Err: err}
	}
	d.controls.Applied = d.controls.Applied.With(f)
	d.logger.Debug("device: コントロールを設定しました", "op", op)
	return nil
}

// Controls は最後に適用したコントロール値を返す
func (d *Device) Controls() Controls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controls
}

// ConfigureTrigger はトリガーモードを設定し、実際に適用された設定を返す
func (d *Device) ConfigureTrigger(ctx context.Context, mode TriggerMode, signal TriggerSignalType) (TriggerSettings, error) {
	settings, err := d.configureTrigger(ctx, mode, signal)
	if err != nil {
		return settings, err
	}
	d.emit(EventTriggerChanged, settings.String())
	return settings, nil
}

func (d *Device) configureTrigger(ctx context.Context, mode TriggerMode, signal TriggerSignalType) (TriggerSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.RequireOpen("ConfigureTrigger"); err != nil {
		return TriggerSettings{Mode: mode, Signal: signal}, err
	}
	return d.trigger.Configure(ctx, mode, signal)
}

// ConfigureGPO はGPOモードを設定する
func (d *Device) ConfigureGPO(ctx context.Context, mode GPOMode) error {
	d.mu.Lock()
	if err := d.state.RequireOpen("ConfigureGPO"); err != nil {
		d.mu.Unlock()
		return err
	}
	err := d.trigger.ConfigureGPO(ctx, mode)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.emit(EventTriggerChanged, "gpo="+mode.String())
	return nil
}

// SoftwareTrigger はソフトウェアトリガーを発行する。Running かつ Software モードで有効
func (d *Device) SoftwareTrigger(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.Require("SoftwareTrigger", StateRunning); err != nil {
		return err
	}
	return d.trigger.Fire(ctx)
}

// TriggerSettings は現在のトリガー設定を返す。クローズ中は既定値
func (d *Device) TriggerSettings() TriggerSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trigger == nil {
		return TriggerSettings{Mode: TriggerDevice, Signal: SignalDefault}
	}
	return d.trigger.Settings()
}

// GPOMode は現在のGPOモードを返す
func (d *Device) GPOMode() (GPOMode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trigger == nil {
		return GPOOff, false
	}
	return d.trigger.GPOMode()
}

// IsFrameNew は前回の呼び出し以降に新しいフレームが届いたかを返す。
// オープンしていなければ常に false
func (d *Device) IsFrameNew() bool {
	if !d.state.State().IsOpen() {
		return false
	}
	return d.channel.IsFrameNew()
}

// GetFrame は最新のフレームを返す
func (d *Device) GetFrame() (Frame, error) {
	if err := d.state.RequireOpen("GetFrame"); err != nil {
		return Frame{}, err
	}
	return d.channel.GetFrame()
}

// ResetTimestamp はタイムスタンプの基準時刻を現在時刻にする
func (d *Device) ResetTimestamp() error {
	if err := d.state.RequireOpen("ResetTimestamp"); err != nil {
		return err
	}
	d.channel.ResetTimestamp()
	return nil
}

// Updated は次のフレーム到着時にクローズされるチャネルを返す
func (d *Device) Updated() <-chan struct{} {
	return d.channel.Updated()
}

// Stats はフレームチャネルの統計を返す
func (d *Device) Stats() FrameStats {
	return d.channel.Stats()
}

// OnEvent はイベントハンドラーを登録する
func (d *Device) OnEvent(handler EventHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers = append(d.handlers, handler)
}

func (d *Device) emit(t EventType, detail string) {
	d.handlersMu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.handlersMu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	ev := Event{
		Type:     t,
		DeviceID: d.id,
		State:    d.state.State(),
		Time:     time.Now(),
		Detail:   detail,
	}
	for _, h := range handlers {
		h(ev)
	}
}
