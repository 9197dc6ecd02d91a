package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	errNotTriggerable = errors.New("ドライバーがトリガー設定に対応していません")
	errNotGPOCapable  = errors.New("ドライバーがGPO設定に対応していません")
)

// TriggerController はトリガーとGPOの設定を検証してドライバーへ渡す。
//
// Device/Software モードでは信号種別に意味がないため、指定された信号は
// Default に正規化する。GPIO モードでは報告された信号種別のみ受け付ける。
// 設定は以後のフレームから有効になり、チャネル内のフレームには影響しない
type TriggerController struct {
	caps   *Capabilities
	driver Driver
	logger *slog.Logger

	mu       sync.Mutex
	settings TriggerSettings
	gpo      GPOMode
	gpoSet   bool
}

// NewTriggerController は新しい TriggerController を作成する
func NewTriggerController(caps *Capabilities, driver Driver, logger *slog.Logger) *TriggerController {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerController{
		caps:     caps,
		driver:   driver,
		logger:   logger,
		settings: TriggerSettings{Mode: TriggerDevice, Signal: SignalDefault},
	}
}

// Normalize は設定を検証し、実際に適用される設定を返す
func (t *TriggerController) Normalize(settings TriggerSettings) (TriggerSettings, error) {
	if err := t.caps.Require(FeatureTriggering); err != nil {
		return settings, err
	}
	if !settings.Mode.IsHardware() && settings.Signal != SignalDefault {
		t.logger.Debug("trigger: 信号種別をDefaultに正規化しました",
			"mode", settings.Mode.String(),
			"requested_signal", settings.Signal.String(),
		)
		settings.Signal = SignalDefault
	}
	if !t.caps.SupportsTrigger(settings) {
		return settings, &UnsupportedFeatureError{Feature: FeatureTriggering, Detail: settings.String()}
	}
	return settings, nil
}

// Configure はトリガー設定を適用し、正規化後の設定を返す
func (t *TriggerController) Configure(ctx context.Context, mode TriggerMode, signal TriggerSignalType) (TriggerSettings, error) {
	settings, err := t.Normalize(TriggerSettings{Mode: mode, Signal: signal})
	if err != nil {
		return settings, err
	}

	tr, ok := t.driver.(Triggerable)
	if !ok {
		return settings, &DriverError{Op: "SetTrigger", Err: errNotTriggerable}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tr.SetTrigger(ctx, settings); err != nil {
		return settings, &DriverError{Op: "SetTrigger", Err: err}
	}
	t.settings = settings
	t.logger.Info("trigger: トリガーを設定しました", "mode", settings.Mode.String(), "signal", settings.Signal.String())
	return settings, nil
}

// ConfigureGPO はGPOモードを適用する
func (t *TriggerController) ConfigureGPO(ctx context.Context, mode GPOMode) error {
	if err := t.caps.Require(FeatureGPO); err != nil {
		return err
	}
	if !t.caps.SupportsGPO(mode) {
		return &UnsupportedFeatureError{Feature: FeatureGPO, Detail: mode.String()}
	}

	g, ok := t.driver.(GPOCapable)
	if !ok {
		return &DriverError{Op: "SetGPO", Err: errNotGPOCapable}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := g.SetGPO(ctx, mode); err != nil {
		return &DriverError{Op: "SetGPO", Err: err}
	}
	t.gpo = mode
	t.gpoSet = true
	return nil
}

// Fire はソフトウェアトリガーを1回発行する。Software モードでのみ有効
func (t *TriggerController) Fire(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settings.Mode != TriggerSoftware {
		return &UnsupportedFeatureError{
			Feature: FeatureTriggering,
			Detail:  "ソフトウェアトリガーモードではありません (現在: " + t.settings.Mode.String() + ")",
		}
	}
	tr, ok := t.driver.(Triggerable)
	if !ok {
		return &DriverError{Op: "FireSoftwareTrigger", Err: errNotTriggerable}
	}
	if err := tr.FireSoftwareTrigger(ctx); err != nil {
		return &DriverError{Op: "FireSoftwareTrigger", Err: err}
	}
	return nil
}

// Settings は現在のトリガー設定を返す
func (t *TriggerController) Settings() TriggerSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

// GPOMode は現在のGPOモードを返す。未設定なら false
func (t *TriggerController) GPOMode() (GPOMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpo, t.gpoSet
}
