package camera

import (
	"fmt"
)

// TriggerSupport はトリガーモードごとに受け付ける信号種別の集合
type TriggerSupport struct {
	modes   uint8
	signals [triggerModeCount]TriggerSignalSet
}

// WithMode はモードと受け付ける信号を追加したコピーを返す
func (t TriggerSupport) WithMode(mode TriggerMode, signals ...TriggerSignalType) TriggerSupport {
	if mode >= triggerModeCount {
		return t
	}
	t.modes |= 1 << mode
	t.signals[mode] |= NewTriggerSignalSet(signals...)
	return t
}

// HasMode はモードに対応しているかを返す
func (t TriggerSupport) HasMode(mode TriggerMode) bool {
	return mode < triggerModeCount && t.modes&(1<<mode) != 0
}

// Signals はモードで受け付ける信号種別を返す
func (t TriggerSupport) Signals(mode TriggerMode) TriggerSignalSet {
	if !t.HasMode(mode) {
		return 0
	}
	return t.signals[mode]
}

// Modes は対応しているモードを昇順で返す
func (t TriggerSupport) Modes() []TriggerMode {
	out := make([]TriggerMode, 0, triggerModeCount)
	for m := TriggerMode(0); m < triggerModeCount; m++ {
		if t.HasMode(m) {
			out = append(out, m)
		}
	}
	return out
}

// Specification はオープン時にバックエンドが報告するデバイスの仕様。
// オープン成功ごとに一度だけ作られ、クローズまで変更されない
type Specification struct {
	DeviceID string
	Name     string
	Driver   string

	Features   FeatureSet
	PixelModes PixelModeSet
	Triggers   TriggerSupport
	GPOModes   GPOModeSet

	MinResolution Resolution
	MaxResolution Resolution
	MinFrameRate  float64
	MaxFrameRate  float64

	// 実際にネゴシエートされたキャプチャ設定
	Width     int
	Height    int
	FrameRate float64
	PixelMode PixelMode
}

// Validate はドライバーが報告した仕様の整合性を検証する
func (s Specification) Validate() error {
	if s.PixelModes.Has(PixelUnallocated) {
		return fmt.Errorf("ピクセル形式 %s は報告できません", PixelUnallocated)
	}
	if len(s.PixelModes.List()) == 0 {
		return fmt.Errorf("対応ピクセル形式がありません")
	}
	if s.PixelMode == PixelUnallocated || !s.PixelModes.Has(s.PixelMode) {
		return fmt.Errorf("キャプチャ形式 %s が対応形式に含まれていません", s.PixelMode)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", s.Width, s.Height)
	}
	if s.Features.Has(FeatureTriggering) && len(s.Triggers.Modes()) == 0 {
		return fmt.Errorf("トリガー対応なのにトリガーモードが報告されていません")
	}
	return nil
}

// FrameSize は1フレームのバイト数
func (s Specification) FrameSize() int {
	return s.PixelMode.FrameSize(s.Width, s.Height)
}

// Capabilities はオープン済みデバイスの機能照会を提供する。読み取り専用
type Capabilities struct {
	spec Specification
}

// NewCapabilities は仕様から Capabilities を作成する
func NewCapabilities(spec Specification) *Capabilities {
	return &Capabilities{spec: spec}
}

// Specification は仕様のコピーを返す
func (c *Capabilities) Specification() Specification {
	return c.spec
}

func (c *Capabilities) SupportsFeature(f Feature) bool {
	return c.spec.Features.Has(f)
}

func (c *Capabilities) SupportsPixelMode(p PixelMode) bool {
	return p != PixelUnallocated && c.spec.PixelModes.Has(p)
}

// SupportsTrigger はモードと信号の組み合わせに対応しているかを返す。
// Default 信号は対応モードであれば常に受け付ける
func (c *Capabilities) SupportsTrigger(t TriggerSettings) bool {
	if !c.spec.Features.Has(FeatureTriggering) || !c.spec.Triggers.HasMode(t.Mode) {
		return false
	}
	return t.Signal == SignalDefault || c.spec.Triggers.Signals(t.Mode).Has(t.Signal)
}

func (c *Capabilities) SupportsGPO(g GPOMode) bool {
	return c.spec.Features.Has(FeatureGPO) && c.spec.GPOModes.Has(g)
}

// Require は機能が未対応なら UnsupportedFeatureError を返す
func (c *Capabilities) Require(f Feature) error {
	if c.SupportsFeature(f) {
		return nil
	}
	return &UnsupportedFeatureError{Feature: f}
}
