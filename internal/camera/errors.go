package camera

import (
	"errors"
	"fmt"
)

// errors.Is で判別するためのエラー種別
var (
	ErrState              = errors.New("現在の状態では実行できない操作です")
	ErrUnsupportedFeature = errors.New("デバイスが対応していない機能です")
	ErrOpen               = errors.New("デバイスのオープンに失敗しました")
	ErrNoFrame            = errors.New("フレームがまだ届いていません")
	ErrDriver             = errors.New("ドライバーエラー")
	ErrInvalidValue       = errors.New("値が範囲外です")
)

// StateError は現在の状態で許可されない操作を表す
type StateError struct {
	Op    string
	State DeviceState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: 状態 %s では実行できません", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrState }

// UnsupportedFeatureError はデバイスが対応していない機能の要求を表す
type UnsupportedFeatureError struct {
	Feature Feature
	Detail  string
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("未対応の機能 %s: %s", e.Feature, e.Detail)
	}
	return fmt.Sprintf("未対応の機能: %s", e.Feature)
}

func (e *UnsupportedFeatureError) Unwrap() error { return ErrUnsupportedFeature }

// OpenError はデバイスのオープン失敗を表す
type OpenError struct {
	Device string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("デバイス %s のオープンに失敗: %v", e.Device, e.Err)
}

func (e *OpenError) Unwrap() []error { return []error{ErrOpen, e.Err} }

// DriverError はバックエンドが返したエラーをそのまま運ぶ
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("ドライバー %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() []error { return []error{ErrDriver, e.Err} }

func invalidValue(name string, v float64) error {
	return fmt.Errorf("%w: %s=%g (0〜100で指定してください)", ErrInvalidValue, name, v)
}
