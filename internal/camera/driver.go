package camera

import (
	"context"
	"time"
)

// FrameSink はドライバーがフレームを渡す先。任意のgoroutineから呼ばれる。
// data は呼び出し後に再利用してよい
type FrameSink func(data []byte, captured time.Time)

// OpenConfig はオープン時の要求設定。ゼロ値の項目はドライバーの既定値を使う
type OpenConfig struct {
	DeviceIndex int
	DeviceID    string
	Width       int
	Height      int
	FrameRate   float64
	PixelMode   PixelMode
}

// Driver はキャプチャバックエンドの契約
type Driver interface {
	// Open はハードウェアを確保し、実際の仕様を返す
	Open(ctx context.Context, cfg OpenConfig) (Specification, error)

	// StartCapture はフレームの連続取得を開始し、到着ごとに sink を呼ぶ
	StartCapture(ctx context.Context, sink FrameSink) error

	// StopCapture は取得を停止する。戻った後は sink を呼ばない
	StopCapture(ctx context.Context) error

	// Close はハードウェアを解放する
	Close(ctx context.Context) error

	SetExposure(ctx context.Context, exposure Microseconds) error
	SetGain(ctx context.Context, percent float64) error
	SetFocus(ctx context.Context, percent float64) error
	SetSharpness(ctx context.Context, percent float64) error
}

// Triggerable はトリガー設定に対応するドライバーが実装する
type Triggerable interface {
	SetTrigger(ctx context.Context, settings TriggerSettings) error
	FireSoftwareTrigger(ctx context.Context) error
}

// GPOCapable はGPO設定に対応するドライバーが実装する
type GPOCapable interface {
	SetGPO(ctx context.Context, mode GPOMode) error
}

// percentToRange は 0〜100 の値をコントロールの範囲に変換する
func percentToRange(percent float64, min, max int) int {
	if max <= min {
		return min
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return min + int(float64(max-min)*percent/100+0.5)
}
