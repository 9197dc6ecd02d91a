package camera

import (
	"context"
	"fmt"
	"strings"
)

// Microseconds は露光時間の単位
type Microseconds uint64

// unsupportedName は範囲外の列挙値の表示名
const unsupportedName = "Unsupported"

// DeviceState はデバイスのライフサイクル状態を表す
type DeviceState uint8

const (
	StateEmpty    DeviceState = iota // 未オープン
	StateClosed                      // クローズ済み
	StateWaiting                     // オープン済み・キャプチャ停止中
	StateRunning                     // キャプチャ中
	StateDeleting                    // 破棄済み（終端）
)

var deviceStateKeys = [...]string{"empty", "closed", "waiting", "running", "deleting"}

func (s DeviceState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateClosed:
		return "Closed"
	case StateWaiting:
		return "Waiting"
	case StateRunning:
		return "Running"
	case StateDeleting:
		return "Deleting"
	default:
		return unsupportedName
	}
}

// Exists はデバイスが存在する（一度以上オープンされ、破棄されていない）かを返す
func (s DeviceState) Exists() bool {
	return s == StateClosed || s == StateWaiting || s == StateRunning
}

// IsOpen はデバイスがオープン済みかを返す
func (s DeviceState) IsOpen() bool {
	return s == StateWaiting || s == StateRunning
}

// IsRunning はキャプチャ中かを返す
func (s DeviceState) IsRunning() bool {
	return s == StateRunning
}

func (s DeviceState) MarshalText() ([]byte, error) { return marshalKey(deviceStateKeys[:], int(s), s) }

func (s *DeviceState) UnmarshalText(text []byte) error {
	v, err := ParseDeviceState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseDeviceState はキーまたは表示名から DeviceState を得る
func ParseDeviceState(s string) (DeviceState, error) {
	for st := StateEmpty; st <= StateDeleting; st++ {
		if matchName(s, deviceStateKeys[st], st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("不明な状態: %q", s)
}

// Feature はデバイスがサポートしうる機能。オープン後に判明する
type Feature uint8

const (
	FeatureROI Feature = iota
	FeatureBinning
	FeaturePixelClock
	FeatureTriggering
	FeatureGPO
	FeatureFreeRun
	FeatureOneShot
	FeatureExposure
	FeatureGain
	FeatureFocus
	FeatureSharpness
	FeatureDeviceID

	featureCount
)

var featureKeys = [...]string{
	"roi", "binning", "pixel_clock", "triggering", "gpo", "free_run",
	"one_shot", "exposure", "gain", "focus", "sharpness", "device_id",
}

func (f Feature) String() string {
	switch f {
	case FeatureROI:
		return "ROI"
	case FeatureBinning:
		return "Binning"
	case FeaturePixelClock:
		return "Pixel clock"
	case FeatureTriggering:
		return "Triggering"
	case FeatureGPO:
		return "GPO"
	case FeatureFreeRun:
		return "Free run capture"
	case FeatureOneShot:
		return "One shot capture"
	case FeatureExposure:
		return "Exposure"
	case FeatureGain:
		return "Gain"
	case FeatureFocus:
		return "Focus"
	case FeatureSharpness:
		return "Sharpness"
	case FeatureDeviceID:
		return "DeviceID"
	default:
		return unsupportedName
	}
}

func (f Feature) MarshalText() ([]byte, error) { return marshalKey(featureKeys[:], int(f), f) }

func (f *Feature) UnmarshalText(text []byte) error {
	v, err := ParseFeature(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFeature はキーまたは表示名から Feature を得る
func ParseFeature(s string) (Feature, error) {
	for f := Feature(0); f < featureCount; f++ {
		if matchName(s, featureKeys[f], f.String()) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("不明な機能: %q", s)
}

// FeatureSet は Feature のビット集合
type FeatureSet uint32

// NewFeatureSet は指定された機能からなる集合を作成する
func NewFeatureSet(features ...Feature) FeatureSet {
	var s FeatureSet
	for _, f := range features {
		s = s.With(f)
	}
	return s
}

// Has は集合が f を含むかを返す
func (s FeatureSet) Has(f Feature) bool {
	return f < featureCount && s&(1<<f) != 0
}

// With は f を追加した集合を返す
func (s FeatureSet) With(f Feature) FeatureSet {
	if f >= featureCount {
		return s
	}
	return s | 1<<f
}

// List は含まれる機能を昇順で返す
func (s FeatureSet) List() []Feature {
	out := make([]Feature, 0, featureCount)
	for f := Feature(0); f < featureCount; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// PixelMode はピクセルのデータ形式
type PixelMode uint8

const (
	PixelUnallocated PixelMode = iota
	PixelL8
	PixelL12
	PixelL16
	PixelRGB8
	PixelBayer8

	pixelModeCount
)

var pixelModeKeys = [...]string{"unallocated", "l8", "l12", "l16", "rgb8", "bayer8"}

func (p PixelMode) String() string {
	switch p {
	case PixelUnallocated:
		return "Unallocated"
	case PixelL8:
		return "L8"
	case PixelL12:
		return "L12"
	case PixelL16:
		return "L16"
	case PixelRGB8:
		return "RGB8"
	case PixelBayer8:
		return "BAYER8"
	default:
		return unsupportedName
	}
}

// IsColor はカラー形式かを返す。RGB8 のみ true
func (p PixelMode) IsColor() bool {
	switch p {
	case PixelRGB8:
		return true
	default:
		return false
	}
}

// BytesPerPixel は1ピクセルあたりのバイト数。L12/L16 はリトルエンディアン2バイト
func (p PixelMode) BytesPerPixel() int {
	switch p {
	case PixelL8, PixelBayer8:
		return 1
	case PixelL12, PixelL16:
		return 2
	case PixelRGB8:
		return 3
	default:
		return 0
	}
}

// FrameSize は width x height のフレームのバイト数を返す
func (p PixelMode) FrameSize(width, height int) int {
	return width * height * p.BytesPerPixel()
}

func (p PixelMode) MarshalText() ([]byte, error) { return marshalKey(pixelModeKeys[:], int(p), p) }

func (p *PixelMode) UnmarshalText(text []byte) error {
	v, err := ParsePixelMode(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePixelMode はキーまたは表示名から PixelMode を得る。空文字は Unallocated
func ParsePixelMode(s string) (PixelMode, error) {
	if s == "" {
		return PixelUnallocated, nil
	}
	for p := PixelMode(0); p < pixelModeCount; p++ {
		if matchName(s, pixelModeKeys[p], p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("不明なピクセル形式: %q", s)
}

// PixelModeSet は PixelMode のビット集合
type PixelModeSet uint8

// NewPixelModeSet は指定された形式からなる集合を作成する
func NewPixelModeSet(modes ...PixelMode) PixelModeSet {
	var s PixelModeSet
	for _, m := range modes {
		s = s.With(m)
	}
	return s
}

func (s PixelModeSet) Has(p PixelMode) bool {
	return p < pixelModeCount && s&(1<<p) != 0
}

func (s PixelModeSet) With(p PixelMode) PixelModeSet {
	if p >= pixelModeCount {
		return s
	}
	return s | 1<<p
}

func (s PixelModeSet) List() []PixelMode {
	out := make([]PixelMode, 0, pixelModeCount)
	for p := PixelMode(0); p < pixelModeCount; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// TriggerMode はトリガーの発生源。Device はデバイス既定（可能な限り高速）
type TriggerMode uint8

const (
	TriggerDevice TriggerMode = iota
	TriggerSoftware
	TriggerGPIO1
	TriggerGPIO2

	triggerModeCount
)

var triggerModeKeys = [...]string{"device", "software", "gpio1", "gpio2"}

func (m TriggerMode) String() string {
	switch m {
	case TriggerDevice:
		return "Device"
	case TriggerSoftware:
		return "Software"
	case TriggerGPIO1:
		return "GPIO1"
	case TriggerGPIO2:
		return "GPIO2"
	default:
		return unsupportedName
	}
}

// IsHardware は外部ハードウェアトリガーかを返す
func (m TriggerMode) IsHardware() bool {
	return m == TriggerGPIO1 || m == TriggerGPIO2
}

func (m TriggerMode) MarshalText() ([]byte, error) { return marshalKey(triggerModeKeys[:], int(m), m) }

func (m *TriggerMode) UnmarshalText(text []byte) error {
	v, err := ParseTriggerMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseTriggerMode はキーまたは表示名から TriggerMode を得る
func ParseTriggerMode(s string) (TriggerMode, error) {
	for m := TriggerMode(0); m < triggerModeCount; m++ {
		if matchName(s, triggerModeKeys[m], m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("不明なトリガーモード: %q", s)
}

// TriggerSignalType は外部トリガー信号のどの状態をトリガーとみなすか
type TriggerSignalType uint8

const (
	SignalDefault TriggerSignalType = iota
	SignalRisingEdge
	SignalFallingEdge
	SignalWhilstHigh
	SignalWhilstLow

	triggerSignalCount
)

var triggerSignalKeys = [...]string{"default", "rising_edge", "falling_edge", "whilst_high", "whilst_low"}

func (t TriggerSignalType) String() string {
	switch t {
	case SignalDefault:
		return "Default"
	case SignalRisingEdge:
		return "Rising edge"
	case SignalFallingEdge:
		return "Falling edge"
	case SignalWhilstHigh:
		return "Whilst high"
	case SignalWhilstLow:
		return "Whilst low"
	default:
		return unsupportedName
	}
}

func (t TriggerSignalType) MarshalText() ([]byte, error) {
	return marshalKey(triggerSignalKeys[:], int(t), t)
}

func (t *TriggerSignalType) UnmarshalText(text []byte) error {
	v, err := ParseTriggerSignal(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTriggerSignal はキーまたは表示名から TriggerSignalType を得る。空文字は Default
func ParseTriggerSignal(s string) (TriggerSignalType, error) {
	if s == "" {
		return SignalDefault, nil
	}
	for t := TriggerSignalType(0); t < triggerSignalCount; t++ {
		if matchName(s, triggerSignalKeys[t], t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("不明なトリガー信号: %q", s)
}

// TriggerSignalSet は TriggerSignalType のビット集合
type TriggerSignalSet uint8

func NewTriggerSignalSet(signals ...TriggerSignalType) TriggerSignalSet {
	var s TriggerSignalSet
	for _, t := range signals {
		if t < triggerSignalCount {
			s |= 1 << t
		}
	}
	return s
}

func (s TriggerSignalSet) Has(t TriggerSignalType) bool {
	return t < triggerSignalCount && s&(1<<t) != 0
}

func (s TriggerSignalSet) List() []TriggerSignalType {
	out := make([]TriggerSignalType, 0, triggerSignalCount)
	for t := TriggerSignalType(0); t < triggerSignalCount; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// TriggerSettings はトリガーモードと信号種別の組
type TriggerSettings struct {
	Mode   TriggerMode       `json:"mode" yaml:"mode"`
	Signal TriggerSignalType `json:"signal" yaml:"signal"`
}

func (t TriggerSettings) String() string {
	return fmt.Sprintf("%s (%s)", t.Mode, t.Signal)
}

// GPOMode は汎用出力ピンの動作モード
type GPOMode uint8

const (
	GPOOn GPOMode = iota
	GPOOff
	GPOHighWhilstExposure
	GPOHighWhilstFrameActive
	GPOLowWhilstExposure
	GPOLowWhilstFrameActive

	gpoModeCount
)

var gpoModeKeys = [...]string{
	"on", "off", "high_whilst_exposure", "high_whilst_frame_active",
	"low_whilst_exposure", "low_whilst_frame_active",
}

func (g GPOMode) String() string {
	switch g {
	case GPOOn:
		return "On"
	case GPOOff:
		return "Off"
	case GPOHighWhilstExposure:
		return "High whilst exposure"
	case GPOHighWhilstFrameActive:
		return "High whilst frame active"
	case GPOLowWhilstExposure:
		return "Low whilst exposure"
	case GPOLowWhilstFrameActive:
		return "Low whilst frame active"
	default:
		return unsupportedName
	}
}

func (g GPOMode) MarshalText() ([]byte, error) { return marshalKey(gpoModeKeys[:], int(g), g) }

func (g *GPOMode) UnmarshalText(text []byte) error {
	v, err := ParseGPOMode(string(text))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// ParseGPOMode はキーまたは表示名から GPOMode を得る
func ParseGPOMode(s string) (GPOMode, error) {
	for g := GPOMode(0); g < gpoModeCount; g++ {
		if matchName(s, gpoModeKeys[g], g.String()) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("不明なGPOモード: %q", s)
}

// GPOModeSet は GPOMode のビット集合
type GPOModeSet uint8

func NewGPOModeSet(modes ...GPOMode) GPOModeSet {
	var s GPOModeSet
	for _, g := range modes {
		if g < gpoModeCount {
			s |= 1 << g
		}
	}
	return s
}

func (s GPOModeSet) Has(g GPOMode) bool {
	return g < gpoModeCount && s&(1<<g) != 0
}

func (s GPOModeSet) List() []GPOMode {
	out := make([]GPOMode, 0, gpoModeCount)
	for g := GPOMode(0); g < gpoModeCount; g++ {
		if s.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo は検出されたカメラデバイスの情報を表す
type DeviceInfo struct {
	Device      string       `json:"device"`
	Name        string       `json:"name"`
	Driver      string       `json:"driver"`
	Backend     Backend      `json:"backend"`
	Resolutions []Resolution `json:"resolutions"`
	Formats     []string     `json:"formats"`
	PixelModes  []PixelMode  `json:"pixel_modes"`
}

func marshalKey(keys []string, i int, v fmt.Stringer) ([]byte, error) {
	if i < 0 || i >= len(keys) {
		return nil, fmt.Errorf("列挙値が範囲外です: %s(%d)", v, i)
	}
	return []byte(keys[i]), nil
}

func matchName(s, key, display string) bool {
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, key) || strings.EqualFold(s, display)
}
