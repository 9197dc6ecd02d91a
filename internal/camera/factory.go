package camera

import (
	"fmt"
	"sort"
)

// Backend はドライバーの種類
type Backend string

const (
	BackendMock      Backend = "mock"      // テストパターン
	BackendV4L2      Backend = "v4l2"      // ffmpeg + v4l2-ctl 経由のUVCカメラ
	BackendX11       Backend = "x11"       // X11 画面キャプチャ
	BackendGStreamer Backend = "gstreamer" // GStreamer v4l2src 経由のUVCカメラ（gstreamer タグ）
	BackendOpenCV    Backend = "opencv"    // OpenCV VideoCapture 経由のUVCカメラ（opencv タグ）
)

// KnownBackends は設定で指定できる全バックエンド
var KnownBackends = []Backend{BackendMock, BackendV4L2, BackendX11, BackendGStreamer, BackendOpenCV}

// DriverConfig はドライバー作成設定
type DriverConfig struct {
	Device     string            // デバイスパス、ディスプレイ名など
	Index      int               // デバイス番号
	Properties map[string]string // バックエンド固有の追加設定
}

// DriverCreator はドライバー作成関数の型
type DriverCreator func(cfg DriverConfig) (Driver, error)

// DriverFactory はバックエンド名からドライバーを作成する
type DriverFactory interface {
	Create(backend Backend, cfg DriverConfig) (Driver, error)
	Backends() []Backend
}

// ビルドタグ付きのバックエンドが init で登録する
var taggedCreators = map[Backend]DriverCreator{}

func registerBackend(backend Backend, creator DriverCreator) {
	taggedCreators[backend] = creator
}

// DefaultDriverFactory は標準実装
type DefaultDriverFactory struct {
	creators map[Backend]DriverCreator
}

// NewDriverFactory は組み込みバックエンドを登録したファクトリーを作成する
func NewDriverFactory() *DefaultDriverFactory {
	f := &DefaultDriverFactory{
		creators: make(map[Backend]DriverCreator),
	}

	f.Register(BackendMock, newMockDriverFromConfig)
	f.Register(BackendV4L2, NewV4L2DriverFromConfig)
	f.Register(BackendX11, NewX11DriverFromConfig)

	for backend, creator := range taggedCreators {
		f.Register(backend, creator)
	}
	return f
}

// Register はドライバー作成関数を登録する
func (f *DefaultDriverFactory) Register(backend Backend, creator DriverCreator) {
	f.creators[backend] = creator
}

// Create はドライバーを作成する
func (f *DefaultDriverFactory) Create(backend Backend, cfg DriverConfig) (Driver, error) {
	creator, exists := f.creators[backend]
	if !exists {
		return nil, fmt.Errorf("このビルドでは利用できないバックエンド: %s", backend)
	}
	return creator(cfg)
}

// Backends は利用可能なバックエンドを名前順で返す
func (f *DefaultDriverFactory) Backends() []Backend {
	backends := make([]Backend, 0, len(f.creators))
	for b := range f.creators {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

// ParseBackend はバックエンド名を検証する
func ParseBackend(s string) (Backend, error) {
	for _, b := range KnownBackends {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("不明なバックエンド: %q", s)
}

func newMockDriverFromConfig(cfg DriverConfig) (Driver, error) {
	spec := DefaultMockSpecification()
	if cfg.Device != "" {
		spec.Name = fmt.Sprintf("Mock Camera (%s)", cfg.Device)
	}
	d := NewMockDriver(spec)
	d.EnableGenerator(cfg.Properties["generate"] != "false")
	return d, nil
}
