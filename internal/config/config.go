package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mvision/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Devices  []DeviceConfig `yaml:"devices"`
	Recorder RecorderConfig `yaml:"recorder"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト (0 でストリーミング向けに無効)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間

	PollInterval time.Duration `yaml:"poll_interval"` // ストリーミング配信のポーリング間隔

	// mDNS での告知
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TriggerConfig はトリガーの初期設定
type TriggerConfig struct {
	Mode   string `yaml:"mode"`
	Signal string `yaml:"signal"`
}

// DeviceConfig は個別カメラの設定
type DeviceConfig struct {
	ID      string `yaml:"id"`      // カメラID (空なら自動採番)
	Name    string `yaml:"name"`    // 表示名
	Backend string `yaml:"backend"` // mock, v4l2, x11, gstreamer, opencv
	Device  string `yaml:"device"`  // デバイスパスやディスプレイ名 (例: /dev/video0, :0)
	Index   int    `yaml:"index"`   // デバイス番号

	// 要求するキャプチャ設定 (0 や空はバックエンドの既定値)
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FPS       float64 `yaml:"fps"`
	PixelMode string  `yaml:"pixel_mode"`
	AutoStart bool    `yaml:"auto_start"`

	// オープン後に適用する初期値
	ExposureUS *uint64        `yaml:"exposure_us"`
	Gain       *float64       `yaml:"gain"`
	Focus      *float64       `yaml:"focus"`
	Sharpness  *float64       `yaml:"sharpness"`
	Trigger    *TriggerConfig `yaml:"trigger"`
	GPO        string         `yaml:"gpo"`

	Properties map[string]string `yaml:"properties"` // バックエンド固有の設定
}

// RecorderConfig は定期スナップショットの設定
type RecorderConfig struct {
	Enabled   bool          `yaml:"enabled"`
	OutputDir string        `yaml:"output_dir"`
	Interval  time.Duration `yaml:"interval"`
	Format    string        `yaml:"format"`  // png, jpeg
	Quality   int           `yaml:"quality"` // JPEG品質 (1-100)
}

// MQTTConfig はデバイスイベントの配信設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // 例: tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Default はデフォルト設定を返す。モックカメラ1台を自動開始する
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
			PollInterval:    10 * time.Millisecond,
			Instance:        "mvision",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Devices: []DeviceConfig{
			{
				ID:        "mock0",
				Name:      "Mock Camera",
				Backend:   string(camera.BackendMock),
				Width:     640,
				Height:    480,
				FPS:       15,
				PixelMode: "rgb8",
				AutoStart: true,
			},
		},
		Recorder: RecorderConfig{
			OutputDir: "recordings",
			Interval:  2 * time.Second,
			Format:    "jpeg",
			Quality:   85,
		},
		MQTT: MQTTConfig{
			ClientID:    "mvision",
			TopicPrefix: "mvision",
		},
	}
}

// Load は MVISION_CONFIG で指定されたファイル（無ければデフォルト設定）を読み込み、
// 環境変数で上書きしてから検証する
func Load() (*Config, error) {
	return LoadFile(os.Getenv("MVISION_CONFIG"))
}

// LoadFile は path のYAMLをデフォルト設定の上に読み込む。path が空ならデフォルト設定を使う
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// Parse はYAMLを cfg に上書きで読み込む。devices が書かれていればデフォルトのデバイスは置き換える
func Parse(data []byte, cfg *Config) error {
	var probe struct {
		Devices *[]DeviceConfig `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	if probe.Devices != nil {
		cfg.Devices = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Log.Level = getEnvOrDefault("MVISION_LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する。問題は全てまとめて返す
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("不明なログ形式: %q", c.Log.Format))
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.ID != "" {
			if seen[d.ID] {
				errs = append(errs, fmt.Errorf("devices[%d]: IDが重複しています: %s", i, d.ID))
			}
			seen[d.ID] = true
		}
		if _, err := d.Options(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
	}

	if c.Recorder.Enabled {
		if c.Recorder.OutputDir == "" {
			errs = append(errs, errors.New("recorder: 出力ディレクトリが設定されていません"))
		}
		if c.Recorder.Interval <= 0 {
			errs = append(errs, fmt.Errorf("recorder: 無効な撮影間隔: %s", c.Recorder.Interval))
		}
		switch c.Recorder.Format {
		case "png", "jpeg", "jpg":
		default:
			errs = append(errs, fmt.Errorf("recorder: 不明な画像形式: %q", c.Recorder.Format))
		}
		if c.Recorder.Quality < 1 || c.Recorder.Quality > 100 {
			errs = append(errs, fmt.Errorf("recorder: 無効なJPEG品質: %d", c.Recorder.Quality))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt: ブローカーが設定されていません"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt: 無効なQoS: %d", c.MQTT.QoS))
		}
	}

	return errors.Join(errs...)
}

// Options はデバイス設定をマネージャーの追加設定に変換する
func (d DeviceConfig) Options() (camera.DeviceOptions, error) {
	backend := camera.BackendMock
	if d.Backend != "" {
		b, err := camera.ParseBackend(d.Backend)
		if err != nil {
			return camera.DeviceOptions{}, err
		}
		backend = b
	}
	pixelMode, err := camera.ParsePixelMode(d.PixelMode)
	if err != nil {
		return camera.DeviceOptions{}, err
	}
	if d.Width < 0 || d.Height < 0 || d.FPS < 0 {
		return camera.DeviceOptions{}, fmt.Errorf("無効なキャプチャ設定: %dx%d@%g", d.Width, d.Height, d.FPS)
	}

	opts := camera.DeviceOptions{
		ID:      d.ID,
		Name:    d.Name,
		Backend: backend,
		Driver: camera.DriverConfig{
			Device:     d.Device,
			Index:      d.Index,
			Properties: d.Properties,
		},
		Open: camera.OpenConfig{
			DeviceIndex: d.Index,
			Width:       d.Width,
			Height:      d.Height,
			FrameRate:   d.FPS,
			PixelMode:   pixelMode,
		},
		AutoStart: d.AutoStart,
		Gain:      d.Gain,
		Focus:     d.Focus,
		Sharpness: d.Sharpness,
	}

	for name, v := range map[string]*float64{"gain": d.Gain, "focus": d.Focus, "sharpness": d.Sharpness} {
		if v != nil && (*v < 0 || *v > 100) {
			return camera.DeviceOptions{}, fmt.Errorf("%s は 0〜100 で指定してください: %g", name, *v)
		}
	}
	if d.ExposureUS != nil {
		exposure := camera.Microseconds(*d.ExposureUS)
		opts.Exposure = &exposure
	}
	if d.Trigger != nil {
		mode, err := camera.ParseTriggerMode(d.Trigger.Mode)
		if err != nil {
			return camera.DeviceOptions{}, err
		}
		signal, err := camera.ParseTriggerSignal(d.Trigger.Signal)
		if err != nil {
			return camera.DeviceOptions{}, err
		}
		opts.Trigger = &camera.TriggerSettings{Mode: mode, Signal: signal}
	}
	if d.GPO != "" {
		gpo, err := camera.ParseGPOMode(d.GPO)
		if err != nil {
			return camera.DeviceOptions{}, err
		}
		opts.GPO = &gpo
	}
	return opts, nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
