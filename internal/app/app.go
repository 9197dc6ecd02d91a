// Package app は設定からデバイスマネージャーと周辺機能を組み立てて起動する
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"mvision/internal/camera"
	"mvision/internal/config"
	"mvision/internal/console"
	"mvision/internal/emitter"
	"mvision/internal/recorder"
	"mvision/internal/server"
)

// App は起動に必要な部品をまとめたもの
type App struct {
	Config   *config.Config
	Manager  *camera.Manager
	Recorder *recorder.Recorder
	Emitter  *emitter.MQTTEmitter
	Server   *server.Server

	logger *slog.Logger
}

// Option は App の組み立てを変更する
type Option func(*options)

type options struct {
	factory   camera.DriverFactory
	discovery camera.Discovery
}

// WithDriverFactory はドライバーファクトリーを差し替える
func WithDriverFactory(f camera.DriverFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithDiscovery はデバイス探索を差し替える
func WithDiscovery(d camera.Discovery) Option {
	return func(o *options) { o.discovery = d }
}

// New は設定に従って部品を作成し、デバイスを登録する。デバイスはまだオープンしない
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{
		factory:   camera.NewDriverFactory(),
		discovery: camera.NewLinuxDiscovery(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	manager := camera.NewManager(o.factory, o.discovery, logger)
	for _, dc := range cfg.Devices {
		devOpts, err := dc.Options()
		if err != nil {
			return nil, fmt.Errorf("デバイス %s の設定が不正です: %w", dc.ID, err)
		}
		if _, err := manager.AddDevice(devOpts); err != nil {
			return nil, err
		}
	}

	a := &App{Config: cfg, Manager: manager, logger: logger}
	serverOpts := []server.Option{server.WithLogger(logger)}

	if cfg.Recorder.Enabled {
		format, err := recorder.ParseFormat(cfg.Recorder.Format)
		if err != nil {
			return nil, err
		}
		a.Recorder = recorder.New(recorder.Config{
			OutputDir: cfg.Recorder.OutputDir,
			Interval:  cfg.Recorder.Interval,
			Format:    format,
			Quality:   cfg.Recorder.Quality,
		}, a.sources, logger)
		serverOpts = append(serverOpts, server.WithRecorder(a.Recorder))
	}

	if cfg.MQTT.Enabled {
		a.Emitter = emitter.NewMQTTEmitter(cfg.MQTT, logger)
		manager.OnEvent(a.Emitter.Handler())
		serverOpts = append(serverOpts, server.WithEmitter(a.Emitter))
	}

	a.Server = server.New(cfg, manager, serverOpts...)
	return a, nil
}

// sources はレコーダーに渡す現在のデバイス一覧
func (a *App) sources() []recorder.Source {
	devices := a.Manager.Devices()
	out := make([]recorder.Source, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	return out
}

// Run はサーバーを起動し、ctx のキャンセルまで待つ。
// interactive のときは標準入力のコンソールも起動し、exit で全体を終了する
func (a *App) Run(ctx context.Context, interactive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Emitter != nil {
		if err := a.Emitter.Connect(ctx); err != nil {
			// ブローカーが無くてもカメラは使えるので続行する
			a.logger.Warn("mqtt: 接続できないままで起動します", "broker", a.Config.MQTT.Broker, "error", err)
		}
		defer a.Emitter.Disconnect()
	}

	if interactive {
		c := console.New(a.Manager, os.Stdout)
		go func() {
			if err := c.Run(ctx, cancel); err != nil {
				a.logger.Error("console: 終了しました", "error", err)
				cancel()
			}
		}()
	}

	a.logger.Info("app: 起動します",
		"addr", a.Config.ServerAddress(),
		"devices", len(a.Manager.Devices()),
		"recorder", a.Recorder != nil,
		"mqtt", a.Emitter != nil,
	)
	return a.Server.Start(ctx)
}
