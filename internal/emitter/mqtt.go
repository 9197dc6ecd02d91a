// Package emitter はデバイスイベントをMQTTブローカーへ配信する
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mvision/internal/camera"
	"mvision/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNotConnected はブローカーに接続していないときの配信エラー
var ErrNotConnected = errors.New("mqtt: 接続していません")

// MQTTEmitter はデバイスイベントを <prefix>/<device_id>/events に配信する
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	client mqtt.Client

	// テストで差し替える
	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[string]uint64 // トピックごとの配信数
	errors    uint64
}

// Stats は配信の統計
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTEmitter は新しい MQTTEmitter を作成する
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
	}
}

// Connect はブローカーに接続する。切断後は自動で再接続する
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt: 接続しました", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt: 接続が切れました。再接続します", "broker", e.cfg.Broker, "error", err)
	}

	e.client = e.newClient(opts)
	e.logger.Info("mqtt: ブローカーに接続します", "broker", e.cfg.Broker)

	if err := wait(ctx, e.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("mqtt: 接続に失敗: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Topic は deviceID のイベントを配信するトピックを返す
func (e *MQTTEmitter) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s/events", e.cfg.TopicPrefix, deviceID)
}

// Publish はイベントをJSONで配信する
func (e *MQTTEmitter) Publish(ctx context.Context, ev camera.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("mqtt: イベントの変換に失敗: %w", err)
	}

	topic := e.Topic(ev.DeviceID)
	if err := wait(ctx, e.client.Publish(topic, e.cfg.QoS, false, payload), publishTimeout); err != nil {
		e.countError()
		return fmt.Errorf("mqtt: 配信に失敗: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("mqtt: イベントを配信しました", "topic", topic, "type", ev.Type, "qos", e.cfg.QoS)
	return nil
}

// Handler はマネージャーに登録するイベントハンドラーを返す
func (e *MQTTEmitter) Handler() camera.EventHandler {
	return func(ev camera.Event) {
		if err := e.Publish(context.Background(), ev); err != nil {
			e.logger.Warn("mqtt: イベントを配信できません", "device_id", ev.DeviceID, "type", ev.Type, "error", err)
		}
	}
}

// Disconnect は接続を閉じる
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt: 切断しました")
	}
	e.setConnected(false)
}

// Stats は統計のスナップショットを返す
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// wait はトークンの完了をタイムアウトかキャンセルまで待つ
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("タイムアウトしました")
	case <-ctx.Done():
		return ctx.Err()
	}
}
