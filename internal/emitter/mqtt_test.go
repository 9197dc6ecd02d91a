package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvision/internal/camera"
	"mvision/internal/config"
)

// fakeToken はすぐに完了するトークン
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient は使うメソッドだけを実装する
type fakeClient struct {
	mqtt.Client

	opts       *mqtt.ClientOptions
	connectErr error
	publishErr error
	hang       bool

	mu        sync.Mutex
	messages  []published
	connected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = c.connectErr == nil
	c.mu.Unlock()
	return newFakeToken(c.connectErr, true)
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.hang {
		return newFakeToken(nil, false)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return newFakeToken(c.publishErr, true)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func newTestEmitter(t *testing.T, client *fakeClient) *MQTTEmitter {
	t.Helper()
	e := NewMQTTEmitter(config.MQTTConfig{
		Broker:      "tcp://broker:1883",
		ClientID:    "mvision-test",
		TopicPrefix: "lab",
		QoS:         1,
	}, nil)
	e.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}
	return e
}

func TestMQTTEmitter_Publish(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	e := newTestEmitter(t, client)

	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, "mvision-test", client.opts.ClientID)
	assert.True(t, client.opts.AutoReconnect)
	require.Len(t, client.opts.Servers, 1)
	assert.Equal(t, "broker:1883", client.opts.Servers[0].Host)

	ev := camera.Event{Type: camera.EventStarted, DeviceID: "cam0", State: camera.StateRunning, Time: time.Unix(0, 0).UTC()}
	require.NoError(t, e.Publish(ctx, ev))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "lab/cam0/events", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "started", decoded["type"])
	assert.Equal(t, "running", decoded["state"])

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published["lab/cam0/events"])
	assert.Zero(t, stats.Errors)

	e.Disconnect()
	assert.False(t, e.Stats().Connected)
	assert.False(t, client.IsConnected())
}

func TestMQTTEmitter_NotConnected(t *testing.T) {
	e := newTestEmitter(t, &fakeClient{})
	err := e.Publish(context.Background(), camera.Event{DeviceID: "cam0"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestMQTTEmitter_ConnectFailure(t *testing.T) {
	e := newTestEmitter(t, &fakeClient{connectErr: errors.New("refused")})
	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.False(t, e.Stats().Connected)
}

func TestMQTTEmitter_PublishFailure(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{publishErr: errors.New("quota")}
	e := newTestEmitter(t, client)
	require.NoError(t, e.Connect(ctx))

	assert.Error(t, e.Publish(ctx, camera.Event{DeviceID: "cam0"}))
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestMQTTEmitter_PublishCancelled(t *testing.T) {
	client := &fakeClient{hang: true}
	e := newTestEmitter(t, client)
	require.NoError(t, e.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Publish(ctx, camera.Event{DeviceID: "cam0"}), context.Canceled)
}

func TestMQTTEmitter_HandlerWithManager(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	e := newTestEmitter(t, client)
	require.NoError(t, e.Connect(ctx))

	m := camera.NewManager(camera.NewDriverFactory(), nil, nil)
	m.OnEvent(e.Handler())
	d, err := m.AddDevice(camera.DeviceOptions{ID: "cam1", Driver: camera.DriverConfig{Properties: map[string]string{"generate": "false"}}})
	require.NoError(t, err)
	require.NoError(t, d.Open(ctx, camera.OpenConfig{}))
	require.NoError(t, m.Stop(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.messages, 2)
	assert.Equal(t, "lab/cam1/events", client.messages[0].topic)
	assert.Contains(t, string(client.messages[0].payload), `"opened"`)
	assert.Contains(t, string(client.messages[1].payload), `"destroyed"`)
}
