package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvision/internal/camera"
	"mvision/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Advertise = false
	cfg.Devices = []config.DeviceConfig{
		{ID: "a", Backend: "mock", Width: 32, Height: 16, PixelMode: "l8", AutoStart: true,
			Properties: map[string]string{"generate": "false"}},
		{ID: "b", Backend: "mock", Properties: map[string]string{"generate": "false"}},
	}
	cfg.Recorder.OutputDir = t.TempDir()
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recorder.Enabled = true

	a, err := New(cfg, nil, WithDiscovery(camera.NewMockDiscovery(nil)))
	require.NoError(t, err)
	require.NotNil(t, a.Server)
	require.NotNil(t, a.Recorder)
	assert.Nil(t, a.Emitter)

	devices := a.Manager.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID())
	assert.Equal(t, camera.StateEmpty, devices[0].State())
	assert.Len(t, a.sources(), 2)
}

func TestNewInvalidDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Devices = append(cfg.Devices, config.DeviceConfig{ID: "c", Backend: "firewire"})
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Devices = append(cfg.Devices, config.DeviceConfig{ID: "a", Backend: "mock"})
	_, err = New(cfg, nil)
	assert.Error(t, err, "IDの重複")

	cfg = testConfig(t)
	cfg.Recorder.Enabled = true
	cfg.Recorder.Format = "gif"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	a, err := New(testConfig(t), nil, WithDiscovery(camera.NewMockDiscovery(nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx, false) }()

	require.Eventually(t, func() bool { return a.Server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.Server.Addr().String() + "/api/devices/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	d, err := a.Manager.Device("a")
	require.NoError(t, err)
	assert.Equal(t, camera.StateRunning, d.State(), "自動起動")
	spec, err := d.Specification()
	require.NoError(t, err)
	assert.Equal(t, 32, spec.Width)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("停止がタイムアウトしました")
	}
}
