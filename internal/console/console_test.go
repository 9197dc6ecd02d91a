package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvision/internal/camera"
)

func newTestConsole(t *testing.T) (*Console, *camera.Manager, *bytes.Buffer) {
	t.Helper()
	m := camera.NewManager(camera.NewDriverFactory(), nil, nil)
	noGen := camera.DriverConfig{Properties: map[string]string{"generate": "false"}}
	_, err := m.AddDevice(camera.DeviceOptions{ID: "cam0", Name: "Left", Driver: noGen,
		Open: camera.OpenConfig{Width: 320, Height: 240}})
	require.NoError(t, err)
	_, err = m.AddDevice(camera.DeviceOptions{ID: "cam1", Name: "Right", Driver: noGen})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	var out bytes.Buffer
	return New(m, &out), m, &out
}

func TestConsole_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c, m, out := newTestConsole(t)
	assert.Equal(t, "cam0", c.Current())

	require.NoError(t, c.Execute(ctx, "open"))
	d, err := m.Device("cam0")
	require.NoError(t, err)
	assert.Equal(t, camera.StateWaiting, d.State())
	spec, err := d.Specification()
	require.NoError(t, err)
	assert.Equal(t, 320, spec.Width, "設定ファイルのオープン設定を使う")

	require.NoError(t, c.Execute(ctx, "start"))
	assert.Equal(t, camera.StateRunning, d.State())
	require.NoError(t, c.Execute(ctx, "stop"))
	require.NoError(t, c.Execute(ctx, "close"))
	assert.Equal(t, camera.StateClosed, d.State())
	assert.Contains(t, out.String(), "cam0: Closed")
}

func TestConsole_OpenGeometry(t *testing.T) {
	ctx := context.Background()
	c, m, _ := newTestConsole(t)

	require.NoError(t, c.Execute(ctx, "use cam1"))
	require.NoError(t, c.Execute(ctx, "open 160x120@15 rgb8"))

	d, err := m.Device("cam1")
	require.NoError(t, err)
	spec, err := d.Specification()
	require.NoError(t, err)
	assert.Equal(t, 160, spec.Width)
	assert.Equal(t, 120, spec.Height)
	assert.Equal(t, 15.0, spec.FrameRate)
	assert.Equal(t, camera.PixelRGB8, spec.PixelMode)
}

func TestConsole_Controls(t *testing.T) {
	ctx := context.Background()
	c, m, out := newTestConsole(t)
	require.NoError(t, c.Execute(ctx, "open"))

	require.NoError(t, c.Execute(ctx, "exposure 5000"))
	require.NoError(t, c.Execute(ctx, "gain 40"))
	require.NoError(t, c.Execute(ctx, "focus 10"))
	require.NoError(t, c.Execute(ctx, "sharpness 20"))

	d, _ := m.Device("cam0")
	controls := d.Controls()
	assert.Equal(t, camera.Microseconds(5000), controls.Exposure)
	assert.Equal(t, 40.0, controls.Gain)

	assert.ErrorIs(t, c.Execute(ctx, "gain 140"), camera.ErrInvalidValue)
	assert.Error(t, c.Execute(ctx, "gain"))
	assert.Error(t, c.Execute(ctx, "exposure -1"))

	require.NoError(t, c.Execute(ctx, "start"))
	require.NoError(t, c.Execute(ctx, "trigger software"))
	require.NoError(t, c.Execute(ctx, "fire"))
	require.NoError(t, c.Execute(ctx, "trigger gpio1 rising_edge"))
	assert.Equal(t, camera.TriggerSettings{Mode: camera.TriggerGPIO1, Signal: camera.SignalRisingEdge}, d.TriggerSettings())
	assert.ErrorIs(t, c.Execute(ctx, "fire"), camera.ErrUnsupportedFeature, "ソフトウェアトリガーモードでなければ発行できない")

	require.NoError(t, c.Execute(ctx, "gpo off"))
	mode, ok := d.GPOMode()
	assert.True(t, ok)
	assert.Equal(t, camera.GPOOff, mode)

	require.NoError(t, c.Execute(ctx, "spec"))
	assert.Contains(t, out.String(), "Mock Camera")
}

func TestConsole_Frame(t *testing.T) {
	ctx := context.Background()
	c, m, out := newTestConsole(t)
	require.NoError(t, c.Execute(ctx, "open 4x2 l8"))
	require.NoError(t, c.Execute(ctx, "start"))

	assert.ErrorIs(t, c.Execute(ctx, "frame"), camera.ErrNoFrame)

	d, _ := m.Device("cam0")
	driver := d.Driver().(*camera.MockDriver)
	driver.Emit(make([]byte, 8))

	require.NoError(t, c.Execute(ctx, "frame"))
	assert.Contains(t, out.String(), "#0 ")
	require.NoError(t, c.Execute(ctx, "reset"))
	require.NoError(t, c.Execute(ctx, "stats"))
	assert.Contains(t, out.String(), "delivered=1")
}

func TestConsole_Errors(t *testing.T) {
	ctx := context.Background()
	c, _, out := newTestConsole(t)

	assert.NoError(t, c.Execute(ctx, "   "))
	assert.ErrorIs(t, c.Execute(ctx, "exit"), ErrExit)
	assert.Error(t, c.Execute(ctx, "teleport"))
	assert.ErrorIs(t, c.Execute(ctx, "use nope"), camera.ErrDeviceNotFound)
	assert.ErrorIs(t, c.Execute(ctx, "start"), camera.ErrState, "オープン前は開始できない")
	assert.Error(t, c.Execute(ctx, "open 640by480"))

	require.NoError(t, c.Execute(ctx, "devices"))
	assert.Contains(t, out.String(), "* cam0")
	require.NoError(t, c.Execute(ctx, "help"))
	assert.Contains(t, out.String(), "コマンド:")
}

func TestConsole_NoDevices(t *testing.T) {
	var out bytes.Buffer
	c := New(camera.NewManager(camera.NewDriverFactory(), nil, nil), &out)
	assert.Error(t, c.Execute(context.Background(), "state"))
	require.NoError(t, c.Execute(context.Background(), "devices"))
	assert.Contains(t, out.String(), "デバイスがありません")
}

func TestParseGeometry(t *testing.T) {
	var cfg camera.OpenConfig
	require.NoError(t, parseGeometry("@12.5", &cfg))
	assert.Equal(t, 12.5, cfg.FrameRate)
	assert.Zero(t, cfg.Width)

	require.NoError(t, parseGeometry("800x600", &cfg))
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 600, cfg.Height)

	assert.Error(t, parseGeometry("0x600", &cfg))
	assert.Error(t, parseGeometry("800x600@fast", &cfg))
}
