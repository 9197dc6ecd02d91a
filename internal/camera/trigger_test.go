package camera

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrigger(t *testing.T) (*TriggerController, *MockDriver) {
	t.Helper()
	driver := NewMockDriver(DefaultMockSpecification())
	return NewTriggerController(NewCapabilities(DefaultMockSpecification()), driver, nil), driver
}

// controlOnlyDriver はトリガーにもGPOにも対応しないドライバー
type controlOnlyDriver struct {
	Driver
}

func TestTriggerController_DefaultSettings(t *testing.T) {
	tc, _ := newTestTrigger(t)
	assert.Equal(t, TriggerSettings{Mode: TriggerDevice, Signal: SignalDefault}, tc.Settings())
	_, ok := tc.GPOMode()
	assert.False(t, ok)
}

func TestTriggerController_NormalizesSoftwareSignal(t *testing.T) {
	tc, driver := newTestTrigger(t)

	got, err := tc.Configure(context.Background(), TriggerSoftware, SignalRisingEdge)
	require.NoError(t, err)
	assert.Equal(t, TriggerSettings{Mode: TriggerSoftware, Signal: SignalDefault}, got)
	assert.Equal(t, got, tc.Settings())
	assert.Equal(t, got, driver.Trigger())
}

func TestTriggerController_GPIOSignals(t *testing.T) {
	tc, _ := newTestTrigger(t)
	ctx := context.Background()

	got, err := tc.Configure(ctx, TriggerGPIO1, SignalFallingEdge)
	require.NoError(t, err)
	assert.Equal(t, SignalFallingEdge, got.Signal)

	_, err = tc.Configure(ctx, TriggerGPIO1, SignalWhilstHigh)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	_, err = tc.Configure(ctx, TriggerGPIO2, SignalDefault)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	assert.Equal(t, TriggerSettings{Mode: TriggerGPIO1, Signal: SignalFallingEdge}, tc.Settings(),
		"失敗した設定は反映されない")
}

func TestTriggerController_RequiresTriggeringFeature(t *testing.T) {
	spec := DefaultMockSpecification()
	spec.Features = NewFeatureSet(FeatureFreeRun)
	tc := NewTriggerController(NewCapabilities(spec), NewMockDriver(spec), nil)

	_, err := tc.Configure(context.Background(), TriggerSoftware, SignalDefault)
	var uf *UnsupportedFeatureError
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, FeatureTriggering, uf.Feature)

	err = tc.ConfigureGPO(context.Background(), GPOOn)
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, FeatureGPO, uf.Feature)
}

func TestTriggerController_DriverWithoutTriggerSupport(t *testing.T) {
	tc := NewTriggerController(NewCapabilities(DefaultMockSpecification()),
		controlOnlyDriver{Driver: NewMockDriver(DefaultMockSpecification())}, nil)

	_, err := tc.Configure(context.Background(), TriggerSoftware, SignalDefault)
	assert.ErrorIs(t, err, ErrDriver)
	assert.ErrorIs(t, tc.ConfigureGPO(context.Background(), GPOOn), ErrDriver)
}

func TestTriggerController_DriverFailureIsWrapped(t *testing.T) {
	tc, driver := newTestTrigger(t)
	boom := errors.New("boom")
	driver.SetControlError(boom)

	_, err := tc.Configure(context.Background(), TriggerSoftware, SignalDefault)
	assert.ErrorIs(t, err, ErrDriver)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TriggerDevice, tc.Settings().Mode)
}

func TestTriggerController_GPO(t *testing.T) {
	tc, _ := newTestTrigger(t)
	ctx := context.Background()

	require.NoError(t, tc.ConfigureGPO(ctx, GPOHighWhilstExposure))
	mode, ok := tc.GPOMode()
	assert.True(t, ok)
	assert.Equal(t, GPOHighWhilstExposure, mode)

	assert.ErrorIs(t, tc.ConfigureGPO(ctx, GPOLowWhilstFrameActive), ErrUnsupportedFeature)
}

func TestTriggerController_Fire(t *testing.T) {
	tc, driver := newTestTrigger(t)
	ctx := context.Background()

	assert.ErrorIs(t, tc.Fire(ctx), ErrUnsupportedFeature, "Device モードでは発行できない")

	_, err := tc.Configure(ctx, TriggerSoftware, SignalDefault)
	require.NoError(t, err)
	require.NoError(t, tc.Fire(ctx))
	assert.Equal(t, 1, driver.Fired())
}
