package camera

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceState(t *testing.T) {
	for _, st := range []DeviceState{StateEmpty, StateClosed, StateWaiting, StateRunning, StateDeleting} {
		key, err := st.MarshalText()
		require.NoError(t, err)
		got, err := ParseDeviceState(string(key))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	got, err := ParseDeviceState("Running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got)

	_, err = ParseDeviceState("paused")
	assert.Error(t, err)
}

func TestDeviceState_Predicates(t *testing.T) {
	tests := []struct {
		state   DeviceState
		exists  bool
		open    bool
		running bool
	}{
		{StateEmpty, false, false, false},
		{StateClosed, true, false, false},
		{StateWaiting, true, true, false},
		{StateRunning, true, true, true},
		{StateDeleting, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.exists, tt.state.Exists())
			assert.Equal(t, tt.open, tt.state.IsOpen())
			assert.Equal(t, tt.running, tt.state.IsRunning())
		})
	}
}

func TestFeature_Names(t *testing.T) {
	assert.Equal(t, "Pixel clock", FeaturePixelClock.String())
	assert.Equal(t, "Free run capture", FeatureFreeRun.String())
	assert.Equal(t, "Unsupported", Feature(200).String())

	f, err := ParseFeature("pixel_clock")
	require.NoError(t, err)
	assert.Equal(t, FeaturePixelClock, f)

	f, err = ParseFeature("One shot capture")
	require.NoError(t, err)
	assert.Equal(t, FeatureOneShot, f)

	_, err = ParseFeature("teleport")
	assert.Error(t, err)
}

func TestPixelMode_Properties(t *testing.T) {
	assert.Equal(t, "BAYER8", PixelBayer8.String())
	assert.True(t, PixelRGB8.IsColor())
	assert.False(t, PixelBayer8.IsColor())
	assert.False(t, PixelL16.IsColor())

	assert.Equal(t, 1, PixelL8.BytesPerPixel())
	assert.Equal(t, 2, PixelL12.BytesPerPixel())
	assert.Equal(t, 3, PixelRGB8.BytesPerPixel())
	assert.Equal(t, 0, PixelUnallocated.BytesPerPixel())
	assert.Equal(t, 320*240*3, PixelRGB8.FrameSize(320, 240))

	p, err := ParsePixelMode("")
	require.NoError(t, err)
	assert.Equal(t, PixelUnallocated, p)

	p, err = ParsePixelMode("bayer8")
	require.NoError(t, err)
	assert.Equal(t, PixelBayer8, p)
}

func TestSets(t *testing.T) {
	fs := NewFeatureSet(FeatureGain, FeatureExposure)
	assert.True(t, fs.Has(FeatureGain))
	assert.False(t, fs.Has(FeatureFocus))
	assert.False(t, fs.Has(featureCount))
	assert.Equal(t, []Feature{FeatureExposure, FeatureGain}, fs.List())
	assert.Equal(t, fs, fs.With(featureCount))

	ps := NewPixelModeSet(PixelRGB8, PixelL8)
	assert.Equal(t, []PixelMode{PixelL8, PixelRGB8}, ps.List())

	gs := NewGPOModeSet(GPOOff, GPOOn)
	assert.Equal(t, []GPOMode{GPOOn, GPOOff}, gs.List())

	ss := NewTriggerSignalSet(SignalFallingEdge)
	assert.True(t, ss.Has(SignalFallingEdge))
	assert.False(t, ss.Has(SignalRisingEdge))
}

func TestTriggerSettings_JSON(t *testing.T) {
	in := TriggerSettings{Mode: TriggerGPIO1, Signal: SignalRisingEdge}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"gpio1","signal":"rising_edge"}`, string(data))

	var out TriggerSettings
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"Software","signal":"default"}`), &out))
	assert.Equal(t, TriggerSettings{Mode: TriggerSoftware, Signal: SignalDefault}, out)
	assert.Equal(t, "Software (Default)", out.String())
}

func TestMarshalText_OutOfRange(t *testing.T) {
	_, err := PixelMode(99).MarshalText()
	assert.Error(t, err)
	_, err = GPOMode(99).MarshalText()
	assert.Error(t, err)
}

func TestTriggerMode_IsHardware(t *testing.T) {
	assert.False(t, TriggerDevice.IsHardware())
	assert.False(t, TriggerSoftware.IsHardware())
	assert.True(t, TriggerGPIO1.IsHardware())
	assert.True(t, TriggerGPIO2.IsHardware())
}
