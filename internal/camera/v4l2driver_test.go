package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProbe() v4l2Probe {
	return v4l2Probe{
		Name:     "HD Pro Webcam C920",
		Formats:  parseFormats(sampleFormats),
		Controls: parseControls(sampleCtrls),
	}
}

var uvcDefaults = captureDefaults{Width: 640, Height: 480, FrameRate: 30}

func TestBuildV4L2Specification_Features(t *testing.T) {
	spec, fourcc, err := buildV4L2Specification(sampleProbe(), OpenConfig{}, uvcDefaults, string(BackendV4L2))
	require.NoError(t, err)

	for _, f := range []Feature{FeatureExposure, FeatureGain, FeatureFocus, FeatureSharpness, FeatureFreeRun, FeatureDeviceID} {
		assert.True(t, spec.Features.Has(f), f.String())
	}
	assert.False(t, spec.Features.Has(FeatureTriggering))

	assert.Equal(t, []PixelMode{PixelL16, PixelRGB8}, spec.PixelModes.List())
	assert.Equal(t, PixelRGB8, spec.PixelMode, "RGB8 を優先する")
	assert.Equal(t, "MJPG", fourcc)
	assert.Equal(t, 640, spec.Width)
	assert.Equal(t, 480, spec.Height)
	assert.Equal(t, Resolution{Width: 320, Height: 240}, spec.MinResolution)
	assert.Equal(t, Resolution{Width: 1280, Height: 720}, spec.MaxResolution)
	assert.Equal(t, 15.0, spec.MinFrameRate)
	assert.Equal(t, 120.0, spec.MaxFrameRate)
	require.NoError(t, spec.Validate())
}

func TestBuildV4L2Specification_RequestedMode(t *testing.T) {
	spec, fourcc, err := buildV4L2Specification(sampleProbe(),
		OpenConfig{PixelMode: PixelL16, Width: 300, Height: 200, FrameRate: 500},
		uvcDefaults, string(BackendV4L2))
	require.NoError(t, err)

	assert.Equal(t, PixelL16, spec.PixelMode)
	assert.Equal(t, "Y16", fourcc)
	assert.Equal(t, 320, spec.Width, "最も近いサイズに合わせる")
	assert.Equal(t, 240, spec.Height)
	assert.Equal(t, 120.0, spec.FrameRate, "最大フレームレートに制限する")
}

func TestBuildV4L2Specification_Errors(t *testing.T) {
	_, _, err := buildV4L2Specification(sampleProbe(), OpenConfig{PixelMode: PixelBayer8}, uvcDefaults, "v4l2")
	assert.Error(t, err)

	probe := v4l2Probe{Formats: []V4L2Format{{FourCC: "H264"}}}
	_, _, err = buildV4L2Specification(probe, OpenConfig{}, uvcDefaults, "v4l2")
	assert.Error(t, err)
}

func TestBuildV4L2Specification_NoControls(t *testing.T) {
	probe := sampleProbe()
	probe.Controls = nil
	spec, _, err := buildV4L2Specification(probe, OpenConfig{}, uvcDefaults, "v4l2")
	require.NoError(t, err)
	assert.Equal(t, []Feature{FeatureFreeRun, FeatureDeviceID}, spec.Features.List())
}

func TestExposureToV4L2(t *testing.T) {
	ctrl := V4L2Control{Min: 1, Max: 5000}
	assert.Equal(t, 50, exposureToV4L2(5000, ctrl))
	assert.Equal(t, 1, exposureToV4L2(10, ctrl))
	assert.Equal(t, 5000, exposureToV4L2(10_000_000, ctrl))
}

func TestDevicePathFor(t *testing.T) {
	assert.Equal(t, "/dev/video2", devicePathFor(DriverConfig{Index: 2}))
	assert.Equal(t, "/dev/cam", devicePathFor(DriverConfig{Device: "/dev/cam", Index: 2}))
}
