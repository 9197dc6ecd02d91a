package camera

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCtrls = `
User Controls

                     brightness 0x00980900 (int)    : min=-64 max=64 step=1 default=0 value=0
                           gain 0x00980913 (int)    : min=0 max=100 step=1 default=0 value=32
                      sharpness 0x0098091b (int)    : min=0 max=6 step=1 default=3 value=3

Camera Controls

                  auto_exposure 0x009a0901 (menu)   : min=0 max=3 default=3 value=3 (Aperture Priority Mode)
         exposure_time_absolute 0x009a0902 (int)    : min=1 max=5000 step=1 default=157 value=157 flags=inactive
                 focus_absolute 0x009a090a (int)    : min=0 max=250 step=5 default=0 value=0 flags=inactive
     focus_automatic_continuous 0x009a090c (bool)   : default=1 value=1
`

const sampleFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
	[2]: 'Y16 ' (16-bit Greyscale)
		Size: Discrete 320x240
			Interval: Discrete 0.008s (120.000 fps)
	[3]: 'H264' (H.264, compressed)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
`

const sampleInfo = `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
`

func TestParseControls(t *testing.T) {
	controls := parseControls(sampleCtrls)
	require.Len(t, controls, 7)

	gain := controls["gain"]
	assert.Equal(t, "int", gain.Type)
	assert.Equal(t, 0, gain.Min)
	assert.Equal(t, 100, gain.Max)
	assert.Equal(t, 32, gain.Value)

	exp := controls["exposure_time_absolute"]
	assert.Equal(t, 1, exp.Min)
	assert.Equal(t, 5000, exp.Max)

	assert.Equal(t, -64, controls["brightness"].Min)
	assert.Equal(t, "menu", controls["auto_exposure"].Type)
	assert.Equal(t, "bool", controls["focus_automatic_continuous"].Type)
}

func TestParseFormats(t *testing.T) {
	formats := parseFormats(sampleFormats)
	require.Len(t, formats, 4)

	assert.Equal(t, "MJPG", formats[0].FourCC)
	assert.Equal(t, "Motion-JPEG, compressed", formats[0].Description)
	require.Len(t, formats[0].Sizes, 2)
	assert.Equal(t, Resolution{Width: 640, Height: 480}, formats[0].Sizes[1].Resolution)
	assert.Equal(t, []float64{30, 15}, formats[0].Sizes[1].FrameRates)

	assert.Equal(t, "Y16", formats[2].FourCC, "末尾の空白は取り除く")
	assert.Equal(t, []float64{120}, formats[2].Sizes[0].FrameRates)
}

func TestParseInfo(t *testing.T) {
	info := parseInfo(sampleInfo)
	assert.Equal(t, "HD Pro Webcam C920", info["Card type"])
	assert.Equal(t, "uvcvideo", info["Driver name"])
}

func TestFourccPixelMode(t *testing.T) {
	tests := []struct {
		fourcc string
		want   PixelMode
		ok     bool
	}{
		{"GREY", PixelL8, true},
		{"Y12", PixelL12, true},
		{"Y16", PixelL16, true},
		{"YUYV", PixelRGB8, true},
		{"MJPG", PixelRGB8, true},
		{"RGGB", PixelBayer8, true},
		{"BA81", PixelBayer8, true},
		{"H264", PixelUnallocated, false},
	}
	for _, tt := range tests {
		t.Run(tt.fourcc, func(t *testing.T) {
			got, ok := fourccPixelMode(tt.fourcc)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFFmpegFormats(t *testing.T) {
	assert.Equal(t, "gray", ffmpegPixFmt(PixelL8, "GREY"))
	assert.Equal(t, "gray16le", ffmpegPixFmt(PixelL12, "Y12"))
	assert.Equal(t, "rgb24", ffmpegPixFmt(PixelRGB8, "MJPG"))
	assert.Equal(t, "bayer_rggb8", ffmpegPixFmt(PixelBayer8, "RGGB"))
	assert.Equal(t, "bayer_bggr8", ffmpegPixFmt(PixelBayer8, "BA81"))

	assert.Equal(t, "mjpeg", ffmpegInputFormat("MJPG"))
	assert.Equal(t, "", ffmpegInputFormat("RGGB"))

	assert.Equal(t, 640*480*3, rawFrameSize(640, 480, "rgb24"))
	assert.Equal(t, 640*480*2, rawFrameSize(640, 480, "gray16le"))
	assert.Equal(t, 640*480, rawFrameSize(640, 480, "bayer_grbg8"))
	assert.Equal(t, 0, rawFrameSize(640, 480, "yuv420p"))
}

func TestLimitedWriter(t *testing.T) {
	w := &limitedWriter{buf: &bytes.Buffer{}, limit: 8}
	n, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "書き込みは常に成功扱い")
	assert.LessOrEqual(t, len(w.String()), 8)
}

func TestPercentToRange(t *testing.T) {
	assert.Equal(t, 0, percentToRange(0, 0, 100))
	assert.Equal(t, 50, percentToRange(50, 0, 100))
	assert.Equal(t, 250, percentToRange(100, 0, 250))
	assert.Equal(t, 0, percentToRange(50, -64, 64))
	assert.Equal(t, 10, percentToRange(-5, 10, 20))
	assert.Equal(t, 20, percentToRange(150, 10, 20))
	assert.Equal(t, 7, percentToRange(50, 7, 7))
}

func TestParseScreenSize(t *testing.T) {
	out := "screen #0:\n  dimensions:    2560x1440 pixels (677x381 millimeters)\n"
	r, err := parseScreenSize(out)
	require.NoError(t, err)
	assert.Equal(t, Resolution{Width: 2560, Height: 1440}, r)

	_, err = parseScreenSize("nothing here")
	assert.Error(t, err)
}

func TestSinkForMode(t *testing.T) {
	var got []byte
	sink := func(data []byte, _ time.Time) { got = append([]byte(nil), data...) }

	// gray16le の全域値 0xfff0 と 0x0010 は12ビットの 0x0fff と 0x0001
	sinkForMode(PixelL12, sink)([]byte{0xf0, 0xff, 0x10, 0x00}, time.Now())
	assert.Equal(t, []byte{0xff, 0x0f, 0x01, 0x00}, got)

	in := []byte{0xf0, 0xff}
	sinkForMode(PixelL16, sink)(in, time.Now())
	assert.Equal(t, in, got, "L16 はそのまま")

	img := TestPattern(4, 2, PixelL12, 3)
	for i := 0; i+1 < len(img); i += 2 {
		require.LessOrEqual(t, uint16(img[i])|uint16(img[i+1])<<8, uint16(0x0fff))
	}
}

func TestSinkGate(t *testing.T) {
	var g sinkGate
	calls := 0
	sink := func([]byte, time.Time) { calls++ }

	assert.False(t, g.Deliver(sink, []byte{1}, time.Now()), "開く前は呼ばない")
	g.Open()
	assert.True(t, g.Deliver(sink, []byte{1}, time.Now()))

	// sink の実行中に Close しても、sink が戻るまで Close は戻らない
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func([]byte, time.Time) {
		close(entered)
		<-release
	}
	go g.Deliver(blocking, []byte{1}, time.Now())
	<-entered

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("実行中の sink を待たずに Close が戻りました")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	assert.False(t, g.Deliver(sink, []byte{1}, time.Now()))
	assert.Equal(t, 1, calls)
}
