package recorder

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvision/internal/camera"
)

func newRunningDevice(t *testing.T, id string, mode camera.PixelMode) (*camera.Device, *camera.MockDriver) {
	t.Helper()
	ctx := context.Background()
	driver := camera.NewMockDriver(camera.DefaultMockSpecification())
	d := camera.NewDevice(driver, camera.DeviceConfig{ID: id})
	require.NoError(t, d.Open(ctx, camera.OpenConfig{Width: 4, Height: 2, PixelMode: mode}))
	require.NoError(t, d.StartCapture(ctx))
	t.Cleanup(func() { _ = d.Destroy(ctx) })
	return d, driver
}

func sourcesOf(devices ...*camera.Device) SourceList {
	return func() []Source {
		out := make([]Source, len(devices))
		for i, d := range devices {
			out[i] = d
		}
		return out
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)

	f, err = ParseFormat("PNG")
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, f)
	assert.Equal(t, ".png", f.Ext())
	assert.Equal(t, "image/png", f.ContentType())
	assert.Equal(t, ".jpg", FormatJPEG.Ext())

	_, err = ParseFormat("bmp")
	assert.Error(t, err)
}

func TestFrameImage(t *testing.T) {
	gray, err := FrameImage(camera.Frame{Width: 2, Height: 1, PixelMode: camera.PixelL8, Data: []byte{10, 200}})
	require.NoError(t, err)
	require.IsType(t, &image.Gray{}, gray)
	assert.Equal(t, uint8(200), gray.(*image.Gray).GrayAt(1, 0).Y)

	bayer, err := FrameImage(camera.Frame{Width: 1, Height: 1, PixelMode: camera.PixelBayer8, Data: []byte{7}})
	require.NoError(t, err)
	assert.IsType(t, &image.Gray{}, bayer)

	// L12 は上位ビットに寄せる
	l12, err := FrameImage(camera.Frame{Width: 1, Height: 1, PixelMode: camera.PixelL12, Data: []byte{0xff, 0x0f}})
	require.NoError(t, err)
	require.IsType(t, &image.Gray16{}, l12)
	assert.Equal(t, uint16(0xfff0), l12.(*image.Gray16).Gray16At(0, 0).Y)

	l16, err := FrameImage(camera.Frame{Width: 1, Height: 1, PixelMode: camera.PixelL16, Data: []byte{0x34, 0x12}})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), l16.(*image.Gray16).Gray16At(0, 0).Y)

	rgb, err := FrameImage(camera.Frame{Width: 1, Height: 1, PixelMode: camera.PixelRGB8, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.IsType(t, &image.RGBA{}, rgb)
	assert.Equal(t, []uint8{1, 2, 3, 0xff}, rgb.(*image.RGBA).Pix)
}

func TestFrameImageErrors(t *testing.T) {
	_, err := FrameImage(camera.Frame{Width: 0, Height: 1, PixelMode: camera.PixelL8})
	assert.Error(t, err)
	_, err = FrameImage(camera.Frame{Width: 2, Height: 2, PixelMode: camera.PixelL8, Data: []byte{1}})
	assert.Error(t, err, "データ不足")
	_, err = FrameImage(camera.Frame{Width: 1, Height: 1, PixelMode: camera.PixelUnallocated, Data: []byte{1}})
	assert.Error(t, err)
}

func TestEncodeImage(t *testing.T) {
	frame := camera.Frame{Width: 4, Height: 2, PixelMode: camera.PixelL8, Data: camera.TestPattern(4, 2, camera.PixelL8, 0)}

	data, err := EncodeImage(frame, FormatPNG, 0)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	data, err = EncodeImage(frame, FormatJPEG, 500)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	_, err = EncodeImage(frame, Format("gif"), 0)
	assert.Error(t, err)
}

func TestRecorder_SnapshotSkipsUnchangedIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cam, driver := newRunningDevice(t, "cam/0", camera.PixelL8)
	idle := camera.NewDevice(camera.NewMockDriver(camera.DefaultMockSpecification()), camera.DeviceConfig{ID: "idle"})

	r := New(Config{OutputDir: dir, Interval: time.Hour, Format: FormatPNG}, sourcesOf(cam, idle), nil)

	n, err := r.Snapshot(ctx)
	require.NoError(t, err, "フレームが無いのはエラーではない")
	assert.Zero(t, n)

	driver.Emit(camera.TestPattern(4, 2, camera.PixelL8, 0))
	n, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "通し番号が進んでいなければ保存しない")

	driver.Emit(camera.TestPattern(4, 2, camera.PixelL8, 1))
	n, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := r.Status()
	assert.Equal(t, uint64(2), status.Saved)
	assert.Equal(t, uint64(1), status.Skipped)
	assert.False(t, status.Running)

	// IDに含まれる / はディレクトリ名で置き換える
	_, err = os.Stat(filepath.Join(dir, "cam_0", "0000000000.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "cam_0", "0000000001.png"))
	require.NoError(t, err)

	records, err := r.Recordings("cam/0")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(0), records[0].Index)
	assert.Equal(t, uint64(1), records[1].Index)
	assert.Equal(t, "0000000001.png", records[1].File)
	assert.Equal(t, "L8", records[1].PixelMode)
	assert.Equal(t, 4, records[1].Width)
	assert.Positive(t, records[1].Size)
}

func TestRecorder_RecordingsEmpty(t *testing.T) {
	r := New(Config{OutputDir: t.TempDir(), Interval: time.Second}, nil, nil)
	records, err := r.Recordings("nothing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadIndexTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), IndexFile)
	require.NoError(t, appendRecord(path, Record{Index: 3, File: "a.jpg"}))
	require.NoError(t, appendRecord(path, Record{Index: 4, File: "b.jpg"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	records, err := ReadIndex(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(3), records[0].Index)
}

func TestRecorder_StartStop(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "out")
	cam, driver := newRunningDevice(t, "cam0", camera.PixelRGB8)
	driver.Emit(camera.TestPattern(4, 2, camera.PixelRGB8, 0))

	r := New(Config{OutputDir: dir, Interval: 5 * time.Millisecond, Quality: 80}, sourcesOf(cam), nil)
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx))
	assert.True(t, r.Status().Running)

	assert.Eventually(t, func() bool {
		records, err := r.Recordings("cam0")
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Status().Running)

	_, err := os.Stat(filepath.Join(dir, "cam0", "0000000000.jpg"))
	assert.NoError(t, err)
}

func TestRecorder_StartInvalidInterval(t *testing.T) {
	r := New(Config{OutputDir: t.TempDir()}, nil, nil)
	assert.Error(t, r.Start(context.Background()))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "cam-0_a", safeName("cam-0/a"))
	assert.Equal(t, "_", safeName(".."))
	assert.Equal(t, "_", safeName(""))
}

func TestComposer(t *testing.T) {
	c := NewComposer(40, 20, 90, nil)

	tiles := []Tile{
		{ID: "b", Name: "right", Frame: camera.Frame{Width: 2, Height: 2, PixelMode: camera.PixelL8, Data: []byte{255, 255, 255, 255}}},
		{ID: "a", Name: "left", Frame: camera.Frame{Width: 2, Height: 2, PixelMode: camera.PixelL8, Data: []byte{0, 0, 0, 0}}},
		{ID: "c", Name: "broken", Frame: camera.Frame{Width: 2, Height: 2, PixelMode: camera.PixelL8}},
	}
	img, err := c.ComposeImage(tiles)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 20), img.Bounds())

	// 3枚は2x2。変換できない broken を飛ばし、left, right の順に並ぶ
	assert.Equal(t, uint8(0), img.RGBAAt(5, 5).R)
	assert.Equal(t, uint8(255), img.RGBAAt(25, 5).R)

	data, err := c.Compose(tiles)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)

	_, err = c.Compose(nil)
	assert.Error(t, err)
	_, err = c.Compose(tiles[2:])
	assert.Error(t, err)
}

func TestComposerLayout(t *testing.T) {
	c := NewComposer(1200, 600, 80, nil)
	cases := map[int][2]int{1: {1, 1}, 2: {2, 1}, 3: {2, 2}, 4: {2, 2}, 5: {4, 2}, 9: {6, 2}}
	for n, want := range cases {
		l := c.calculateLayout(n)
		assert.Equal(t, want[0], l.Cols, n)
		assert.Equal(t, want[1], l.Rows, n)
		assert.GreaterOrEqual(t, l.Cols*l.Rows, n)
	}
}
