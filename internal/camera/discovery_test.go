package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNodes は一時ディレクトリに video ノードの代わりのファイルを作る
func fakeNodes(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	return dir
}

func TestLinuxDiscovery_ScanDevices(t *testing.T) {
	dir := fakeNodes(t, "video0", "video1", "video2", "video10")
	probes := map[string]struct {
		name    string
		formats string
		err     error
	}{
		"video0":  {name: "HD Pro Webcam C920", formats: sampleFormats},
		"video1":  {name: "HD Pro Webcam C920"}, // メタデータノード
		"video2":  {name: "HD Pro Webcam C920", formats: sampleFormats},
		"video10": {name: "Mono Sensor", formats: "[0]: 'GREY' (8-bit Greyscale)\n\tSize: Discrete 752x480\n"},
	}

	d := &LinuxDiscovery{
		pattern: filepath.Join(dir, "video*"),
		probe: func(_ context.Context, device string) (string, []V4L2Format, error) {
			p := probes[filepath.Base(device)]
			return p.name, parseFormats(p.formats), p.err
		},
	}

	devices, err := d.ScanDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "video0"), filepath.Join(dir, "video10")}, devices)

	infos, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, []PixelMode{PixelL8}, infos[1].PixelModes, "モノクロカメラも検出する")
	assert.Equal(t, BackendV4L2, infos[0].Backend)
}

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	d := NewLinuxDiscovery()

	assert.False(t, d.IsDeviceAvailable(ctx, "/dev/video999"))
	assert.False(t, d.IsDeviceAvailable(ctx, "/invalid/path"))

	dir := fakeNodes(t, "video4", "notes.txt")
	assert.True(t, d.IsDeviceAvailable(ctx, filepath.Join(dir, "video4")))
	assert.False(t, d.IsDeviceAvailable(ctx, filepath.Join(dir, "notes.txt")))
}

func TestLinuxDiscovery_GetDeviceInfo(t *testing.T) {
	d := &LinuxDiscovery{probe: func(context.Context, string) (string, []V4L2Format, error) {
		return "", parseFormats(sampleFormats), nil
	}}

	info, err := d.GetDeviceInfo(context.Background(), "/dev/video7")
	require.NoError(t, err)
	assert.Equal(t, "カメラ 7", info.Name, "名前が取れなければ番号から作る")
	assert.Equal(t, []string{"MJPG", "YUYV", "Y16", "H264"}, info.Formats)
	assert.Equal(t, []Resolution{
		{Width: 320, Height: 240}, {Width: 640, Height: 480},
		{Width: 1280, Height: 720}, {Width: 1920, Height: 1080},
	}, info.Resolutions)

	failing := &LinuxDiscovery{probe: func(context.Context, string) (string, []V4L2Format, error) {
		return "", nil, errors.New("v4l2-ctl not found")
	}}
	_, err = failing.GetDeviceInfo(context.Background(), "/dev/video0")
	assert.Error(t, err)
}

func TestExtractDeviceNumber(t *testing.T) {
	assert.Equal(t, 12, extractDeviceNumber("/dev/video12"))
	assert.Equal(t, 0, extractDeviceNumber("/dev/null"))
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	d := NewMockDiscovery([]string{"/dev/video0", "/dev/video1"})

	devices, err := d.ScanDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/video0", "/dev/video1"}, devices)

	assert.True(t, d.IsDeviceAvailable(ctx, "/dev/video0"))
	assert.False(t, d.IsDeviceAvailable(ctx, "/dev/video2"))

	info, err := d.GetDeviceInfo(ctx, "/dev/video1")
	require.NoError(t, err)
	assert.Equal(t, "テストカメラ 2", info.Name)
	assert.Equal(t, BackendMock, info.Backend)

	info.Name = "changed"
	again, err := d.GetDeviceInfo(ctx, "/dev/video1")
	require.NoError(t, err)
	assert.Equal(t, "テストカメラ 2", again.Name, "コピーを返す")

	d.AddDevice("/dev/video2")
	d.AddDevice("/dev/video2")
	devices, _ = d.ScanDevices(ctx)
	assert.Len(t, devices, 3)

	d.RemoveDevice("/dev/video0")
	assert.False(t, d.IsDeviceAvailable(ctx, "/dev/video0"))
	_, err = d.GetDeviceInfo(ctx, "/dev/video0")
	assert.Error(t, err)
}
