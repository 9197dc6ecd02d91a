package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

const discoveryProbeTimeout = 5 * time.Second

var videoNodePattern = regexp.MustCompile(`video(\d+)`)

// v4l2Prober は1つのノードを調べる。テストで差し替える
type v4l2Prober func(ctx context.Context, device string) (name string, formats []V4L2Format, err error)

// LinuxDiscovery は /dev/video* を v4l2-ctl で調べてカメラを検出する
type LinuxDiscovery struct {
	pattern string
	probe   v4l2Prober
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{pattern: "/dev/video*", probe: probeNode}
}

func probeNode(ctx context.Context, device string) (string, []V4L2Format, error) {
	c := NewV4L2Capturer(device)
	formats, err := c.ListFormats(ctx)
	if err != nil {
		return "", nil, err
	}
	name := ""
	if info, err := c.GetDeviceInfo(ctx); err == nil {
		name = info["Card type"]
	}
	return name, formats, nil
}

// ScanDevices はキャプチャ可能なノードを番号順に返す。
// 同じカメラが複数ノードを持つ場合は番号の小さいものだけを残す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	infos, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, info.Device)
	}
	return devices, nil
}

// Scan は ScanDevices と同じノードの詳細情報を返す
func (d *LinuxDiscovery) Scan(ctx context.Context) ([]*DeviceInfo, error) {
	return d.scan(ctx)
}

func (d *LinuxDiscovery) scan(ctx context.Context) ([]*DeviceInfo, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var infos []*DeviceInfo
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return infos, ctx.Err()
		default:
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		info, err := d.GetDeviceInfo(ctx, match)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return primaryNodes(infos), nil
}

// primaryNodes はフォーマットを持たないメタデータノードと、同名カメラの2番目以降のノードを除く
func primaryNodes(infos []*DeviceInfo) []*DeviceInfo {
	seen := make(map[string]bool)
	out := make([]*DeviceInfo, 0, len(infos))
	for _, info := range infos {
		if len(info.PixelModes) == 0 {
			continue
		}
		if info.Name != "" {
			if seen[info.Name] {
				continue
			}
			seen[info.Name] = true
		}
		out = append(out, info)
	}
	return out
}

// IsDeviceAvailable は指定されたデバイスが読み取り可能なV4L2ノードかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoNodePattern.MatchString(filepath.Base(device)) {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo は v4l2-ctl の出力からデバイスの詳細情報を組み立てる
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
	defer cancel()

	name, formats, err := d.probe(probeCtx, device)
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗: %s: %w", device, err)
	}
	info := deviceInfoFromFormats(device, formats)
	info.Name = name
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}
	return info, nil
}

func deviceInfoFromFormats(device string, formats []V4L2Format) *DeviceInfo {
	info := &DeviceInfo{
		Device:  device,
		Driver:  "uvcvideo",
		Backend: BackendV4L2,
	}
	var modes PixelModeSet
	seenRes := make(map[Resolution]bool)
	for _, f := range formats {
		info.Formats = append(info.Formats, f.FourCC)
		if mode, ok := fourccPixelMode(f.FourCC); ok {
			modes = modes.With(mode)
		}
		for _, s := range f.Sizes {
			if !seenRes[s.Resolution] {
				seenRes[s.Resolution] = true
				info.Resolutions = append(info.Resolutions, s.Resolution)
			}
		}
	}
	sort.Slice(info.Resolutions, func(i, j int) bool {
		a, b := info.Resolutions[i], info.Resolutions[j]
		return a.Width*a.Height < b.Width*b.Height
	})
	info.PixelModes = modes.List()
	return info
}

// extractDeviceNumber は /dev/videoXX から XX を取り出す
func extractDeviceNumber(device string) int {
	m := videoNodePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// MockDiscovery はモックバックエンド用の Discovery 実装
type MockDiscovery struct {
	mu          sync.RWMutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

func mockDeviceInfo(device string, n int) *DeviceInfo {
	spec := DefaultMockSpecification()
	return &DeviceInfo{
		Device:      device,
		Name:        fmt.Sprintf("テストカメラ %d", n),
		Driver:      spec.Driver,
		Backend:     BackendMock,
		Resolutions: []Resolution{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		Formats:     []string{"GREY", "RGB3"},
		PixelModes:  spec.PixelModes.List(),
	}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録済みかチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.deviceInfos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.deviceInfos[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はデバイスを追加する。登録済みなら何もしない
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceInfos[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = mockDeviceInfo(device, len(m.devices))
}

// RemoveDevice はデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
