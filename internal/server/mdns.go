package server

import (
	"fmt"
	"strings"

	"github.com/enbility/zeroconf/v3"

	"mvision/internal/camera"
)

const (
	serviceType   = "_mvision._tcp"
	serviceDomain = "local."
)

// advertiser は mDNS で HTTP API を告知する
type advertiser struct {
	server *zeroconf.Server
}

// txtRecords は告知に載せるTXTレコードを組み立てる
func txtRecords(manager *camera.Manager) []string {
	devices := manager.Devices()
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID())
	}
	backends := manager.Backends()
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = string(b)
	}
	return []string{
		"path=/api",
		fmt.Sprintf("devices=%d", len(devices)),
		"ids=" + strings.Join(ids, ","),
		"backends=" + strings.Join(names, ","),
	}
}

func advertise(instance string, port int, manager *camera.Manager) (*advertiser, error) {
	if instance == "" {
		instance = "mvision"
	}
	server, err := zeroconf.Register(instance, serviceType, serviceDomain, port, txtRecords(manager), nil)
	if err != nil {
		return nil, fmt.Errorf("サービスの登録に失敗: %w", err)
	}
	return &advertiser{server: server}, nil
}

// Shutdown は告知を停止する
func (a *advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
