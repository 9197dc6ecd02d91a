package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrDeviceNotFound は管理対象に存在しないIDを指定したときのエラー
var ErrDeviceNotFound = errors.New("デバイスが見つかりません")

// DeviceOptions はマネージャーにデバイスを追加するときの設定
type DeviceOptions struct {
	ID        string
	Name      string
	Backend   Backend
	Driver    DriverConfig
	Open      OpenConfig
	AutoStart bool

	// オープン後に適用する初期値。nil は未設定
	Exposure  *Microseconds
	Gain      *float64
	Focus     *float64
	Sharpness *float64
	Trigger   *TriggerSettings
	GPO       *GPOMode
}

// Manager は複数のデバイスを ID で管理する
type Manager struct {
	factory   DriverFactory
	discovery Discovery
	logger    *slog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
	options map[string]DeviceOptions
	order   []string

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// NewManager は新しいManagerを作成する。discovery は nil でもよい
func NewManager(factory DriverFactory, discovery Discovery, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:   factory,
		discovery: discovery,
		logger:    logger,
		devices:   make(map[string]*Device),
		options:   make(map[string]DeviceOptions),
	}
}

// AddDevice はドライバーを作成して Empty 状態のデバイスを登録する。ID が空なら uuid を割り当てる
func (m *Manager) AddDevice(opts DeviceOptions) (*Device, error) {
	if opts.Backend == "" {
		opts.Backend = BackendMock
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[opts.ID]; exists {
		return nil, fmt.Errorf("デバイス %s は既に追加されています", opts.ID)
	}
	driver, err := m.factory.Create(opts.Backend, opts.Driver)
	if err != nil {
		return nil, fmt.Errorf("ドライバーの作成に失敗: %w", err)
	}

	device := NewDevice(driver, DeviceConfig{ID: opts.ID, Name: opts.Name, Logger: m.logger})
	device.OnEvent(m.dispatch)

	m.devices[opts.ID] = device
	m.options[opts.ID] = opts
	m.order = append(m.order, opts.ID)

	m.logger.Info("manager: デバイスを追加しました", "device_id", opts.ID, "backend", string(opts.Backend))
	return device, nil
}

// RemoveDevice はデバイスを破棄して管理対象から外す
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	device, exists := m.devices[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(m.devices, id)
	delete(m.options, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := device.Destroy(ctx); err != nil {
		return fmt.Errorf("デバイス %s の破棄に失敗: %w", id, err)
	}
	m.logger.Info("manager: デバイスを削除しました", "device_id", id)
	return nil
}

// Device は指定されたIDのデバイスを返す
func (m *Manager) Device(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, exists := m.devices[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return device, nil
}

// Options は追加時の設定を返す
func (m *Manager) Options(id string) (DeviceOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts, ok := m.options[id]
	return opts, ok
}

// Devices は追加順のデバイス一覧を返す
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]*Device, 0, len(m.order))
	for _, id := range m.order {
		devices = append(devices, m.devices[id])
	}
	return devices
}

// Backends は作成できるバックエンドの一覧を返す
func (m *Manager) Backends() []Backend {
	return m.factory.Backends()
}

// Discover は接続されているカメラを検出し、各デバイスの情報を返す。
// 登録はしない
func (m *Manager) Discover(ctx context.Context) ([]*DeviceInfo, error) {
	if m.discovery == nil {
		return nil, nil
	}
	devices, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	infos := make([]*DeviceInfo, 0, len(devices))
	for _, device := range devices {
		info, err := m.discovery.GetDeviceInfo(ctx, device)
		if err != nil {
			m.logger.Warn("manager: デバイス情報を取得できませんでした", "device", device, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return extractDeviceNumber(infos[i].Device) < extractDeviceNumber(infos[j].Device)
	})
	return infos, nil
}

// Start は AutoStart のデバイスをオープンして初期値を適用し、キャプチャを開始する。
// 1台の失敗で他のデバイスは止めない
func (m *Manager) Start(ctx context.Context) error {
	var errs []error
	for _, device := range m.Devices() {
		opts, ok := m.Options(device.ID())
		if !ok || !opts.AutoStart {
			continue
		}
		if err := m.bringUp(ctx, device, opts); err != nil {
			m.logger.Error("manager: 自動開始に失敗しました", "device_id", device.ID(), "error", err)
			errs = append(errs, fmt.Errorf("デバイス %s: %w", device.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) bringUp(ctx context.Context, device *Device, opts DeviceOptions) error {
	if err := device.Open(ctx, opts.Open); err != nil {
		return err
	}
	if err := ApplyInitialSettings(ctx, device, opts); err != nil {
		return err
	}
	return device.StartCapture(ctx)
}

// ApplyInitialSettings は opts の初期コントロールとトリガー設定をオープン済みのデバイスに適用する
func ApplyInitialSettings(ctx context.Context, device Camera, opts DeviceOptions) error {
	var errs []error
	if opts.Exposure != nil {
		errs = append(errs, device.SetExposure(ctx, *opts.Exposure))
	}
	if opts.Gain != nil {
		errs = append(errs, device.SetGain(ctx, *opts.Gain))
	}
	if opts.Focus != nil {
		errs = append(errs, device.SetFocus(ctx, *opts.Focus))
	}
	if opts.Sharpness != nil {
		errs = append(errs, device.SetSharpness(ctx, *opts.Sharpness))
	}
	if opts.Trigger != nil {
		_, err := device.ConfigureTrigger(ctx, opts.Trigger.Mode, opts.Trigger.Signal)
		errs = append(errs, err)
	}
	if opts.GPO != nil {
		errs = append(errs, device.ConfigureGPO(ctx, *opts.GPO))
	}
	return errors.Join(errs...)
}

// Stop は全デバイスを破棄する。エラーはまとめて返す
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.order))
	for _, id := range m.order {
		devices = append(devices, m.devices[id])
	}
	m.devices = make(map[string]*Device)
	m.options = make(map[string]DeviceOptions)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, device := range devices {
		if err := device.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("デバイス %s の破棄に失敗: %w", device.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// OnEvent は全デバイスのイベントを受け取るハンドラーを登録する
func (m *Manager) OnEvent(handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) dispatch(ev Event) {
	m.handlersMu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
