package server

import (
	"mvision/internal/camera"
	"mvision/internal/config"
)

// SpecificationResponse はデバイス仕様のJSON表現
type SpecificationResponse struct {
	DeviceID      string                                `json:"device_id,omitempty"`
	Name          string                                `json:"name"`
	Driver        string                                `json:"driver"`
	Features      []camera.Feature                      `json:"features"`
	PixelModes    []camera.PixelMode                    `json:"pixel_modes"`
	Triggers      map[string][]camera.TriggerSignalType `json:"triggers,omitempty"`
	GPOModes      []camera.GPOMode                      `json:"gpo_modes,omitempty"`
	MinResolution camera.Resolution                     `json:"min_resolution"`
	MaxResolution camera.Resolution                     `json:"max_resolution"`
	MinFrameRate  float64                               `json:"min_frame_rate"`
	MaxFrameRate  float64                               `json:"max_frame_rate"`
	Width         int                                   `json:"width"`
	Height        int                                   `json:"height"`
	FrameRate     float64                               `json:"frame_rate"`
	PixelMode     camera.PixelMode                      `json:"pixel_mode"`
	FrameSize     int                                   `json:"frame_size"`
}

func newSpecificationResponse(spec camera.Specification) *SpecificationResponse {
	resp := &SpecificationResponse{
		DeviceID:      spec.DeviceID,
		Name:          spec.Name,
		Driver:        spec.Driver,
		Features:      spec.Features.List(),
		PixelModes:    spec.PixelModes.List(),
		GPOModes:      spec.GPOModes.List(),
		MinResolution: spec.MinResolution,
		MaxResolution: spec.MaxResolution,
		MinFrameRate:  spec.MinFrameRate,
		MaxFrameRate:  spec.MaxFrameRate,
		Width:         spec.Width,
		Height:        spec.Height,
		FrameRate:     spec.FrameRate,
		PixelMode:     spec.PixelMode,
		FrameSize:     spec.FrameSize(),
	}
	if modes := spec.Triggers.Modes(); len(modes) > 0 {
		resp.Triggers = make(map[string][]camera.TriggerSignalType, len(modes))
		for _, m := range modes {
			key, _ := m.MarshalText()
			resp.Triggers[string(key)] = spec.Triggers.Signals(m).List()
		}
	}
	return resp
}

// DeviceResponse はデバイス1台の状態
type DeviceResponse struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Backend       camera.Backend          `json:"backend"`
	State         camera.DeviceState      `json:"state"`
	Specification *SpecificationResponse  `json:"specification,omitempty"`
	Controls      *camera.Controls        `json:"controls,omitempty"`
	Trigger       *camera.TriggerSettings `json:"trigger,omitempty"`
	GPO           *camera.GPOMode         `json:"gpo,omitempty"`
	Stats         camera.FrameStats       `json:"stats"`
	Subscribers   int                     `json:"subscribers"`
}

func (s *Server) deviceResponse(d *camera.Device) DeviceResponse {
	resp := DeviceResponse{
		ID:    d.ID(),
		Name:  d.Name(),
		State: d.State(),
		Stats: d.Stats(),
	}
	if opts, ok := s.manager.Options(d.ID()); ok {
		resp.Backend = opts.Backend
	}
	if spec, err := d.Specification(); err == nil {
		resp.Specification = newSpecificationResponse(spec)
		controls := d.Controls()
		resp.Controls = &controls
		trigger := d.TriggerSettings()
		resp.Trigger = &trigger
		if mode, ok := d.GPOMode(); ok {
			resp.GPO = &mode
		}
	}
	if p := s.existingPoller(d.ID()); p != nil {
		resp.Subscribers = p.Subscribers()
	}
	return resp
}

// DeviceRequest はデバイス追加のリクエスト
type DeviceRequest struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Backend    string            `json:"backend"`
	Device     string            `json:"device"`
	Index      int               `json:"index"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	FPS        float64           `json:"fps"`
	PixelMode  string            `json:"pixel_mode"`
	Open       bool              `json:"open"`  // 追加後すぐにオープンする
	Start      bool              `json:"start"` // オープン後にキャプチャを開始する
	Properties map[string]string `json:"properties"`
}

func (r DeviceRequest) toConfig() config.DeviceConfig {
	return config.DeviceConfig{
		ID:         r.ID,
		Name:       r.Name,
		Backend:    r.Backend,
		Device:     r.Device,
		Index:      r.Index,
		Width:      r.Width,
		Height:     r.Height,
		FPS:        r.FPS,
		PixelMode:  r.PixelMode,
		Properties: r.Properties,
	}
}

// OpenRequest はオープン時の要求設定。省略した項目は設定ファイルの値を使う
type OpenRequest struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FPS       float64 `json:"fps"`
	PixelMode string  `json:"pixel_mode"`
	DeviceID  string  `json:"device_id"`
}

// ControlsRequest はコントロール設定。nil の項目は変更しない
type ControlsRequest struct {
	ExposureUS *uint64  `json:"exposure_us"`
	Gain       *float64 `json:"gain"`
	Focus      *float64 `json:"focus"`
	Sharpness  *float64 `json:"sharpness"`
}

// TriggerRequest はトリガー設定
type TriggerRequest struct {
	Mode   string `json:"mode" binding:"required"`
	Signal string `json:"signal"`
}

// GPORequest はGPO設定
type GPORequest struct {
	Mode string `json:"mode" binding:"required"`
}
