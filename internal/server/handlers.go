package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mvision/internal/camera"
	"mvision/internal/recorder"
)

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/backends", s.handleBackends)
	api.GET("/discovery", s.handleDiscovery)
	api.GET("/mosaic", s.handleMosaic)

	api.GET("/devices", s.handleListDevices)
	api.POST("/devices", s.handleAddDevice)

	dev := api.Group("/devices/:id")
	dev.GET("", s.withDevice(s.handleGetDevice))
	dev.DELETE("", s.handleRemoveDevice)
	dev.POST("/open", s.withDevice(s.handleOpen))
	dev.POST("/start", s.withDevice(s.handleStart))
	dev.POST("/stop", s.withDevice(s.handleStop))
	dev.POST("/close", s.withDevice(s.handleClose))
	dev.POST("/reset-timestamp", s.withDevice(s.handleResetTimestamp))
	dev.POST("/trigger/fire", s.withDevice(s.handleFire))
	dev.PUT("/controls", s.withDevice(s.handleControls))
	dev.PUT("/trigger", s.withDevice(s.handleTrigger))
	dev.PUT("/gpo", s.withDevice(s.handleGPO))
	dev.GET("/frame", s.withDevice(s.handleFrame))
	dev.GET("/stream", s.withDevice(s.handleStream))
	dev.GET("/ws", s.withDevice(s.handleWebSocket))
	dev.GET("/recordings", s.withDevice(s.handleRecordings))
}

// withDevice はパスの :id からデバイスを引いてハンドラーに渡す
func (s *Server) withDevice(h func(*gin.Context, *camera.Device)) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := s.manager.Device(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		h(c, d)
	}
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// StatusResponse はシステム状態
type StatusResponse struct {
	Status    string           `json:"status"`
	Server    ServerInfo       `json:"server"`
	Devices   map[string]int   `json:"devices"` // 状態ごとの台数
	Uptime    string           `json:"uptime"`
	Recorder  *recorder.Status `json:"recorder,omitempty"`
	MQTT      any              `json:"mqtt,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	counts := make(map[string]int)
	for _, d := range s.manager.Devices() {
		key, _ := d.State().MarshalText()
		counts[string(key)]++
	}

	resp := StatusResponse{
		Status:    "running",
		Server:    ServerInfo{Host: s.config.Server.Host, Port: s.config.Server.Port},
		Devices:   counts,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if s.recorder != nil {
		st := s.recorder.Status()
		resp.Recorder = &st
	}
	if s.emitter != nil {
		resp.MQTT = s.emitter.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.manager.Backends()})
}

func (s *Server) handleDiscovery(c *gin.Context) {
	infos, err := s.manager.Discover(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if infos == nil {
		infos = []*camera.DeviceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": infos})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.manager.Devices()
	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, s.deviceResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

func (s *Server) handleAddDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	opts, err := req.toConfig().Options()
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	d, err := s.manager.AddDevice(opts)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if req.Open || req.Start {
		if err := d.Open(ctx, opts.Open); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Start {
		if err := d.StartCapture(ctx); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, s.deviceResponse(d))
}

func (s *Server) handleGetDevice(c *gin.Context, d *camera.Device) {
	c.JSON(http.StatusOK, s.deviceResponse(d))
}

func (s *Server) handleRemoveDevice(c *gin.Context) {
	id := c.Param("id")
	s.stopPoller(id)
	if err := s.manager.RemoveDevice(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleOpen(c *gin.Context, d *camera.Device) {
	var cfg camera.OpenConfig
	if opts, ok := s.manager.Options(d.ID()); ok {
		cfg = opts.Open
	}

	if c.Request.ContentLength != 0 {
		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err)
			return
		}
		if req.Width > 0 && req.Height > 0 {
			cfg.Width, cfg.Height = req.Width, req.Height
		}
		if req.FPS > 0 {
			cfg.FrameRate = req.FPS
		}
		if req.PixelMode != "" {
			mode, err := camera.ParsePixelMode(req.PixelMode)
			if err != nil {
				respondBadRequest(c, err)
				return
			}
			cfg.PixelMode = mode
		}
		if req.DeviceID != "" {
			cfg.DeviceID = req.DeviceID
		}
	}

	s.respondAfter(c, d, d.Open(c.Request.Context(), cfg))
}

func (s *Server) handleStart(c *gin.Context, d *camera.Device) {
	s.respondAfter(c, d, d.StartCapture(c.Request.Context()))
}

func (s *Server) handleStop(c *gin.Context, d *camera.Device) {
	s.respondAfter(c, d, d.StopCapture(c.Request.Context()))
}

func (s *Server) handleClose(c *gin.Context, d *camera.Device) {
	s.respondAfter(c, d, d.Close(c.Request.Context()))
}

func (s *Server) handleResetTimestamp(c *gin.Context, d *camera.Device) {
	s.respondAfter(c, d, d.ResetTimestamp())
}

func (s *Server) handleFire(c *gin.Context, d *camera.Device) {
	s.respondAfter(c, d, d.SoftwareTrigger(c.Request.Context()))
}

// respondAfter は操作の結果に応じてデバイスの状態かエラーを返す
func (s *Server) respondAfter(c *gin.Context, d *camera.Device, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deviceResponse(d))
}

func (s *Server) handleControls(c *gin.Context, d *camera.Device) {
	var req ControlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	// 指定された順に適用し、最初のエラーで止める
	if req.ExposureUS != nil {
		if err := d.SetExposure(ctx, camera.Microseconds(*req.ExposureUS)); err != nil {
			respondError(c, err)
			return
		}
	}
	percents := []struct {
		v   *float64
		set func(float64) error
	}{
		{req.Gain, func(v float64) error { return d.SetGain(ctx, v) }},
		{req.Focus, func(v float64) error { return d.SetFocus(ctx, v) }},
		{req.Sharpness, func(v float64) error { return d.SetSharpness(ctx, v) }},
	}
	for _, p := range percents {
		if p.v == nil {
			continue
		}
		if err := p.set(*p.v); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, d.Controls())
}

func (s *Server) handleTrigger(c *gin.Context, d *camera.Device) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	mode, err := camera.ParseTriggerMode(req.Mode)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	signal, err := camera.ParseTriggerSignal(req.Signal)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	applied, err := d.ConfigureTrigger(c.Request.Context(), mode, signal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (s *Server) handleGPO(c *gin.Context, d *camera.Device) {
	var req GPORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	mode, err := camera.ParseGPOMode(req.Mode)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := d.ConfigureGPO(c.Request.Context(), mode); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

// handleFrame は最新フレームを画像で返す。IsFrameNew は消費しない
func (s *Server) handleFrame(c *gin.Context, d *camera.Device) {
	format, err := recorder.ParseFormat(c.DefaultQuery("format", "png"))
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	quality := 85
	if q := c.Query("quality"); q != "" {
		if quality, err = strconv.Atoi(q); err != nil || quality < 1 || quality > 100 {
			respondBadRequest(c, fmt.Errorf("quality は 1〜100 で指定してください: %q", q))
			return
		}
	}

	frame, err := d.GetFrame()
	if err != nil {
		respondError(c, err)
		return
	}
	data, err := recorder.EncodeImage(frame, format, quality)
	if err != nil {
		respondError(c, err)
		return
	}

	setFrameHeaders(c, frame)
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, format.ContentType(), data)
}

func setFrameHeaders(c *gin.Context, frame camera.Frame) {
	c.Header("X-Frame-Index", strconv.FormatUint(frame.Index, 10))
	c.Header("X-Frame-Timestamp", strconv.FormatInt(frame.Timestamp.Microseconds(), 10))
	c.Header("X-Frame-Pixel-Mode", frame.PixelMode.String())
}

func (s *Server) handleRecordings(c *gin.Context, d *camera.Device) {
	if s.recorder == nil {
		c.JSON(http.StatusOK, gin.H{"recordings": []recorder.Record{}})
		return
	}
	records, err := s.recorder.Recordings(d.ID())
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []recorder.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": records})
}

// handleMosaic は開いている全デバイスの最新フレームを並べたJPEGを返す
func (s *Server) handleMosaic(c *gin.Context) {
	var tiles []recorder.Tile
	for _, d := range s.manager.Devices() {
		frame, err := d.GetFrame()
		if err != nil {
			if errors.Is(err, camera.ErrNoFrame) || errors.Is(err, camera.ErrState) {
				continue
			}
			respondError(c, err)
			return
		}
		tiles = append(tiles, recorder.Tile{ID: d.ID(), Name: d.Name(), Frame: frame})
	}
	if len(tiles) == 0 {
		respondError(c, camera.ErrNoFrame)
		return
	}

	data, err := s.composer.Compose(tiles)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}
