package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mvision/internal/camera"
	"mvision/internal/recorder"
)

const (
	streamQuality  = 75
	wsWriteTimeout = 5 * time.Second
)

// FrameMessage は WebSocket で画像の直前に送るメタデータ
type FrameMessage struct {
	DeviceID  string           `json:"device_id"`
	Index     uint64           `json:"index"`
	Timestamp int64            `json:"timestamp_us"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	PixelMode camera.PixelMode `json:"pixel_mode"`
	Dropped   uint64           `json:"dropped"`
}

// handleStream はMJPEGストリームを配信する
func (s *Server) handleStream(c *gin.Context, d *camera.Device) {
	p, err := s.poller(d)
	if err != nil {
		respondError(c, err)
		return
	}
	sub := p.Subscribe()
	defer sub.Cancel()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	flusher.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := recorder.EncodeImage(frame, recorder.FormatJPEG, streamQuality)
			if err != nil {
				s.logger.Warn("server: フレームをエンコードできません", "device_id", d.ID(), "error", err)
				continue
			}
			if err := writeMJPEGPart(c.Writer, frame, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, frame camera.Frame, data []byte) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Frame-Index: %s\r\n\r\n",
		len(data), strconv.FormatUint(frame.Index, 10))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleWebSocket はフレームごとにJSONのメタデータとJPEGのバイナリを送る
func (s *Server) handleWebSocket(c *gin.Context, d *camera.Device) {
	p, err := s.poller(d)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: WebSocket のアップグレードに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	sub := p.Subscribe()
	defer sub.Cancel()

	s.logger.Info("server: WebSocket 接続", "device_id", d.ID(), "remote", c.Request.RemoteAddr)

	// クライアントからの切断を読み取りで検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case frame, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(time.Second))
				return
			}
			data, err := recorder.EncodeImage(frame, recorder.FormatJPEG, streamQuality)
			if err != nil {
				s.logger.Warn("server: フレームをエンコードできません", "device_id", d.ID(), "error", err)
				continue
			}
			meta := FrameMessage{
				DeviceID:  d.ID(),
				Index:     frame.Index,
				Timestamp: frame.Timestamp.Microseconds(),
				Width:     frame.Width,
				Height:    frame.Height,
				PixelMode: frame.PixelMode,
				Dropped:   sub.Dropped(),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(meta); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}
