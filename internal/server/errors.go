package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mvision/internal/camera"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// statusFor はデバイス操作のエラーをHTTPステータスとエラーコードに対応付ける
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, camera.ErrState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, camera.ErrUnsupportedFeature):
		return http.StatusUnprocessableEntity, "unsupported_feature"
	case errors.Is(err, camera.ErrInvalidValue):
		return http.StatusBadRequest, "invalid_value"
	case errors.Is(err, camera.ErrNoFrame):
		return http.StatusNotFound, "no_frame"
	case errors.Is(err, camera.ErrOpen):
		return http.StatusServiceUnavailable, "open_failed"
	case errors.Is(err, camera.ErrDriver):
		return http.StatusBadGateway, "driver_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondError はエラーをJSONで返す
func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// respondBadRequest は不正なリクエストを返す
func respondBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:     "bad_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
