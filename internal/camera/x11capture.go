package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
)

// X11Capturer はX11画面キャプチャを行う
type X11Capturer struct {
	display string
}

// NewX11Capturer は新しいX11Capturerを作成する
func NewX11Capturer(display string) *X11Capturer {
	return &X11Capturer{display: display}
}

// Display はディスプレイ名を返す
func (c *X11Capturer) Display() string {
	return c.display
}

// IsDeviceAvailable はX11ディスプレイが利用可能かチェックする
func (c *X11Capturer) IsDeviceAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "xdpyinfo", "-display", c.display)
	return cmd.Run() == nil
}

// ScreenSize は xdpyinfo からスクリーンの解像度を取得する
func (c *X11Capturer) ScreenSize(ctx context.Context) (Resolution, error) {
	output, err := exec.CommandContext(ctx, "xdpyinfo", "-display", c.display).Output()
	if err != nil {
		return Resolution{}, fmt.Errorf("ディスプレイ情報の取得に失敗: %w", err)
	}
	return parseScreenSize(string(output))
}

// StartRawStream はx11grabで画面を rgb24 の rawvideo として読み出す
func (c *X11Capturer) StartRawStream(ctx context.Context, width, height int, fps float64, sink FrameSink, logger *slog.Logger) (*ffmpegStream, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", c.display,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
	return startFFmpeg(ctx, args, rawFrameSize(width, height, "rgb24"), sink, logger)
}

var screenDimensions = regexp.MustCompile(`dimensions:\s+(\d+)x(\d+)\s+pixels`)

func parseScreenSize(output string) (Resolution, error) {
	m := screenDimensions.FindStringSubmatch(output)
	if m == nil {
		return Resolution{}, fmt.Errorf("スクリーンの解像度が見つかりません")
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return Resolution{Width: w, Height: h}, nil
}
