package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// V4L2Control は v4l2-ctl --list-ctrls の1項目
type V4L2Control struct {
	Name    string
	Type    string
	Min     int
	Max     int
	Step    int
	Default int
	Value   int
}

// V4L2FrameSize はフォーマットが対応する解像度とフレームレート
type V4L2FrameSize struct {
	Resolution
	FrameRates []float64
}

// V4L2Format は v4l2-ctl --list-formats-ext の1フォーマット
type V4L2Format struct {
	FourCC      string
	Description string
	Sizes       []V4L2FrameSize
}

// V4L2Capturer はシェルコマンドを使ってV4L2デバイスを操作する
type V4L2Capturer struct {
	devicePath string
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string) *V4L2Capturer {
	return &V4L2Capturer{devicePath: devicePath}
}

// DevicePath はデバイスパスを返す
func (c *V4L2Capturer) DevicePath() string {
	return c.devicePath
}

// IsDeviceAvailable はV4L2デバイスが利用可能かチェックする
func (c *V4L2Capturer) IsDeviceAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--info")
	return cmd.Run() == nil
}

// GetDeviceInfo はデバイス情報を取得する
func (c *V4L2Capturer) GetDeviceInfo(ctx context.Context) (map[string]string, error) {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--info").Output()
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}
	return parseInfo(string(output)), nil
}

// ListControls はコントロール一覧を取得する
func (c *V4L2Capturer) ListControls(ctx context.Context) (map[string]V4L2Control, error) {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--list-ctrls").Output()
	if err != nil {
		return nil, fmt.Errorf("コントロール一覧の取得に失敗: %w", err)
	}
	return parseControls(string(output)), nil
}

// ListFormats はサポートされているフォーマット一覧を取得する
func (c *V4L2Capturer) ListFormats(ctx context.Context) ([]V4L2Format, error) {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--list-formats-ext").Output()
	if err != nil {
		return nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}
	return parseFormats(string(output)), nil
}

// SetControls はカメラのコントロールを設定する
func (c *V4L2Capturer) SetControls(ctx context.Context, controls map[string]int) error {
	names := make([]string, 0, len(controls))
	for name := range controls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		arg := fmt.Sprintf("%s=%d", name, controls[name])
		cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--set-ctrl", arg)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("コントロール %s の設定に失敗: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}

// StartRawStream はffmpegで rawvideo を読み出し、frameSize バイトごとに sink を呼ぶ
func (c *V4L2Capturer) StartRawStream(ctx context.Context, width, height int, fps float64, inputFormat, pixFmt string, sink FrameSink, logger *slog.Logger) (*ffmpegStream, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
	}
	if inputFormat != "" {
		args = append(args, "-input_format", inputFormat)
	}
	args = append(args,
		"-i", c.devicePath,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-",
	)
	return startFFmpeg(ctx, args, rawFrameSize(width, height, pixFmt), sink, logger)
}

// ffmpegStream は実行中のffmpegプロセスとフレーム読み取りgoroutine
type ffmpegStream struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	stderr *limitedWriter
}

func startFFmpeg(ctx context.Context, args []string, frameSize int, sink FrameSink, logger *slog.Logger) (*ffmpegStream, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %d", frameSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// 呼び出し元の ctx はリクエスト単位なので、ストリームの寿命は Stop で管理する
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(streamCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	s := &ffmpegStream{
		cancel: cancel,
		done:   make(chan struct{}),
		stderr: &limitedWriter{buf: &bytes.Buffer{}, limit: 4096},
	}
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	go func() {
		defer close(s.done)
		defer func() {
			_ = cmd.Wait() // キャンセル時のエラーは無視
		}()

		reader := bufio.NewReaderSize(stdout, frameSize)
		buf := make([]byte, frameSize)
		for {
			if _, err := io.ReadFull(reader, buf); err != nil {
				if streamCtx.Err() == nil && !errors.Is(err, io.EOF) {
					s.setErr(fmt.Errorf("フレーム読み取りエラー: %w", err))
					logger.Warn("capture: ffmpegストリームが終了しました", "error", err, "stderr", s.stderr.String())
				}
				return
			}
			sink(buf, time.Now())
		}
	}()

	return s, nil
}

// Stop はプロセスを終了させ、読み取りgoroutineの終了を待つ
func (s *ffmpegStream) Stop() error {
	s.cancel()
	<-s.done
	return s.Err()
}

// Err はストリームが異常終了した場合のエラーを返す
func (s *ffmpegStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ffmpegStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type limitedWriter struct {
	mu    sync.Mutex
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// sinkGate はコールバック型のバックエンドで sink の呼び出しを止めるための門。
// Close は実行中の Deliver が戻るまで待つので、戻った後は sink が呼ばれない
type sinkGate struct {
	mu     sync.RWMutex
	active bool
}

func (g *sinkGate) Open() {
	g.mu.Lock()
	g.active = true
	g.mu.Unlock()
}

func (g *sinkGate) Close() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}

// Deliver は門が開いていれば sink を呼ぶ
func (g *sinkGate) Deliver(sink FrameSink, data []byte, captured time.Time) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.active {
		return false
	}
	sink(data, captured)
	return true
}

// sinkForMode は変換器が出力したフレームを mode の値域に合わせる sink を返す。
// ffmpeg の gray16le と GStreamer の GRAY16_LE は16ビット全域に伸ばすので、
// L12 では12ビットに戻す
func sinkForMode(mode PixelMode, sink FrameSink) FrameSink {
	if mode != PixelL12 {
		return sink
	}
	var (
		mu  sync.Mutex
		buf []byte
	)
	return func(data []byte, captured time.Time) {
		mu.Lock()
		defer mu.Unlock()
		if cap(buf) < len(data) {
			buf = make([]byte, len(data))
		}
		buf = buf[:len(data)]
		for i := 0; i+1 < len(data); i += 2 {
			v := (uint16(data[i]) | uint16(data[i+1])<<8) >> 4
			buf[i] = byte(v)
			buf[i+1] = byte(v >> 8)
		}
		sink(buf, captured)
	}
}

func rawFrameSize(width, height int, pixFmt string) int {
	switch pixFmt {
	case "gray", "bayer_bggr8", "bayer_gbrg8", "bayer_grbg8", "bayer_rggb8":
		return width * height
	case "gray16le":
		return width * height * 2
	case "rgb24":
		return width * height * 3
	default:
		return 0
	}
}

func parseInfo(output string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		info[key] = strings.TrimSpace(parts[1])
	}
	return info
}

var (
	controlLine = regexp.MustCompile(`^\s*([a-z0-9_]+)\s+0x[0-9a-f]+\s+\((\w+)\)\s*:\s*(.*)$`)
	controlAttr = regexp.MustCompile(`(\w+)=(-?\d+)`)
)

// parseControls は --list-ctrls の出力を解析する
func parseControls(output string) map[string]V4L2Control {
	controls := make(map[string]V4L2Control)
	for _, line := range strings.Split(output, "\n") {
		m := controlLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ctrl := V4L2Control{Name: m[1], Type: m[2]}
		for _, attr := range controlAttr.FindAllStringSubmatch(m[3], -1) {
			v, err := strconv.Atoi(attr[2])
			if err != nil {
				continue
			}
			switch attr[1] {
			case "min":
				ctrl.Min = v
			case "max":
				ctrl.Max = v
			case "step":
				ctrl.Step = v
			case "default":
				ctrl.Default = v
			case "value":
				ctrl.Value = v
			}
		}
		controls[ctrl.Name] = ctrl
	}
	return controls
}

var (
	formatLine   = regexp.MustCompile(`^\[\d+\]:\s+'([^']+)'\s*(?:\((.*)\))?`)
	sizeLine     = regexp.MustCompile(`^Size:\s+\w+\s+(\d+)x(\d+)`)
	intervalLine = regexp.MustCompile(`^Interval:\s+\w+\s+[\d.]+s\s+\(([\d.]+)\s+fps\)`)
)

// parseFormats は --list-formats-ext の出力を解析する
func parseFormats(output string) []V4L2Format {
	var formats []V4L2Format
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if m := formatLine.FindStringSubmatch(line); m != nil {
			formats = append(formats, V4L2Format{FourCC: strings.TrimSpace(m[1]), Description: m[2]})
			continue
		}
		if len(formats) == 0 {
			continue
		}
		f := &formats[len(formats)-1]
		if m := sizeLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			f.Sizes = append(f.Sizes, V4L2FrameSize{Resolution: Resolution{Width: w, Height: h}})
			continue
		}
		if m := intervalLine.FindStringSubmatch(line); m != nil && len(f.Sizes) > 0 {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			s := &f.Sizes[len(f.Sizes)-1]
			s.FrameRates = append(s.FrameRates, fps)
		}
	}
	return formats
}

// fourccPixelMode はV4L2のFourCCをピクセル形式に対応付ける
func fourccPixelMode(fourcc string) (PixelMode, bool) {
	switch fourcc {
	case "GREY":
		return PixelL8, true
	case "Y10", "Y12":
		return PixelL12, true
	case "Y16":
		return PixelL16, true
	case "YUYV", "MJPG", "RGB3", "BGR3", "NV12", "UYVY":
		return PixelRGB8, true
	case "BA81", "GBRG", "GRBG", "RGGB":
		return PixelBayer8, true
	default:
		return PixelUnallocated, false
	}
}

// ffmpegPixFmt はピクセル形式とFourCCからffmpegの出力形式を決める
func ffmpegPixFmt(mode PixelMode, fourcc string) string {
	switch mode {
	case PixelL8:
		return "gray"
	case PixelL12, PixelL16:
		return "gray16le"
	case PixelRGB8:
		return "rgb24"
	case PixelBayer8:
		switch fourcc {
		case "GBRG":
			return "bayer_gbrg8"
		case "GRBG":
			return "bayer_grbg8"
		case "RGGB":
			return "bayer_rggb8"
		default:
			return "bayer_bggr8"
		}
	default:
		return ""
	}
}

// ffmpegInputFormat はFourCCに対応するffmpeg v4l2 の -input_format を返す
func ffmpegInputFormat(fourcc string) string {
	switch fourcc {
	case "MJPG":
		return "mjpeg"
	case "YUYV":
		return "yuyv422"
	case "GREY":
		return "gray"
	case "Y16":
		return "gray16le"
	default:
		return ""
	}
}
