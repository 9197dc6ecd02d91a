// Package console はデバイスを操作する対話型コンソールを提供する
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"mvision/internal/camera"
)

// ErrExit は exit コマンドで返る
var ErrExit = errors.New("console: 終了")

// Console は1台の選択中デバイスに対してコマンドを実行する
type Console struct {
	manager *camera.Manager
	out     io.Writer
	current string
}

// New は新しい Console を作成する。最初のデバイスを選択状態にする
func New(manager *camera.Manager, out io.Writer) *Console {
	c := &Console{manager: manager, out: out}
	if devices := manager.Devices(); len(devices) > 0 {
		c.current = devices[0].ID()
	}
	return c
}

// Current は選択中のデバイスIDを返す
func (c *Console) Current() string {
	return c.current
}

// Run は readline でコマンドを読み、exit か EOF まで実行する
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mvision> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return fmt.Errorf("readline の作成に失敗: %w", err)
	}
	defer rl.Close()

	c.out = rl.Stdout()
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			cancel()
			return nil
		}

		if err := c.Execute(ctx, line); err != nil {
			if errors.Is(err, ErrExit) {
				cancel()
				return nil
			}
			fmt.Fprintf(c.out, "エラー: %v\n", err)
		}
	}
}

func completer() *readline.PrefixCompleter {
	names := []string{
		"devices", "use", "open", "start", "stop", "close", "state", "spec",
		"exposure", "gain", "focus", "sharpness", "trigger", "fire", "gpo",
		"frame", "reset", "stats", "help", "exit",
	}
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, n := range names {
		items[i] = readline.PcItem(n)
	}
	return readline.NewPrefixCompleter(items...)
}

// Execute は1行分のコマンドを実行する
func (c *Console) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil
	case "exit", "quit", "q":
		return ErrExit
	case "devices", "ls":
		c.cmdDevices()
		return nil
	case "use":
		return c.cmdUse(args)
	}

	device, err := c.device()
	if err != nil {
		return err
	}

	switch cmd {
	case "open":
		return c.cmdOpen(ctx, device, args)
	case "start":
		return c.report(device, device.StartCapture(ctx))
	case "stop":
		return c.report(device, device.StopCapture(ctx))
	case "close":
		return c.report(device, device.Close(ctx))
	case "state":
		fmt.Fprintf(c.out, "%s: %s\n", device.ID(), device.State())
		return nil
	case "spec":
		return c.cmdSpec(device)
	case "exposure":
		return c.cmdExposure(ctx, device, args)
	case "gain":
		return c.cmdPercent(ctx, args, device.SetGain)
	case "focus":
		return c.cmdPercent(ctx, args, device.SetFocus)
	case "sharpness":
		return c.cmdPercent(ctx, args, device.SetSharpness)
	case "trigger":
		return c.cmdTrigger(ctx, device, args)
	case "fire":
		return c.report(device, device.SoftwareTrigger(ctx))
	case "gpo":
		return c.cmdGPO(ctx, device, args)
	case "frame":
		return c.cmdFrame(device)
	case "reset":
		return c.report(device, device.ResetTimestamp())
	case "stats":
		c.cmdStats(device)
		return nil
	default:
		return fmt.Errorf("不明なコマンド: %s ('help' で一覧)", cmd)
	}
}

func (c *Console) device() (*camera.Device, error) {
	if c.current == "" {
		return nil, errors.New("デバイスが選択されていません ('use <id>')")
	}
	return c.manager.Device(c.current)
}

func (c *Console) report(device *camera.Device, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %s\n", device.ID(), device.State())
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `コマンド:
  devices                 デバイス一覧
  use <id>                操作するデバイスを選ぶ
  open [WxH[@fps]] [mode] オープン (例: open 640x480@30 l8)
  start | stop | close    キャプチャ開始、停止、クローズ
  state | spec | stats    状態、仕様、フレーム統計
  exposure <us>           露光時間 (マイクロ秒)
  gain|focus|sharpness <0-100>
  trigger <mode> [signal] トリガー設定 (device, software, gpio1, gpio2)
  fire                    ソフトウェアトリガー
  gpo <mode>              GPO設定
  frame                   最新フレームの情報
  reset                   タイムスタンプの基準をリセット
  exit                    終了`)
}

func (c *Console) cmdDevices() {
	devices := c.manager.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "デバイスがありません")
		return
	}
	for _, d := range devices {
		mark := " "
		if d.ID() == c.current {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %-12s %-10s %s\n", mark, d.ID(), d.State(), d.Name())
	}
}

func (c *Console) cmdUse(args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: use <id>")
	}
	if _, err := c.manager.Device(args[0]); err != nil {
		return err
	}
	c.current = args[0]
	fmt.Fprintf(c.out, "%s を選択しました\n", c.current)
	return nil
}

func (c *Console) cmdOpen(ctx context.Context, device *camera.Device, args []string) error {
	cfg := device.OpenConfig()
	if opts, ok := c.manager.Options(device.ID()); ok && cfg == (camera.OpenConfig{}) {
		cfg = opts.Open
	}
	for _, arg := range args {
		if strings.ContainsAny(arg, "x@") {
			if err := parseGeometry(arg, &cfg); err != nil {
				return err
			}
			continue
		}
		mode, err := camera.ParsePixelMode(arg)
		if err != nil {
			return err
		}
		cfg.PixelMode = mode
	}
	return c.report(device, device.Open(ctx, cfg))
}

// parseGeometry は "640x480@30"、"640x480"、"@15" を解釈する
func parseGeometry(s string, cfg *camera.OpenConfig) error {
	size, fps, hasFPS := strings.Cut(s, "@")
	if size != "" {
		w, h, ok := strings.Cut(size, "x")
		if !ok {
			return fmt.Errorf("解像度の形式が不正です: %q", s)
		}
		width, err := strconv.Atoi(w)
		if err != nil || width <= 0 {
			return fmt.Errorf("幅が不正です: %q", s)
		}
		height, err := strconv.Atoi(h)
		if err != nil || height <= 0 {
			return fmt.Errorf("高さが不正です: %q", s)
		}
		cfg.Width, cfg.Height = width, height
	}
	if hasFPS {
		rate, err := strconv.ParseFloat(fps, 64)
		if err != nil || rate <= 0 {
			return fmt.Errorf("フレームレートが不正です: %q", s)
		}
		cfg.FrameRate = rate
	}
	return nil
}

func (c *Console) cmdSpec(device *camera.Device) error {
	spec, err := device.Specification()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "名前:       %s (%s)\n", spec.Name, spec.Driver)
	fmt.Fprintf(c.out, "キャプチャ: %dx%d @ %g fps, %s\n", spec.Width, spec.Height, spec.FrameRate, spec.PixelMode)
	fmt.Fprintf(c.out, "機能:       %s\n", joinNames(spec.Features.List()))
	fmt.Fprintf(c.out, "形式:       %s\n", joinNames(spec.PixelModes.List()))
	if modes := spec.Triggers.Modes(); len(modes) > 0 {
		fmt.Fprintf(c.out, "トリガー:   %s\n", joinNames(modes))
	}
	if modes := spec.GPOModes.List(); len(modes) > 0 {
		fmt.Fprintf(c.out, "GPO:        %s\n", joinNames(modes))
	}
	return nil
}

func joinNames[T fmt.Stringer](items []T) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.String()
	}
	return strings.Join(names, ", ")
}

func (c *Console) cmdExposure(ctx context.Context, device *camera.Device, args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: exposure <us>")
	}
	us, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("露光時間が不正です: %q", args[0])
	}
	if err := device.SetExposure(ctx, camera.Microseconds(us)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "露光時間: %dus\n", us)
	return nil
}

func (c *Console) cmdPercent(ctx context.Context, args []string, set func(context.Context, float64) error) error {
	if len(args) != 1 {
		return errors.New("0〜100 の値を指定してください")
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("数値ではありません: %q", args[0])
	}
	if err := set(ctx, v); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "設定しました: %g\n", v)
	return nil
}

func (c *Console) cmdTrigger(ctx context.Context, device *camera.Device, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(c.out, "トリガー: %s\n", device.TriggerSettings())
		return nil
	}
	mode, err := camera.ParseTriggerMode(args[0])
	if err != nil {
		return err
	}
	var signal camera.TriggerSignalType
	if len(args) > 1 {
		if signal, err = camera.ParseTriggerSignal(args[1]); err != nil {
			return err
		}
	}
	applied, err := device.ConfigureTrigger(ctx, mode, signal)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "トリガー: %s\n", applied)
	return nil
}

func (c *Console) cmdGPO(ctx context.Context, device *camera.Device, args []string) error {
	if len(args) == 0 {
		if mode, ok := device.GPOMode(); ok {
			fmt.Fprintf(c.out, "GPO: %s\n", mode)
		} else {
			fmt.Fprintln(c.out, "GPO: 未設定")
		}
		return nil
	}
	mode, err := camera.ParseGPOMode(args[0])
	if err != nil {
		return err
	}
	if err := device.ConfigureGPO(ctx, mode); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "GPO: %s\n", mode)
	return nil
}

func (c *Console) cmdFrame(device *camera.Device) error {
	frame, err := device.GetFrame()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "#%d t=%s %dx%d %s %d bytes\n",
		frame.Index, frame.Timestamp.Round(time.Microsecond), frame.Width, frame.Height, frame.PixelMode, len(frame.Data))
	return nil
}

func (c *Console) cmdStats(device *camera.Device) {
	s := device.Stats()
	fmt.Fprintf(c.out, "delivered=%d overwritten=%d rejected=%d last_index=%d\n",
		s.Delivered, s.Overwritten, s.Rejected, s.LastIndex)
}
