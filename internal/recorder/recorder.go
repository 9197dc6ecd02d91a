// Package recorder は開いているデバイスの最新フレームを定期的に画像として保存する。
//
// 保存先は <output>/<device_id>/<index>.png|jpg で、同じディレクトリの
// index.cbor に1枚ごとの索引を追記する。
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mvision/internal/camera"
)

// Source は記録対象のデバイス。*camera.Device が実装する
type Source interface {
	ID() string
	State() camera.DeviceState
	GetFrame() (camera.Frame, error)
}

// SourceList は記録時点の対象デバイスを返す
type SourceList func() []Source

// Config はレコーダーの設定
type Config struct {
	OutputDir string
	Interval  time.Duration
	Format    Format
	Quality   int
}

// Status はレコーダーの現在状態
type Status struct {
	Running      bool      `json:"running"`
	OutputDir    string    `json:"output_dir"`
	Interval     string    `json:"interval"`
	Saved        uint64    `json:"saved"`
	Skipped      uint64    `json:"skipped"` // 通し番号が進んでいなかった数
	Errors       uint64    `json:"errors"`
	LastSnapshot time.Time `json:"last_snapshot"`
}

// Recorder は定期スナップショットを管理する
type Recorder struct {
	cfg     Config
	sources SourceList
	logger  *slog.Logger

	mu      sync.Mutex
	last    map[string]uint64 // 最後に保存した通し番号
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	status  Status

	now func() time.Time
}

// New は新しい Recorder を作成する
func New(cfg Config, sources SourceList, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatJPEG
	}
	return &Recorder{
		cfg:     cfg,
		sources: sources,
		logger:  logger,
		last:    make(map[string]uint64),
		now:     time.Now,
	}
}

// Start は定期スナップショットを開始する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("レコーダーは既に開始しています")
	}
	if r.cfg.Interval <= 0 {
		return fmt.Errorf("無効な撮影間隔: %s", r.cfg.Interval)
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.captureLoop(ctx, r.stopCh)

	r.logger.Info("recorder: 開始しました", "output_dir", r.cfg.OutputDir, "interval", r.cfg.Interval)
	return nil
}

// Stop は定期スナップショットを停止する
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		r.logger.Warn("recorder: 停止がタイムアウトしました")
	case <-ctx.Done():
		r.logger.Warn("recorder: 停止処理を中断しました", "error", ctx.Err())
	}

	r.logger.Info("recorder: 停止しました")
	return nil
}

func (r *Recorder) captureLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.Snapshot(ctx); err != nil {
				r.logger.Warn("recorder: スナップショットに失敗しました", "error", err)
			}
		}
	}
}

// Snapshot は開いている全デバイスの最新フレームを1枚ずつ保存し、保存した枚数を返す。
// 前回から通し番号が進んでいないデバイスは飛ばす
func (r *Recorder) Snapshot(ctx context.Context) (int, error) {
	var sources []Source
	if r.sources != nil {
		sources = r.sources()
	}

	saved := 0
	var errs []error
	for _, src := range sources {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !src.State().IsOpen() {
			continue
		}
		frame, err := src.GetFrame()
		if err != nil {
			if !errors.Is(err, camera.ErrNoFrame) && !errors.Is(err, camera.ErrState) {
				errs = append(errs, fmt.Errorf("%s: %w", src.ID(), err))
			}
			continue
		}

		r.mu.Lock()
		last, seen := r.last[src.ID()]
		r.mu.Unlock()
		if seen && frame.Index <= last {
			r.mu.Lock()
			r.status.Skipped++
			r.mu.Unlock()
			continue
		}

		if err := r.save(src.ID(), frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.ID(), err))
			continue
		}
		saved++
	}

	r.mu.Lock()
	r.status.Saved += uint64(saved)
	r.status.Errors += uint64(len(errs))
	r.status.LastSnapshot = r.now()
	r.mu.Unlock()

	return saved, errors.Join(errs...)
}

func (r *Recorder) save(deviceID string, frame camera.Frame) error {
	data, err := EncodeImage(frame, r.cfg.Format, r.cfg.Quality)
	if err != nil {
		return err
	}

	dir := r.deviceDir(deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}

	name := fmt.Sprintf("%010d%s", frame.Index, r.cfg.Format.Ext())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("画像の書き込みに失敗: %w", err)
	}

	rec := Record{
		Index:     frame.Index,
		Timestamp: frame.Timestamp,
		Captured:  frame.Captured,
		Saved:     r.now(),
		Width:     frame.Width,
		Height:    frame.Height,
		PixelMode: frame.PixelMode.String(),
		File:      name,
		Size:      len(data),
	}
	if err := appendRecord(filepath.Join(dir, IndexFile), rec); err != nil {
		return err
	}

	r.mu.Lock()
	r.last[deviceID] = frame.Index
	r.mu.Unlock()

	r.logger.Debug("recorder: 保存しました", "device_id", deviceID, "index", frame.Index, "file", name)
	return nil
}

// Recordings は deviceID の索引を返す
func (r *Recorder) Recordings(deviceID string) ([]Record, error) {
	return ReadIndex(filepath.Join(r.deviceDir(deviceID), IndexFile))
}

// Status は現在の状態を返す
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Running = r.running
	s.OutputDir = r.cfg.OutputDir
	s.Interval = r.cfg.Interval.String()
	return s
}

// Format は保存する画像形式を返す
func (r *Recorder) Format() Format {
	return r.cfg.Format
}

func (r *Recorder) deviceDir(deviceID string) string {
	return filepath.Join(r.cfg.OutputDir, safeName(deviceID))
}

// safeName はデバイスIDをディレクトリ名に使える形にする
func safeName(id string) string {
	s := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		default:
			return '_'
		}
	}, id)
	if s == "" || strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}
