package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FrameSource は Poller が読むフレームの供給元。*Device が実装する
type FrameSource interface {
	ID() string
	IsFrameNew() bool
	GetFrame() (Frame, error)
	Updated() <-chan struct{}
}

// Subscription は Poller からフレームを受け取る1件の購読。
// 受信側が遅れた場合は古いフレームを捨てて最新だけを残す
type Subscription struct {
	id      uint64
	ch      chan Frame
	poller  *Poller
	dropped atomic.Uint64
	once    sync.Once
}

// C はフレームを受け取るチャネルを返す。購読解除でクローズされる
func (s *Subscription) C() <-chan Frame { return s.ch }

// Dropped は受信されずに上書きされたフレーム数を返す
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel は購読を解除する
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.poller.unsubscribe(s.id) })
}

func (s *Subscription) offer(f Frame) {
	select {
	case s.ch <- f:
		return
	default:
	}
	// 満杯なら古い方を捨てる
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
	}
}

// Poller は1台のデバイスを一定間隔でポーリングし、新しいフレームを購読者に配る。
// IsFrameNew を読むのは Poller だけにする
type Poller struct {
	source   FrameSource
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	// 最後に配った通し番号。IsFrameNew と GetFrame の間に届いたフレームを二度配らない
	lastIndex uint64
	hasLast   bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	polled    atomic.Uint64
	published atomic.Uint64
}

// NewPoller は新しいPollerを作成する。interval が0以下なら10ms
func NewPoller(source FrameSource, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		interval: interval,
		logger:   logger.With("device_id", source.ID()),
		subs:     make(map[uint64]*Subscription),
	}
}

// Start はポーリングを開始する
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return errors.New("ポーラーは既に開始されています")
	}
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(ctx, p.stopCh)
	p.logger.Debug("poller: 開始しました", "interval", p.interval)
	return nil
}

// Stop はポーリングを止め、全ての購読チャネルをクローズする
func (p *Poller) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	p.wg.Wait()

	p.mu.Lock()
	for id, s := range p.subs {
		close(s.ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.logger.Debug("poller: 停止しました")
}

// Running はポーリング中なら true を返す
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

// Subscribe は新しい購読を作成する
func (p *Poller) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	s := &Subscription{id: p.nextID, ch: make(chan Frame, 1), poller: p}
	p.subs[s.id] = s
	return s
}

func (p *Poller) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		close(s.ch)
		delete(p.subs, id)
	}
}

// Subscribers は購読数を返す
func (p *Poller) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Published は購読者に配ったフレーム数を返す
func (p *Poller) Published() uint64 { return p.published.Load() }

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		updated := p.source.Updated()
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-updated:
		case <-ticker.C:
		}
		p.Poll()
	}
}

// Poll は1回だけポーリングする。新しいフレームがあれば購読者に配って true を返す
func (p *Poller) Poll() bool {
	p.polled.Add(1)
	if !p.source.IsFrameNew() {
		return false
	}
	frame, err := p.source.GetFrame()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			p.logger.Warn("poller: フレームの取得に失敗しました", "error", err)
		}
		return false
	}

	p.mu.Lock()
	if p.hasLast && frame.Index <= p.lastIndex {
		p.mu.Unlock()
		return false
	}
	p.lastIndex, p.hasLast = frame.Index, true
	for _, s := range p.subs {
		s.offer(frame)
	}
	p.mu.Unlock()
	p.published.Add(1)
	return true
}
