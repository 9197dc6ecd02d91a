package camera

import (
	"sync"
	"time"
)

// Frame はキャプチャされた1フレーム
type Frame struct {
	Index     uint64        `json:"index"`     // セッションを跨いで単調増加する通し番号
	Timestamp time.Duration `json:"timestamp"` // タイムスタンプ基準時刻からの経過時間
	Captured  time.Time     `json:"captured"`  // バックエンドが報告した取得時刻
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	PixelMode PixelMode     `json:"pixel_mode"`
	Data      []byte        `json:"-"`
}

// FrameFormat はチャネルに届くフレームの形式
type FrameFormat struct {
	Width     int
	Height    int
	PixelMode PixelMode
}

// FrameStats はフレームチャネルの統計
type FrameStats struct {
	Delivered    uint64    `json:"delivered"`
	Overwritten  uint64    `json:"overwritten"` // IsFrameNew で報告される前に上書きされた数
	Rejected     uint64    `json:"rejected"`    // 受付停止中に破棄された数
	LastIndex    uint64    `json:"last_index"`
	LastCaptured time.Time `json:"last_captured"`
	HasFrame     bool      `json:"has_frame"`
}

type frameSlot struct {
	frame Frame
	buf   []byte
	lent  bool // 利用者に渡したバッファは二度と書き込まない
}

// FrameChannel はバックエンドの非同期コールバックと利用者のポーリングを橋渡しする。
// ダブルバッファで、書き込みは裏スロットに行い、完了後に表裏を切り替える
type FrameChannel struct {
	writeMu sync.Mutex // 書き込み側の直列化
	mu      sync.Mutex

	slots     [2]frameSlot
	front     int
	hasFrame  bool
	fresh     bool
	accepting bool
	nextIndex uint64
	epoch     time.Time
	format    FrameFormat
	updated   chan struct{}
	stats     FrameStats

	now func() time.Time
}

// NewFrameChannel は新しい FrameChannel を作成する
func NewFrameChannel() *FrameChannel {
	c := &FrameChannel{
		front:   -1,
		updated: make(chan struct{}),
		now:     time.Now,
	}
	c.epoch = c.now()
	return c
}

// Configure はこれから届くフレームの形式を設定する
func (c *FrameChannel) Configure(format FrameFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = format
}

// Accept はフレーム受付の可否を切り替える
func (c *FrameChannel) Accept(accepting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepting = accepting
}

// Deliver はバックエンドからフレームを受け取る。任意のgoroutineから呼び出せる。
// data はコピーされるので、呼び出し後すぐに再利用してよい。
// 受付停止中のフレームは破棄され false を返す
func (c *FrameChannel) Deliver(data []byte, captured time.Time) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.accepting {
		c.stats.Rejected++
		c.mu.Unlock()
		return false
	}
	back := c.backSlot()
	c.mu.Unlock()

	// 裏スロットには利用者がアクセスしないのでロック外でコピーする
	s := &c.slots[back]
	if s.lent || cap(s.buf) < len(data) {
		s.buf = make([]byte, len(data))
		s.lent = false
	}
	s.buf = s.buf[:len(data)]
	copy(s.buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.accepting {
		c.stats.Rejected++
		return false
	}
	if captured.IsZero() {
		captured = c.now()
	}
	ts := captured.Sub(c.epoch)
	if ts < 0 {
		ts = 0
	}

	s.frame = Frame{
		Index:     c.nextIndex,
		Timestamp: ts,
		Captured:  captured,
		Width:     c.format.Width,
		Height:    c.format.Height,
		PixelMode: c.format.PixelMode,
		Data:      s.buf,
	}
	c.nextIndex++

	if c.fresh {
		c.stats.Overwritten++
	}
	c.front = back
	c.hasFrame = true
	c.fresh = true

	c.stats.Delivered++
	c.stats.LastIndex = s.frame.Index
	c.stats.LastCaptured = captured
	c.stats.HasFrame = true

	close(c.updated)
	c.updated = make(chan struct{})
	return true
}

// IsFrameNew は前回の呼び出し以降に新しいフレームが届いたかを返す。
// 1回の到着につき true を返すのは一度だけ
func (c *FrameChannel) IsFrameNew() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.fresh
	c.fresh = false
	return v
}

// GetFrame は最新のフレームを返す。何度呼んでも同じフレームを返す。
// まだフレームが無ければ ErrNoFrame
func (c *FrameChannel) GetFrame() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasFrame {
		return Frame{}, ErrNoFrame
	}
	s := &c.slots[c.front]
	s.lent = true
	return s.frame, nil
}

// ResetTimestamp はタイムスタンプの基準時刻を現在時刻にする
func (c *FrameChannel) ResetTimestamp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = c.now()
}

// Epoch はタイムスタンプの基準時刻を返す
func (c *FrameChannel) Epoch() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Clear は保持しているフレームを破棄する。通し番号はリセットしない
func (c *FrameChannel) Clear() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if c.slots[i].lent {
			c.slots[i] = frameSlot{}
			continue
		}
		c.slots[i].frame = Frame{}
	}
	c.front = -1
	c.hasFrame = false
	c.fresh = false
	c.stats.HasFrame = false
}

// Updated は次のフレーム到着時にクローズされるチャネルを返す
func (c *FrameChannel) Updated() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}

// Stats は統計のスナップショットを返す
func (c *FrameChannel) Stats() FrameStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// backSlot は次に書き込むスロット番号を返す（mu保持前提）
func (c *FrameChannel) backSlot() int {
	if c.front < 0 {
		return 0
	}
	return 1 - c.front
}
