package camera

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T) (*FrameChannel, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFrameChannel()
	c.now = func() time.Time { return now }
	c.ResetTimestamp()
	c.Configure(FrameFormat{Width: 2, Height: 1, PixelMode: PixelL8})
	c.Accept(true)
	return c, &now
}

func TestFrameChannel_NoFrameBeforeDelivery(t *testing.T) {
	c, _ := newTestChannel(t)
	assert.False(t, c.IsFrameNew())
	_, err := c.GetFrame()
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestFrameChannel_EdgeTriggered(t *testing.T) {
	c, now := newTestChannel(t)

	require.True(t, c.Deliver([]byte{1, 2}, now.Add(5*time.Millisecond)))
	assert.True(t, c.IsFrameNew())
	assert.False(t, c.IsFrameNew(), "1回の到着で true は一度だけ")

	f1, err := c.GetFrame()
	require.NoError(t, err)
	f2, err := c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "GetFrame は同じフレームを返し続ける")
	assert.Equal(t, uint64(0), f1.Index)
	assert.Equal(t, 5*time.Millisecond, f1.Timestamp)
	assert.Equal(t, 2, f1.Width)
	assert.Equal(t, PixelL8, f1.PixelMode)
}

func TestFrameChannel_OverwriteKeepsLatest(t *testing.T) {
	c, now := newTestChannel(t)

	c.Deliver([]byte{1, 1}, *now)
	c.Deliver([]byte{2, 2}, *now)
	c.Deliver([]byte{3, 3}, *now)

	assert.True(t, c.IsFrameNew())
	f, err := c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Index)
	assert.Equal(t, []byte{3, 3}, f.Data)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Overwritten)
}

func TestFrameChannel_LentFrameIsStable(t *testing.T) {
	c, now := newTestChannel(t)

	src := []byte{10, 20}
	c.Deliver(src, *now)
	src[0] = 99 // 呼び出し後の再利用はチャネルに影響しない

	held, err := c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 20}, held.Data)

	// 両方のスロットを何度も書き換えても、渡したバッファは変わらない
	for i := 0; i < 5; i++ {
		c.Deliver([]byte{byte(i), byte(i)}, *now)
	}
	assert.Equal(t, []byte{10, 20}, held.Data)
	assert.Equal(t, uint64(0), held.Index)
}

func TestFrameChannel_RejectsWhenNotAccepting(t *testing.T) {
	c, now := newTestChannel(t)
	c.Accept(false)

	assert.False(t, c.Deliver([]byte{1, 2}, *now))
	assert.False(t, c.IsFrameNew())
	assert.Equal(t, uint64(1), c.Stats().Rejected)
}

func TestFrameChannel_IndexSurvivesClear(t *testing.T) {
	c, now := newTestChannel(t)
	c.Deliver([]byte{1, 2}, *now)
	c.Deliver([]byte{1, 2}, *now)

	c.Clear()
	_, err := c.GetFrame()
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.False(t, c.IsFrameNew())

	c.Deliver([]byte{1, 2}, *now)
	f, err := c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Index, "通し番号はリセットされない")
}

func TestFrameChannel_ResetTimestamp(t *testing.T) {
	c, now := newTestChannel(t)

	*now = now.Add(time.Second)
	c.ResetTimestamp()
	c.Deliver([]byte{1, 2}, now.Add(10*time.Millisecond))
	f, err := c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, f.Timestamp)

	// 基準時刻より前に取得されたフレームは0に丸める
	c.Deliver([]byte{1, 2}, now.Add(-time.Second))
	f, err = c.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), f.Timestamp)
}

func TestFrameChannel_UpdatedSignals(t *testing.T) {
	c, now := newTestChannel(t)
	updated := c.Updated()

	select {
	case <-updated:
		t.Fatal("フレーム到着前にシグナルされた")
	default:
	}

	c.Deliver([]byte{1, 2}, *now)
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("Updated がシグナルされない")
	}
}

func TestFrameChannel_ConcurrentDelivery(t *testing.T) {
	c := NewFrameChannel()
	c.Configure(FrameFormat{Width: 4, Height: 4, PixelMode: PixelL8})
	c.Accept(true)

	const writers, perWriter = 4, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			data := make([]byte, 16)
			for i := 0; i < perWriter; i++ {
				for j := range data {
					data[j] = byte(w)
				}
				c.Deliver(data, time.Now())
			}
		}(w)
	}

	done := make(chan struct{})
	var last uint64
	var sawFrame bool
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if !c.IsFrameNew() {
				continue
			}
			f, err := c.GetFrame()
			if err != nil {
				continue
			}
			// フレームの中身は1つの書き込みだけから来る
			for _, b := range f.Data {
				if b != f.Data[0] {
					t.Errorf("フレームが混在しています: %v", f.Data)
					return
				}
			}
			if sawFrame && f.Index < last {
				t.Errorf("通し番号が戻りました: %d < %d", f.Index, last)
				return
			}
			last, sawFrame = f.Index, true
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, uint64(writers*perWriter), c.Stats().Delivered)
}
