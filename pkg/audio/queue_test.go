package audio_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

func frameAt(ts time.Duration) audio.Frame {
	return audio.Frame{Data: []byte{0, 0}, SampleRate: 16000, Channels: 1, Timestamp: ts}
}

func TestFrameQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(4)
	for i := range 3 {
		q.Push(frameAt(time.Duration(i)))
	}
	for i := range 3 {
		f, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d: queue unexpectedly empty", i)
		}
		if f.Timestamp != time.Duration(i) {
			t.Errorf("pop %d: got timestamp %v", i, f.Timestamp)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("expected empty queue")
	}
}

func TestFrameQueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(3)
	var callbacks atomic.Int32
	q.OnDrop(func() { callbacks.Add(1) })

	for i := range 5 {
		q.Push(frameAt(time.Duration(i)))
	}

	if got := q.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := callbacks.Load(); got != 2 {
		t.Errorf("drop callback ran %d times, want 2", got)
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	f, _ := q.TryPop()
	if f.Timestamp != 2 {
		t.Errorf("oldest surviving frame = %v, want 2", f.Timestamp)
	}
}

func TestFrameQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(2)
	var wg sync.WaitGroup
	wg.Add(1)
	var got audio.Frame
	var err error
	go func() {
		defer wg.Done()
		got, err = q.Pop(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(frameAt(42))
	wg.Wait()

	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got.Timestamp != 42 {
		t.Errorf("got timestamp %v, want 42", got.Timestamp)
	}
}

func TestFrameQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFrameQueue_CloseDrainsThenErrors(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(2)
	q.Push(frameAt(1))
	q.Close()
	q.Push(frameAt(2)) // ignored

	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("first Pop after Close should drain pending frame: %v", err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, audio.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(2)
	q.Push(frameAt(1))
	q.Push(frameAt(2))
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear", q.Len())
	}
	if q.Dropped() != 0 {
		t.Errorf("Clear must not count drops, got %d", q.Dropped())
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Data: make([]byte, 48000*2*2/100), SampleRate: 48000, Channels: 2}
	if got := f.Duration(); got != 10*time.Millisecond {
		t.Errorf("Duration() = %v, want 10ms", got)
	}
}
