package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu        sync.Mutex
	processed map[Type]int
	maxDepth  int
}

func (o *countingObserver) EventProcessed(t Type, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed[t]++
}

func (o *countingObserver) QueueDepth(depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if depth > o.maxDepth {
		o.maxDepth = depth
	}
}

func TestLoop_ProcessesInOrder(t *testing.T) {
	observer := &countingObserver{processed: map[Type]int{}}
	loop := NewLoop(observer)
	for i := 0; i < 10; i++ {
		require.NoError(t, loop.Post(TaskEnqueued{TaskId: string(rune('a' + i))}))
	}

	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		<-time.After(10 * time.Millisecond)
		loop.Stop()
	}()
	err := loop.Run(ctx, func(_ context.Context, e Event) {
		got = append(got, e.(TaskEnqueued).TaskId)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, got)
	assert.Equal(t, 10, observer.processed[TypeTaskEnqueued])
	assert.Equal(t, 10, observer.maxDepth)
}

func TestLoop_HandlersMayPost(t *testing.T) {
	loop := NewLoop(nil)
	require.NoError(t, loop.Post(Timeout{JobId: "0"}))

	var seen []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := loop.Run(ctx, func(_ context.Context, e Event) {
		id := e.(Timeout).JobId
		seen = append(seen, id)
		if len(seen) < 5 {
			require.NoError(t, loop.Post(Timeout{JobId: id + "+"}))
		} else {
			loop.Stop()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0+", "0++", "0+++", "0++++"}, seen)
}

func TestLoop_HandlersDoNotOverlap(t *testing.T) {
	loop := NewLoop(nil)
	var active, maxActive int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, loop.Post(FinishTask{}))
			}
		}()
	}

	processed := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		wg.Wait()
		loop.Stop()
	}()
	err := loop.Run(ctx, func(_ context.Context, e Event) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Microsecond)
		mu.Lock()
		active--
		mu.Unlock()
		processed++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 100, processed)
}

func TestLoop_RecoversFromPanics(t *testing.T) {
	loop := NewLoop(nil)
	require.NoError(t, loop.Post(Timeout{JobId: "panic"}))
	require.NoError(t, loop.Post(Timeout{JobId: "ok"}))
	loop.Stop()

	var handled []string
	err := loop.Run(context.Background(), func(_ context.Context, e Event) {
		id := e.(Timeout).JobId
		if id == "panic" {
			panic("boom")
		}
		handled = append(handled, id)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, handled)
	<-loop.Done()
}

func TestLoop_PostAfterStop(t *testing.T) {
	loop := NewLoop(nil)
	loop.Stop()
	assert.ErrorIs(t, loop.Post(Timeout{}), ErrLoopStopped)
	assert.Equal(t, 0, loop.Len())
}

func TestLoop_ContextCancellation(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loop.Run(ctx, func(context.Context, Event) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := NewLoop(nil)
	loop.Stop()
	require.NoError(t, loop.Run(context.Background(), func(context.Context, Event) {}))
	assert.Error(t, loop.Run(context.Background(), func(context.Context, Event) {}))
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "load_completed", LoadCompleted{}.Type().String())
	assert.Equal(t, "cpu_to_device", CpuToDevice.String())
}
