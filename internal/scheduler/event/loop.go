package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler processes one event. It must not block on I/O; long running work is started asynchronously and
// reports back by posting another event.
type Handler func(ctx context.Context, e Event)

// Observer receives loop statistics.
type Observer interface {
	EventProcessed(t Type, duration time.Duration)
	QueueDepth(depth int)
}

var ErrLoopStopped = errors.New("event loop is stopped")

// Loop is a single FIFO dispatcher. Handlers run one at a time on the loop goroutine, each to completion
// before the next event is taken, so events posted by the same producer are handled in posting order. The
// queue is unbounded so that handlers may post without deadlocking the loop.
type Loop struct {
	mu       sync.Mutex
	queue    []Event
	signal   chan struct{}
	stopping bool
	running  bool
	done     chan struct{}
	observer Observer
}

func NewLoop(observer Observer) *Loop {
	return &Loop{
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		observer: observer,
	}
}

// Post appends e to the queue. Fails once Stop has been called.
func (l *Loop) Post(e Event) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return errors.WithStack(ErrLoopStopped)
	}
	l.queue = append(l.queue, e)
	depth := len(l.queue)
	l.mu.Unlock()
	if l.observer != nil {
		l.observer.QueueDepth(depth)
	}
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches events to handler until ctx is cancelled or Stop is called and the queue has drained.
func (l *Loop) Run(ctx context.Context, handler Handler) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("event loop is already running")
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		e, ok, stopped := l.next()
		if ok {
			l.dispatch(ctx, handler, e)
			continue
		}
		if stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

func (l *Loop) next() (Event, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false, l.stopping
	}
	e := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	if l.observer != nil {
		l.observer.QueueDepth(len(l.queue))
	}
	return e, true, false
}

func (l *Loop) dispatch(ctx context.Context, handler Handler, e Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event", e.Type()).
				WithField("stacktrace", string(debug.Stack())).
				Errorf("recovered from panic in event handler: %s", fmt.Sprint(r))
		}
		if l.observer != nil {
			l.observer.EventProcessed(e.Type(), time.Since(start))
		}
	}()
	handler(ctx, e)
}

// Stop rejects further posts. Run returns once every event already queued has been handled.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
