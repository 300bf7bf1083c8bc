package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/stepwise/ipc"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/world"
)

// StreamError classifies why the server stream ended.
type StreamError struct {
	// Kind says whether the stream broke or the reader was canceled.
	Kind StreamErrorKind
	// Err is the underlying error.
	Err error
}

// StreamErrorKind classifies stream errors.
type StreamErrorKind int

const (
	// StreamErrorFrame indicates a fatal framing error or an unexpected frame.
	StreamErrorFrame StreamErrorKind = iota
	// StreamErrorCanceled indicates context cancellation.
	StreamErrorCanceled
)

func (e *StreamError) Error() string {
	return e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	var sErr *StreamError
	if errors.As(err, &sErr) {
		return sErr.Kind == StreamErrorCanceled
	}
	return false
}

// ingestor reads server frames in order and routes them:
//   - tick and event frames go to the event queue in arrival order
//   - reply frames complete pending calls by id
//   - a kicked frame is forwarded as the final event
//
// Invalid framing is fatal (no resync). A payload that fails to decode is
// logged, counted and skipped.
type ingestor struct {
	decoder   *ipc.FrameDecoder
	queue     *eventQueue
	replies   func(*ipc.ReplyFrame)
	state     func(ipc.TickFrame)
	logger    *log.Logger
	collector *metrics.Collector
	kicked    bool
}

// run reads until EOF, a kick, or a fatal error.
// Returns:
//   - nil: stream ended cleanly (EOF or kicked)
//   - *StreamError with Kind=StreamErrorFrame: frame/stream error
//   - *StreamError with Kind=StreamErrorCanceled: context canceled
func (g *ingestor) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return &StreamError{Kind: StreamErrorCanceled, Err: ctx.Err()}
		default:
		}

		payload, err := g.decoder.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return &StreamError{Kind: StreamErrorCanceled, Err: ctx.Err()}
			}
			g.logger.Error("frame error", map[string]any{
				"error": err.Error(),
			})
			return &StreamError{Kind: StreamErrorFrame, Err: fmt.Errorf("frame error: %w", err)}
		}

		if err := g.process(payload); err != nil {
			return err
		}
		if g.kicked {
			return nil
		}
	}
}

func (g *ingestor) process(payload []byte) error {
	decoded, err := ipc.DecodeFrame(payload)
	if err != nil {
		g.logger.Warn("frame decode error", map[string]any{
			"error": err.Error(),
		})
		g.collector.IncIPCDecodeErrors()
		return nil
	}

	switch f := decoded.(type) {
	case *ipc.TickFrame:
		g.state(*f)
		g.queue.push(world.Event{Kind: world.EventTick, Tick: f.Tick, State: f.State})
	case *ipc.EventFrame:
		g.queue.push(world.Event{Kind: world.EventKind(f.Kind), Tick: f.Tick, State: f.State, Message: f.Message})
	case *ipc.ReplyFrame:
		g.replies(f)
	case *ipc.KickedFrame:
		g.logger.Info("kicked by world", map[string]any{"reason": f.Reason})
		g.kicked = true
		g.queue.push(world.Event{Kind: world.EventKicked, Tick: f.Tick, Message: f.Reason})
	default:
		return &StreamError{Kind: StreamErrorFrame, Err: fmt.Errorf("unexpected frame type: %T", decoded)}
	}
	return nil
}

// eventQueue decouples the frame reader from the event consumer so a
// consumer blocked on a call reply never stalls the reader that delivers
// that reply. Events are never coalesced or dropped.
type eventQueue struct {
	mu     sync.Mutex
	items  []world.Event
	closed bool
	signal chan struct{}
	out    chan world.Event
	done   <-chan struct{}
}

func newEventQueue(done <-chan struct{}) *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan world.Event),
		done:   done,
	}
	go q.forward()
	return q
}

func (q *eventQueue) push(ev world.Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()
	q.wake()
}

// close lets the forwarder drain what is queued, then close out.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-q.signal:
		case <-q.done:
			return
		}
	}
}
