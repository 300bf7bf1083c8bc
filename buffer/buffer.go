// Package buffer accumulates the sub-observations of one step.
//
// The buffer is bounded. When it is full:
//   - May drop: onChat, onLog
//   - Must NOT drop: onError, onDeath, onStuck
//
// A non-droppable event evicts the oldest droppable one. If there is none
// the event is rejected with ErrBufferFull.
package buffer

import (
	"errors"
	"sync"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
)

// DefaultMaxEvents bounds a step's event list when no limit is configured.
const DefaultMaxEvents = 1000

// ErrBufferFull is returned when the buffer is full and the event is
// non-droppable.
var ErrBufferFull = errors.New("buffer full: cannot accept non-droppable event")

// droppableTypes defines which event types may be dropped.
var droppableTypes = map[types.EventType]bool{
	types.EventTypeChat: true,
	types.EventTypeLog:  true,
}

// IsDroppable returns true if the event type may be dropped when full.
func IsDroppable(eventType types.EventType) bool {
	return droppableTypes[eventType]
}

// Stats represents buffer observability counters.
type Stats struct {
	// TotalEvents is the total number of events received.
	TotalEvents int64
	// EventsDropped is the total number of events dropped.
	EventsDropped int64
	// DroppedByType maps event types to drop counts.
	DroppedByType map[types.EventType]int64
	// Rejected counts non-droppable events refused with ErrBufferFull.
	Rejected int64
}

// Recorder receives per-event counters. metrics.Collector satisfies it.
type Recorder interface {
	IncBufferEvent()
	IncBufferDropped()
}

// Buffer holds the events of the current step.
type Buffer struct {
	maxEvents int
	logger    *log.Logger
	recorder  Recorder

	mu     sync.Mutex
	events []types.Event
	stats  Stats
	// stepDropped counts drops since the last Drain.
	stepDropped int64
}

// New creates a buffer holding at most maxEvents events.
// maxEvents <= 0 selects DefaultMaxEvents. logger and recorder may be nil.
func New(maxEvents int, logger *log.Logger, recorder Recorder) *Buffer {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Buffer{
		maxEvents: maxEvents,
		logger:    logger,
		recorder:  recorder,
		events:    make([]types.Event, 0, min(maxEvents, 64)),
		stats:     Stats{DroppedByType: make(map[types.EventType]int64)},
	}
}

// Add appends ev, applying drop rules if the buffer is full.
func (b *Buffer) Add(ev types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalEvents++
	if b.recorder != nil {
		b.recorder.IncBufferEvent()
	}

	if len(b.events) < b.maxEvents {
		b.events = append(b.events, ev)
		return nil
	}

	if IsDroppable(ev.Type) {
		b.dropLocked(ev.Type)
		return nil
	}

	if b.dropOldestDroppableLocked() {
		b.events = append(b.events, ev)
		return nil
	}

	b.stats.Rejected++
	if b.logger != nil {
		b.logger.Error("buffer overflow", map[string]any{
			"event_type": string(ev.Type),
		})
	}
	return ErrBufferFull
}

func (b *Buffer) dropOldestDroppableLocked() bool {
	for i, ev := range b.events {
		if IsDroppable(ev.Type) {
			b.events = append(b.events[:i], b.events[i+1:]...)
			b.dropLocked(ev.Type)
			return true
		}
	}
	return false
}

func (b *Buffer) dropLocked(eventType types.EventType) {
	b.stats.EventsDropped++
	b.stats.DroppedByType[eventType]++
	b.stepDropped++
	if b.recorder != nil {
		b.recorder.IncBufferDropped()
	}
	if b.logger != nil {
		b.logger.Warn("event dropped", map[string]any{
			"event_type": string(eventType),
			"reason":     "buffer_full",
		})
	}
}

// Drain returns the buffered events and the number dropped since the last
// drain, then empties the buffer.
func (b *Buffer) Drain() ([]types.Event, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	dropped := b.stepDropped
	b.events = make([]types.Event, 0, min(b.maxEvents, 64))
	b.stepDropped = 0
	return events, dropped
}

// Reset discards buffered events without returning them.
func (b *Buffer) Reset() {
	b.Drain()
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Stats returns an atomic snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.DroppedByType = make(map[types.EventType]int64, len(b.stats.DroppedByType))
	for k, v := range b.stats.DroppedByType {
		s.DroppedByType[k] = v
	}
	return s
}
