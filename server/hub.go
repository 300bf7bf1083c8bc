package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/log"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// watcherBacklog is the per-watcher queue. A watcher that falls this
	// far behind misses events.
	watcherBacklog = 64
)

// Hub fans step completion events out to websocket watchers.
// It is an adapter.Adapter so the session manager publishes to it like
// any other downstream.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[uint64]*watcher
	closed   bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

type watcher struct {
	id   uint64
	conn *websocket.Conn
	out  chan []byte
	// dropped counts events skipped because out was full.
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

// NewHub creates a hub with no watchers.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:   logger,
		watchers: make(map[uint64]*watcher),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

var _ adapter.Adapter = (*Hub)(nil)

// Publish queues event for every watcher. It never blocks on a slow
// watcher.
func (h *Hub) Publish(_ context.Context, event *adapter.StepCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("hub closed")
	}
	for _, w := range h.watchers {
		select {
		case w.out <- body:
		default:
			w.dropped.Add(1)
		}
	}
	return nil
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// Close disconnects every watcher and waits for their goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for _, w := range h.watchers {
		w.stop()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// Handle upgrades the request and streams events until the watcher leaves.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	w := &watcher{
		id:   h.nextID.Add(1),
		conn: conn,
		out:  make(chan []byte, watcherBacklog),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.watchers[w.id] = w
	h.wg.Add(1)
	h.mu.Unlock()
	h.logger.Debug("watcher joined", map[string]any{"watcher": w.id})

	go h.readLoop(w)
	h.writeLoop(w)

	h.mu.Lock()
	delete(h.watchers, w.id)
	h.mu.Unlock()
	_ = conn.Close()
	h.wg.Done()
	h.logger.Debug("watcher left", map[string]any{
		"watcher": w.id,
		"dropped": w.dropped.Load(),
	})
}

// readLoop consumes control frames so pongs and close are processed.
// Watchers send nothing else.
func (h *Hub) readLoop(w *watcher) {
	defer w.stop()
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(w *watcher) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case body := <-w.out:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ping.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-w.done:
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
