// Package remote connects the step server to a world over TCP using the
// ipc frame protocol, and hosts any world.Dialer behind that protocol.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/stepwise/iox"
	"github.com/pithecene-io/stepwise/ipc"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// DefaultDialTimeout bounds the TCP connect and the hello/spawn handshake.
const DefaultDialTimeout = 10 * time.Second

// RemoteError is an operation the world rejected.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("world %s: %s", e.Op, e.Message)
}

// Dialer connects to a world server.
type Dialer struct {
	// Timeout bounds connect and handshake. Zero means DefaultDialTimeout.
	Timeout   time.Duration
	Logger    *log.Logger
	Collector *metrics.Collector
}

var _ world.Dialer = (*Dialer)(nil)

// Dial connects, sends hello and waits for spawn. Every failure before
// spawn is a *types.ConnectionError.
func (d *Dialer) Dial(ctx context.Context, opts world.DialOptions) (world.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	fail := func(err error) error {
		return &types.ConnectionError{Host: opts.Host, Port: opts.Port, Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	var nd net.Dialer
	nc, err := nd.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fail(err)
	}

	if deadline, ok := dctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	enc := ipc.NewFrameEncoder(nc)
	dec := ipc.NewFrameDecoder(nc)
	if err := enc.WriteFrame(ipc.NewHello(opts.Username)); err != nil {
		iox.DiscardClose(nc)
		return nil, fail(fmt.Errorf("send hello: %w", err))
	}
	first, err := dec.Next()
	if err != nil {
		iox.DiscardClose(nc)
		return nil, fail(fmt.Errorf("await spawn: %w", err))
	}
	var spawn *ipc.SpawnFrame
	switch f := first.(type) {
	case *ipc.SpawnFrame:
		spawn = f
	case *ipc.KickedFrame:
		iox.DiscardClose(nc)
		return nil, fail(fmt.Errorf("kicked during login: %s", f.Reason))
	default:
		iox.DiscardClose(nc)
		return nil, fail(fmt.Errorf("unexpected %T before spawn", first))
	}
	_ = nc.SetDeadline(time.Time{})

	c := newClient(nc, enc, dec, spawn.State, d.Logger, d.Collector)
	d.Logger.Info("world connected", map[string]any{
		"addr":     addr,
		"username": opts.Username,
		"position": spawn.Position.String(),
	})
	return c, nil
}

// client is a world.Conn over one TCP connection.
type client struct {
	nc     net.Conn
	enc    *ipc.FrameEncoder
	logger *log.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *ipc.ReplyFrame
	state   types.AgentState

	queue     *eventQueue
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newClient(nc net.Conn, enc *ipc.FrameEncoder, dec *ipc.FrameDecoder, state types.AgentState, logger *log.Logger, collector *metrics.Collector) *client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		nc:       nc,
		enc:      enc,
		logger:   logger,
		pending:  make(map[uint64]chan *ipc.ReplyFrame),
		state:    state,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		cancel:   cancel,
	}
	c.queue = newEventQueue(c.done)
	g := &ingestor{
		decoder:   dec,
		queue:     c.queue,
		replies:   c.deliver,
		state:     c.setState,
		logger:    logger,
		collector: collector,
	}
	go c.read(ctx, g)
	return c
}

func (c *client) read(ctx context.Context, g *ingestor) {
	defer close(c.readDone)
	err := g.run(ctx)
	if err != nil && !IsCanceledError(err) {
		c.logger.Warn("world stream ended", map[string]any{"error": err.Error()})
	}
	c.queue.close()
	c.failPending()
	iox.DiscardClose(c.nc)
}

func (c *client) setState(f ipc.TickFrame) {
	c.mu.Lock()
	c.state = f.State
	c.mu.Unlock()
}

func (c *client) deliver(r *ipc.ReplyFrame) {
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

// failPending releases every in-flight call once the stream is gone.
func (c *client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *ipc.ReplyFrame)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *client) call(ctx context.Context, op string, args ipc.CallArgs) (ipc.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return ipc.CallResult{}, err
	}
	select {
	case <-c.readDone:
		return ipc.CallResult{}, world.ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *ipc.ReplyFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.enc.WriteFrame(ipc.NewCall(id, op, args)); err != nil {
		forget()
		return ipc.CallResult{}, fmt.Errorf("%w: %v", world.ErrClosed, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return ipc.CallResult{}, world.ErrClosed
		}
		if r.Error != "" {
			return r.Result, &RemoteError{Op: op, Message: r.Error}
		}
		return r.Result, nil
	case <-ctx.Done():
		forget()
		return ipc.CallResult{}, ctx.Err()
	case <-c.done:
		return ipc.CallResult{}, world.ErrClosed
	case <-c.readDone:
		forget()
		return ipc.CallResult{}, world.ErrClosed
	}
}

func (c *client) exec(ctx context.Context, op string, args ipc.CallArgs) error {
	_, err := c.call(ctx, op, args)
	return err
}

func (c *client) Events() <-chan world.Event { return c.queue.out }

func (c *client) State() types.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) Observe(ctx context.Context) (types.Snapshot, error) {
	res, err := c.call(ctx, ipc.OpObserve, ipc.CallArgs{})
	if err != nil {
		return types.Snapshot{}, err
	}
	if res.Snapshot == nil {
		return types.Snapshot{}, errors.New("world observe: empty snapshot")
	}
	return *res.Snapshot, nil
}

func (c *client) MoveTo(ctx context.Context, goal types.Vec3, rng float64) error {
	if err := c.exec(ctx, ipc.OpMoveTo, ipc.CallArgs{Pos: goal, Range: rng}); err != nil {
		return err
	}
	// Reflect the goal locally until the next tick carries the world's view.
	c.mu.Lock()
	c.state.Moving = c.state.Position.DistanceTo(goal) > rng
	c.mu.Unlock()
	return nil
}

func (c *client) StopMoving(ctx context.Context) error {
	if err := c.exec(ctx, ipc.OpStopMoving, ipc.CallArgs{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Moving = false
	c.mu.Unlock()
	return nil
}

func (c *client) Teleport(ctx context.Context, pos types.Vec3) error {
	return c.exec(ctx, ipc.OpTeleport, ipc.CallArgs{Pos: pos})
}

func (c *client) Dismount(ctx context.Context) error {
	return c.exec(ctx, ipc.OpDismount, ipc.CallArgs{})
}

func (c *client) Chat(ctx context.Context, message string) error {
	return c.exec(ctx, ipc.OpChat, ipc.CallArgs{Message: message})
}

func (c *client) Give(ctx context.Context, item string, n int) error {
	return c.exec(ctx, ipc.OpGive, ipc.CallArgs{Item: item, N: n})
}

func (c *client) Equip(ctx context.Context, slot, item string) error {
	return c.exec(ctx, ipc.OpEquip, ipc.CallArgs{Slot: slot, Item: item})
}

func (c *client) Reset(ctx context.Context) error {
	return c.exec(ctx, ipc.OpReset, ipc.CallArgs{})
}

func (c *client) SetRule(ctx context.Context, rule string, value bool) error {
	return c.exec(ctx, ipc.OpSetRule, ipc.CallArgs{Rule: rule, Value: value})
}

func (c *client) Spread(ctx context.Context, distance, maxRange int) error {
	return c.exec(ctx, ipc.OpSpread, ipc.CallArgs{Distance: distance, MaxRange: maxRange})
}

func (c *client) Pause(ctx context.Context) error {
	return c.exec(ctx, ipc.OpPause, ipc.CallArgs{})
}

func (c *client) FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error) {
	res, err := c.call(ctx, ipc.OpFindBlocks, ipc.CallArgs{Query: q})
	return res.Blocks, err
}

func (c *client) SetBlock(ctx context.Context, pos types.Vec3, name string) error {
	return c.exec(ctx, ipc.OpSetBlock, ipc.CallArgs{Pos: pos, Name: name})
}

func (c *client) Place(ctx context.Context, item string, pos types.Vec3) error {
	return c.exec(ctx, ipc.OpPlace, ipc.CallArgs{Item: item, Pos: pos})
}

func (c *client) Dig(ctx context.Context, pos types.Vec3) error {
	return c.exec(ctx, ipc.OpDig, ipc.CallArgs{Pos: pos})
}

// Close ends the session and waits for the reader to exit.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.nc.Close()
		<-c.readDone
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
