// Package session owns the single live agent session of the server.
//
// Lifecycle:
//
//	Disconnected -> Connecting -> Active -> Terminating -> Disconnected
//
// Start is always destructive: an existing session is torn down before a
// new one is dialed. Steps are serialized by a stepping flag; a step that
// arrives while another is in flight is rejected with ErrStepInProgress.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/buffer"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/observe"
	"github.com/pithecene-io/stepwise/reclaim"
	"github.com/pithecene-io/stepwise/runtime"
	"github.com/pithecene-io/stepwise/script"
	"github.com/pithecene-io/stepwise/stuck"
	"github.com/pithecene-io/stepwise/tick"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// Defaults applied by New.
const (
	DefaultUsername       = "bot"
	DefaultHost           = "localhost"
	DefaultWaitTicks      = 20
	DefaultSpreadRange    = 300
	DefaultPublishTimeout = 10 * time.Second
)

// DefaultRetainItems are the loadout items a session keeps across steps
// when held at start.
var DefaultRetainItems = []string{"iron_pickaxe"}

// Errors returned by Manager operations.
var (
	// ErrStepInProgress rejects a step while another step is running.
	ErrStepInProgress = errors.New("step already in progress")
	// ErrNotSpawned means there is no active session.
	ErrNotSpawned = errors.New("bot not spawned")
	// ErrSessionClosed means the session ended while the request was in flight.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Config configures a Manager.
type Config struct {
	// Dialer reaches the world. Required.
	Dialer world.Dialer
	// Username is presented to the world. Default "bot".
	Username string
	// DefaultHost is used when a start request names no host.
	DefaultHost string
	// DefaultPort is used when a start request names no port.
	DefaultPort int
	// DefaultWaitTicks is used when a start request has no waitTicks.
	DefaultWaitTicks int
	// RetainItems are loadout items restored after each step if they were
	// held at start. Nil means DefaultRetainItems.
	RetainItems []string
	// BufferSize caps the events kept per step. Zero means the buffer default.
	BufferSize int
	// SpreadDistance and SpreadRange tune start-time spread placement.
	SpreadDistance int
	SpreadRange    int
	// PublishTimeout bounds one Notifier publish.
	PublishTimeout time.Duration

	Stuck   stuck.Config
	Script  script.Options
	Reclaim reclaim.Config
	Rand    *rand.Rand

	Logger    *log.Logger
	Collector *metrics.Collector
	// Notifier receives a StepCompletedEvent for each settled step. Optional.
	Notifier adapter.Adapter
}

func (c Config) withDefaults() Config {
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.DefaultHost == "" {
		c.DefaultHost = DefaultHost
	}
	if c.DefaultWaitTicks <= 0 {
		c.DefaultWaitTicks = DefaultWaitTicks
	}
	if c.RetainItems == nil {
		c.RetainItems = DefaultRetainItems
	}
	if c.SpreadRange <= 0 {
		c.SpreadRange = DefaultSpreadRange
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.Reclaim.SearchRadius == 0 && c.Reclaim.Fixtures == nil && c.Reclaim.StorageItem == "" {
		c.Reclaim = reclaim.DefaultConfig()
	}
	return c
}

// Manager owns the single live session.
type Manager struct {
	cfg       Config
	logger    *log.Logger
	reclaimer *reclaim.Reclaimer

	// mu serializes Start and Stop transitions.
	mu sync.Mutex

	// smu guards state and sess for readers that must not wait on a
	// transition.
	smu   sync.RWMutex
	state types.SessionState
	sess  *session

	stepping atomic.Bool
	// bg tracks publishes and teardowns started off the request path.
	bg sync.WaitGroup
}

// New creates a Manager with no session.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		reclaimer: reclaim.New(cfg.Reclaim, cfg.Logger, cfg.Collector),
		state:     types.StateDisconnected,
	}
}

// session is one dialed agent.
type session struct {
	meta      types.SessionMeta
	conn      world.Conn
	clock     *tick.Clock
	buffer    *buffer.Buffer
	exec      *runtime.Executor
	waitTicks int
	retained  []string
	logger    *log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	steps    atomic.Int64
}

func (m *Manager) setState(state types.SessionState, sess *session) {
	m.smu.Lock()
	m.state = state
	m.sess = sess
	m.smu.Unlock()
}

func (m *Manager) current() (types.SessionState, *session) {
	m.smu.RLock()
	defer m.smu.RUnlock()
	return m.state, m.sess
}

// Start tears down any existing session, dials the world, provisions the
// agent and returns the initial observation.
//
// A dial failure is returned as *types.ConnectionError and leaves the
// manager Disconnected.
func (m *Manager) Start(ctx context.Context, req types.StartRequest) (*types.Observation, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, prev := m.current(); prev != nil {
		m.teardown(prev, "Restarting bot")
	}

	host := req.Host
	if host == "" {
		host = m.cfg.DefaultHost
	}
	port := req.Port
	if port == 0 {
		port = m.cfg.DefaultPort
	}
	waitTicks := req.WaitTicks
	if waitTicks == 0 {
		waitTicks = m.cfg.DefaultWaitTicks
	}

	m.setState(types.StateConnecting, nil)
	conn, err := m.cfg.Dialer.Dial(ctx, world.DialOptions{
		Host:     host,
		Port:     port,
		Username: m.cfg.Username,
	})
	if err != nil {
		m.setState(types.StateDisconnected, nil)
		m.cfg.Collector.IncConnectionFailure()
		var cerr *types.ConnectionError
		if !errors.As(err, &cerr) {
			err = &types.ConnectionError{Host: host, Port: port, Err: err}
		}
		m.logger.Warn("world connection failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	sess := m.newSession(conn, waitTicks)
	m.setState(types.StateConnecting, sess)
	go m.pump(sess)

	obs, err := m.provision(ctx, sess, req)
	if err != nil {
		m.teardown(sess, "start failed")
		if errors.Is(err, world.ErrClosed) || errors.Is(err, tick.ErrStopped) {
			return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
		return nil, err
	}

	m.setState(types.StateActive, sess)
	m.cfg.Collector.IncSessionStarted()
	sess.logger.Info("session active", map[string]any{
		"reset":      string(req.Reset),
		"wait_ticks": waitTicks,
		"retained":   sess.retained,
	})
	return obs, nil
}

func (m *Manager) newSession(conn world.Conn, waitTicks int) *session {
	meta := types.SessionMeta{SessionID: uuid.NewString(), Username: m.cfg.Username}
	logger := m.logger.WithSession(meta)
	clock := tick.NewClock()
	buf := buffer.New(m.cfg.BufferSize, logger, m.cfg.Collector)
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		meta:      meta,
		conn:      conn,
		clock:     clock,
		buffer:    buf,
		waitTicks: waitTicks,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		exec: runtime.NewExecutor(runtime.Config{
			Clock:     clock,
			Buffer:    buf,
			Reclaimer: m.reclaimer,
			Stuck:     m.cfg.Stuck,
			Script:    m.cfg.Script,
			Rand:      m.cfg.Rand,
			Logger:    logger,
			Collector: m.cfg.Collector,
		}),
	}
}

// provision resets and equips the agent, waits for the world to apply it
// and captures the initial observation.
func (m *Manager) provision(ctx context.Context, sess *session, req types.StartRequest) (*types.Observation, error) {
	ctx, stop := sess.bind(ctx)
	defer stop()
	conn := sess.conn

	// Each provisioning command costs one extra tick window.
	itemTicks := 1
	if req.Reset == types.ResetHard {
		if err := sess.best(ctx, "reset", conn.Reset(ctx)); err != nil {
			return nil, err
		}
		items := make([]string, 0, len(req.Inventory))
		for item := range req.Inventory {
			items = append(items, item)
		}
		slices.Sort(items)
		for _, item := range items {
			if err := sess.best(ctx, "give", conn.Give(ctx, item, req.Inventory[item])); err != nil {
				return nil, err
			}
			itemTicks++
		}
		for i, item := range req.Equipment {
			if i == types.MainhandSlot || item == "" {
				continue
			}
			if err := sess.best(ctx, "equip", conn.Equip(ctx, types.EquipmentSlots[i], item)); err != nil {
				return nil, err
			}
			itemTicks++
		}
	}
	if req.Position != nil {
		if err := sess.best(ctx, "teleport", conn.Teleport(ctx, *req.Position)); err != nil {
			return nil, err
		}
	}
	if req.Spread {
		if err := sess.best(ctx, "spread", conn.Spread(ctx, m.cfg.SpreadDistance, m.cfg.SpreadRange)); err != nil {
			return nil, err
		}
		if err := sess.clock.WaitTicks(ctx, sess.waitTicks); err != nil {
			return nil, err
		}
	}
	if err := sess.clock.WaitTicks(ctx, sess.waitTicks*itemTicks); err != nil {
		return nil, err
	}

	snap, err := conn.Observe(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	events, dropped := sess.buffer.Drain()
	obs := observe.Assemble(observe.Input{
		SessionID: sess.meta.SessionID,
		Tick:      sess.clock.Now(),
		Events:    events,
		Dropped:   dropped,
	}, snap)

	for _, item := range m.cfg.RetainItems {
		if snap.State.Count(item) > 0 {
			sess.retained = append(sess.retained, item)
		}
	}

	// Rules apply after the initial observation is captured.
	for _, rule := range []struct {
		name  string
		value bool
	}{
		{world.RuleKeepInventory, true},
		{world.RuleDaylightCycle, false},
	} {
		if err := sess.best(ctx, "set_rule", conn.SetRule(ctx, rule.name, rule.value)); err != nil {
			return nil, err
		}
	}
	return obs, nil
}

// best logs a failed provisioning command and carries on, unless the
// session itself is gone.
func (s *session) best(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, world.ErrClosed) || ctx.Err() != nil {
		return err
	}
	s.logger.Warn("provisioning command failed", map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	return nil
}

// bind derives a context cancelled by either ctx or the session ending.
func (s *session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Step runs req against the active session and returns its observation.
// Script failures are reported inside the observation, not as errors.
//
// A step runs to completion once started: cancellation of ctx is ignored
// and only Stop or the world going away interrupts it.
func (m *Manager) Step(ctx context.Context, req types.StepRequest) (*types.Observation, error) {
	state, sess := m.current()
	if sess == nil || state != types.StateActive {
		return nil, ErrNotSpawned
	}
	if !m.stepping.CompareAndSwap(false, true) {
		m.cfg.Collector.IncStepRejected()
		return nil, ErrStepInProgress
	}
	defer m.stepping.Store(false)

	meta := sess.meta
	meta.Step = int(sess.steps.Add(1))

	ctx, stop := sess.bind(context.WithoutCancel(ctx))
	defer stop()

	started := time.Now()
	obs, err := sess.exec.Run(ctx, sess.conn, runtime.Step{
		Meta:      meta,
		Code:      req.Code,
		Programs:  req.Programs,
		WaitTicks: sess.waitTicks,
		Retained:  sess.retained,
	})
	if err != nil {
		if errors.Is(err, runtime.ErrInterrupted) && sess.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
		return nil, err
	}
	m.publish(adapter.NewStepCompletedEvent(meta, obs, started, time.Now()))
	return obs, nil
}

// publish hands ev to the notifier without blocking the response.
func (m *Manager) publish(ev *adapter.StepCompletedEvent) {
	if m.cfg.Notifier == nil {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		defer cancel()
		if err := m.cfg.Notifier.Publish(ctx, ev); err != nil {
			m.cfg.Collector.IncPublishFailure()
			m.logger.Warn("step event publish failed", map[string]any{
				"session_id": ev.SessionID,
				"step":       ev.Step,
				"error":      err.Error(),
			})
			return
		}
		m.cfg.Collector.IncPublishSuccess()
	}()
}

// Pause toggles the world pause state and waits one tick window.
func (m *Manager) Pause(ctx context.Context) error {
	state, sess := m.current()
	if sess == nil || state != types.StateActive {
		return ErrNotSpawned
	}
	ctx, stop := sess.bind(ctx)
	defer stop()

	if err := sess.conn.Pause(ctx); err != nil {
		return m.closedOr(sess, err)
	}
	if err := sess.clock.WaitTicks(ctx, sess.waitTicks); err != nil {
		return m.closedOr(sess, err)
	}
	return nil
}

func (m *Manager) closedOr(sess *session, err error) error {
	if sess.ctx.Err() != nil || errors.Is(err, world.ErrClosed) || errors.Is(err, tick.ErrStopped) {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return err
}

// Stop tears down the session. It is a no-op when Disconnected.
// A step in flight returns ErrSessionClosed.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, sess := m.current(); sess != nil {
		m.teardown(sess, "Bot stopped")
	}
}

// lost tears down sess after the world ended it, unless a newer session
// already replaced it.
func (m *Manager) lost(sess *session, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, cur := m.current(); cur == sess {
		m.teardown(sess, reason)
	}
}

// teardown ends sess. Callers hold m.mu.
func (m *Manager) teardown(sess *session, reason string) {
	m.setState(types.StateTerminating, sess)
	sess.cancel()
	sess.clock.Stop()
	if err := sess.conn.Close(); err != nil && !errors.Is(err, world.ErrClosed) {
		sess.logger.Warn("world close failed", map[string]any{"error": err.Error()})
	}
	<-sess.pumpDone
	m.setState(types.StateDisconnected, nil)
	m.cfg.Collector.IncSessionStopped()
	sess.logger.Info("session ended", map[string]any{
		"reason": reason,
		"steps":  sess.steps.Load(),
		"ticks":  sess.clock.Total(),
	})
}

// Status returns a point-in-time view of the session.
func (m *Manager) Status() types.SessionStatus {
	state, sess := m.current()
	st := types.SessionStatus{
		State:    state,
		Stepping: m.stepping.Load(),
	}
	if sess != nil {
		st.SessionID = sess.meta.SessionID
		st.Username = sess.meta.Username
		st.Tick = sess.clock.Total()
		st.Steps = int(sess.steps.Load())
		st.WaitTicks = sess.waitTicks
	}
	return st
}

// Subscribers returns the tick subscribers of the current session clock.
// Zero when Disconnected.
func (m *Manager) Subscribers() int {
	_, sess := m.current()
	if sess == nil {
		return 0
	}
	return sess.clock.Subscribers()
}

// Close stops the session and waits for background publishes.
func (m *Manager) Close() {
	m.Stop()
	m.bg.Wait()
}
