package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pithecene-io/stepwise/buffer"
	"github.com/pithecene-io/stepwise/locate"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/observe"
	"github.com/pithecene-io/stepwise/reclaim"
	"github.com/pithecene-io/stepwise/script"
	"github.com/pithecene-io/stepwise/stuck"
	"github.com/pithecene-io/stepwise/tick"
	"github.com/pithecene-io/stepwise/types"
)

// asyncErrorBacklog bounds callback errors queued for the fallback.
const asyncErrorBacklog = 16

// Target is the world a step acts on. world.Conn satisfies it.
type Target interface {
	script.World
	reclaim.World
	stuck.World
	observe.Source
}

// Config configures an Executor.
type Config struct {
	// Clock is the session tick clock.
	Clock *tick.Clock
	// Buffer collects the step's sub-observations.
	Buffer *buffer.Buffer
	// Builder produces the observation. Defaults to observe.WorldBuilder
	// over the target.
	Builder observe.Builder
	// Reclaimer runs end-of-step reclamation.
	Reclaimer *reclaim.Reclaimer
	// Stuck tunes stuck detection.
	Stuck stuck.Config
	// Script tunes the VM.
	Script script.Options
	// Rand drives relocation choices. Nil uses the global source.
	Rand *rand.Rand
	// Logger is the session logger.
	Logger *log.Logger
	// Collector is optional; all Collector methods are nil-safe.
	Collector *metrics.Collector
}

// Executor runs steps for one session. Steps must not overlap; the
// session manager serializes them.
type Executor struct {
	cfg Config
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Buffer == nil {
		cfg.Buffer = buffer.New(0, cfg.Logger, cfg.Collector)
	}
	if cfg.Reclaimer == nil {
		cfg.Reclaimer = reclaim.New(reclaim.Config{}, cfg.Logger, cfg.Collector)
	}
	return &Executor{cfg: cfg}
}

// run holds the state of one Run call.
type run struct {
	e       *Executor
	ctx     context.Context
	cancel  context.CancelFunc
	target  Target
	pending *PendingStep
	logger  *log.Logger
	wg      sync.WaitGroup
}

// Run executes step against target and returns its observation.
//
// Script failures do not fail Run: they are embedded in the observation.
// Run returns ErrInterrupted if the session stopped or ctx was cancelled
// before a response was produced, and the builder's error if the final
// observation could not be captured. Run returns only after every goroutine
// it started has exited.
func (e *Executor) Run(ctx context.Context, target Target, step Step) (*types.Observation, error) {
	clock := e.cfg.Clock
	clock.Reset()
	e.cfg.Buffer.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		e:      e,
		ctx:    runCtx,
		cancel: cancel,
		target: target,
		pending: &PendingStep{
			Step:   step,
			Reply:  NewReply(),
			Buffer: e.cfg.Buffer,
		},
		logger: e.cfg.Logger.WithSession(step.Meta),
	}
	e.cfg.Collector.IncStepStarted()
	r.logger.Info("step started", map[string]any{
		"code_bytes":     len(step.Code),
		"programs_bytes": len(step.Programs),
		"wait_ticks":     step.WaitTicks,
	})

	relocator := stuck.NewAsyncRelocator(runCtx, &stuck.WorldRelocator{
		World:    target,
		Rand:     e.cfg.Rand,
		Logger:   r.logger,
		Recorder: e.cfg.Collector,
		OnRelocate: func(to types.Vec3) {
			r.addEvent(types.Event{
				Type:    types.EventTypeRecovery,
				Tick:    clock.Now(),
				Message: "relocated to " + to.String(),
			})
		},
	})
	detector := stuck.NewDetector(e.cfg.Stuck, relocator, r.logger)
	unsubscribe := clock.Subscribe(func(n uint64) {
		detector.OnTick(n, target.State())
	})

	obs, err := r.execute()

	unsubscribe()
	cancel()
	r.wg.Wait()
	relocator.Close()

	if err != nil {
		r.logger.Warn("step interrupted", map[string]any{"error": err.Error()})
		return nil, err
	}
	e.cfg.Collector.IncStepCompleted()
	r.logger.Info("step settled", map[string]any{
		"path":    r.pending.Reply.Path(),
		"outcome": string(obs.Outcome),
		"tick":    obs.Tick,
	})
	return obs, nil
}

// execute runs the step until the reply is resolved or the run is
// interrupted.
func (r *run) execute() (*types.Observation, error) {
	step := r.pending.Step
	clock := r.e.cfg.Clock

	if err := clock.WaitTicks(r.ctx, step.WaitTicks); err != nil {
		return r.settle(err)
	}

	asyncErrs := make(chan *script.Error, asyncErrorBacklog)
	mainDone := make(chan error, 1)

	r.wg.Add(2)
	go r.runScript(mainDone, asyncErrs)
	go r.fallback(asyncErrs)

	var mainErr error
	select {
	case mainErr = <-mainDone:
	case <-r.ctx.Done():
		return r.settle(r.ctx.Err())
	}

	if r.pending.Reply.Resolved() {
		return r.settle(nil)
	}
	if mainErr != nil {
		se, ok := script.AsError(mainErr)
		switch {
		case ok:
			r.e.cfg.Collector.IncScriptError()
			r.record(se)
		case isInterruption(mainErr):
			return r.settle(mainErr)
		default:
			r.e.cfg.Collector.IncScriptError()
			r.record(&script.Error{Message: mainErr.Error()})
		}
	}

	ops := r.e.cfg.Reclaimer.Reconcile(r.ctx, r.target, step.Retained)
	if err := clock.WaitTicks(r.ctx, step.WaitTicks*(1+ops)); err != nil {
		return r.settle(err)
	}

	r.pending.Reply.Resolve(PathMain, r.build)
	return r.settle(nil)
}

// settle returns the reply result if any path resolved it, else an
// interruption error.
func (r *run) settle(cause error) (*types.Observation, error) {
	if r.pending.Reply.Resolved() {
		<-r.pending.Reply.Done()
		return r.pending.Reply.Result()
	}
	if cause == nil {
		cause = r.ctx.Err()
	}
	return nil, fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// runScript executes the unit, then drains scheduled callbacks.
func (r *run) runScript(mainDone chan<- error, asyncErrs chan<- *script.Error) {
	defer r.wg.Done()
	step := r.pending.Step

	vm, err := script.New(r.ctx, script.Host{
		World: r.target,
		Clock: r.e.cfg.Clock,
		OnLog: func(msg string) {
			r.addEvent(types.Event{Type: types.EventTypeLog, Tick: r.e.cfg.Clock.Now(), Message: msg})
		},
		OnAsyncError: func(se *script.Error) {
			select {
			case asyncErrs <- se:
			default:
				r.logger.Warn("async error dropped", map[string]any{"message": se.Message})
			}
		},
	}, r.e.cfg.Script)
	if err != nil {
		mainDone <- err
		return
	}
	defer vm.Close()

	mainDone <- vm.Exec(locate.Unit(step.Programs, step.Code))

	if err := vm.Drain(); err != nil && !isInterruption(err) {
		r.logger.Warn("callback drain failed", map[string]any{"error": err.Error()})
	}
}

// fallback records callback errors. The first one arms a one-window timer
// after which the fallback tries to resolve the reply itself.
func (r *run) fallback(asyncErrs <-chan *script.Error) {
	defer r.wg.Done()
	window := r.pending.WaitTicks

	var expired chan error
	for {
		select {
		case se := <-asyncErrs:
			r.e.cfg.Collector.IncAsyncError()
			r.record(se)
			if expired == nil {
				expired = make(chan error, 1)
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					expired <- r.e.cfg.Clock.WaitTicks(r.ctx, window)
				}()
			}
		case err := <-expired:
			if err != nil {
				return
			}
			if r.pending.Reply.Resolve(PathFallback, r.build) {
				r.logger.Warn("step resolved by async error fallback", nil)
				r.cancel()
			}
			return
		case <-r.pending.Reply.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// record locates se and adds it to the step as an onError event.
func (r *run) record(se *script.Error) {
	step := r.pending.Step
	diag := locate.Locate(locate.Input{
		Frames:   se.Frames,
		Programs: step.Programs,
		Code:     step.Code,
		Message:  se.Message,
	})
	diag.Async = se.Async
	r.logger.Info("script error", map[string]any{
		"message": diag.Message,
		"located": diag.Located(),
		"async":   diag.Async,
	})
	r.addEvent(types.Event{
		Type:       types.EventTypeError,
		Tick:       r.e.cfg.Clock.Now(),
		Message:    diag.Text(),
		Diagnostic: &diag,
	})
}

func (r *run) addEvent(ev types.Event) {
	if err := r.pending.Buffer.Add(ev); err != nil {
		r.logger.Error("event not recorded", map[string]any{
			"event_type": string(ev.Type),
			"error":      err.Error(),
		})
	}
}

// build drains the buffer into an observation. Called by the reply winner.
func (r *run) build() (*types.Observation, error) {
	events, dropped := r.pending.Buffer.Drain()
	builder := r.e.cfg.Builder
	if builder == nil {
		builder = &observe.WorldBuilder{Source: r.target}
	}
	return builder.Build(context.WithoutCancel(r.ctx), observe.Input{
		SessionID: r.pending.Meta.SessionID,
		Step:      r.pending.Meta.Step,
		Tick:      r.e.cfg.Clock.Now(),
		Events:    events,
		Dropped:   dropped,
	})
}

func isInterruption(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, tick.ErrStopped)
}
