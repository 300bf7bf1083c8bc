// Package script runs step code in a capability-scoped Lua VM.
//
// Only the base, table, string and math libraries are opened, minus the
// file loaders. The only way to act on the world is the bot table. Step
// code cannot reach the host filesystem, network or process.
package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/stepwise/types"
)

// Defaults for Options.
const (
	DefaultCallStackSize = 256
	DefaultRegistrySize  = 1024 * 20
)

// Options tunes the VM.
type Options struct {
	CallStackSize int
	RegistrySize  int
	// Libraries are Lua files loaded, in order, before step code runs.
	Libraries []string
}

// Error is a failure raised by script code.
type Error struct {
	// Message is the raw error value as a string.
	Message string
	// Frames are ordered innermost first.
	Frames []types.Frame
	// Async is true for errors raised by scheduled callbacks.
	Async bool
	cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a script error from err.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

type scheduled struct {
	due uint64
	seq int
	fn  *lua.LFunction
}

// VM is one Lua state bound to one step.
//
// A VM is confined to the goroutine that calls Exec and Drain.
type VM struct {
	L    *lua.LState
	ctx  context.Context
	host Host

	pending []scheduled
	seq     int
	// interrupt is set when a blocking capability was cancelled or the
	// clock stopped. It takes precedence over the Lua error it caused.
	interrupt error
}

// New creates a VM for one step. ctx cancels execution.
func New(ctx context.Context, host Host, opts Options) (*VM, error) {
	if opts.CallStackSize <= 0 {
		opts.CallStackSize = DefaultCallStackSize
	}
	if opts.RegistrySize <= 0 {
		opts.RegistrySize = DefaultRegistrySize
	}

	L := lua.NewState(lua.Options{
		CallStackSize: opts.CallStackSize,
		RegistrySize:  opts.RegistrySize,
		SkipOpenLibs:  true,
	})
	L.SetContext(ctx)

	v := &VM{L: L, ctx: ctx, host: host}
	if err := v.openLibs(); err != nil {
		L.Close()
		return nil, err
	}
	v.register()

	for _, path := range opts.Libraries {
		if err := L.DoFile(path); err != nil {
			L.Close()
			return nil, fmt.Errorf("load library %s: %w", path, err)
		}
	}
	return v, nil
}

func (v *VM) openLibs() error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := v.L.CallByParam(lua.P{
			Fn:      v.L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %s: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		v.L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// Close releases the Lua state.
func (v *VM) Close() {
	v.L.Close()
}

// Exec runs unit as the main chunk named types.StepChunk.
//
// Returns nil on success, *Error when the script raised, or the
// cancellation cause when execution was interrupted.
func (v *VM) Exec(unit string) error {
	fn, err := v.L.Load(strings.NewReader(unit), types.StepChunk)
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		return &Error{Message: msg, Frames: syntaxFrames(msg), cause: err}
	}
	return v.call(fn, false)
}

// Pending returns the number of scheduled callbacks not yet run.
func (v *VM) Pending() int {
	return len(v.pending)
}

// Drain runs scheduled callbacks in due order until none remain.
// Callback errors are delivered to Host.OnAsyncError and do not stop the
// drain. Returns the cancellation cause if waiting was interrupted.
func (v *VM) Drain() error {
	for len(v.pending) > 0 {
		next := v.pending[0]
		if wait := int(next.due) - int(v.host.Clock.Now()); wait > 0 {
			if err := v.host.Clock.WaitTicks(v.ctx, wait); err != nil {
				return err
			}
		}
		v.runDue()
		if v.interrupt != nil {
			return v.interrupt
		}
	}
	return nil
}

// runDue runs every callback whose due tick has passed.
func (v *VM) runDue() {
	now := v.host.Clock.Now()
	for len(v.pending) > 0 && v.pending[0].due <= now {
		cb := v.pending[0]
		v.pending = v.pending[1:]
		if err := v.call(cb.fn, true); err != nil {
			var se *Error
			if errors.As(err, &se) && v.host.OnAsyncError != nil {
				v.host.OnAsyncError(se)
			}
		}
		if v.interrupt != nil {
			return
		}
	}
}

func (v *VM) schedule(delay int, fn *lua.LFunction) {
	due := v.host.Clock.Now() + uint64(max(delay, 0))
	v.seq++
	cb := scheduled{due: due, seq: v.seq, fn: fn}
	i := len(v.pending)
	for i > 0 && v.pending[i-1].due > due {
		i--
	}
	v.pending = append(v.pending, scheduled{})
	copy(v.pending[i+1:], v.pending[i:])
	v.pending[i] = cb
}

// call runs fn under the traceback handler.
func (v *VM) call(fn *lua.LFunction, async bool) error {
	var frames []types.Frame
	v.L.Push(fn)
	err := v.L.PCall(0, 0, v.L.NewFunction(func(L *lua.LState) int {
		frames = v.collectFrames(L)
		L.Push(L.Get(1))
		return 1
	}))
	if err == nil {
		return nil
	}
	if v.interrupt != nil {
		return v.interrupt
	}
	if cerr := v.ctx.Err(); cerr != nil {
		return cerr
	}

	se := &Error{Async: async, cause: err}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		se.Message = lua.LVAsString(apiErr.Object)
		if se.Message == "" && apiErr.Object != nil {
			se.Message = apiErr.Object.String()
		}
	} else {
		se.Message = err.Error()
	}
	se.Frames = frames
	if len(se.Frames) == 0 && apiErr != nil {
		se.Frames = parseStackTrace(apiErr.StackTrace)
	}
	return se
}

// collectFrames walks the Lua call stack from inside the error handler.
// The handler's own frame is native and is skipped by consumers.
func (v *VM) collectFrames(L *lua.LState) []types.Frame {
	var frames []types.Frame
	for level := 0; level < maxFrames; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if _, err := L.GetInfo("Sl", dbg, lua.LNil); err != nil {
			continue
		}
		frames = append(frames, types.Frame{
			Source:   dbg.Source,
			Line:     dbg.CurrentLine,
			Function: dbg.Name,
			What:     dbg.What,
		})
	}
	return frames
}

// maxFrames caps the frames collected per error.
const maxFrames = 64

var tracebackLine = regexp.MustCompile(`^\s*(.+?):(-?\d+):`)

// parseStackTrace reads frames from the VM's textual traceback.
func parseStackTrace(trace string) []types.Frame {
	var frames []types.Frame
	for _, line := range strings.Split(trace, "\n") {
		m := tracebackLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		what := "Lua"
		if m[1] == "[G]" {
			what = "G"
		}
		frames = append(frames, types.Frame{Source: m[1], Line: n, What: what})
	}
	return frames
}

var syntaxPosition = regexp.MustCompile(`line:(\d+)`)

// syntaxFrames points a compile error at its line in the step unit.
func syntaxFrames(msg string) []types.Frame {
	m := syntaxPosition.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return []types.Frame{{Source: types.StepChunk, Line: n, What: "main"}}
}
