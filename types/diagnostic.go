package types

import (
	"fmt"
	"strings"
)

// StepChunk is the chunk name of the in-memory unit that holds
// programs + code. Frames from any other source are file-backed or native.
const StepChunk = "<step>"

// DiagnosticKind classifies a diagnostic.
type DiagnosticKind string

const (
	// DiagnosticScriptError is raised by submitted code.
	DiagnosticScriptError DiagnosticKind = "script_error"
	// DiagnosticConnectionError means the world session could not be established.
	DiagnosticConnectionError DiagnosticKind = "connection_error"
	// DiagnosticTimeout means a tick-counted wait gave up.
	DiagnosticTimeout DiagnosticKind = "timeout"
)

// Frame is one structured stack frame reported by the script VM.
// Frames are ordered innermost first.
type Frame struct {
	// Source is the chunk name: StepChunk, a file path, or "[G]" for native frames.
	Source string `json:"source" yaml:"source"`
	// Line is the 1-based line within Source. Zero or negative when unknown.
	Line int `json:"line" yaml:"line"`
	// Function is the function name when known.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
	// What is "Lua", "main", "tail" or "G".
	What string `json:"what,omitempty" yaml:"what,omitempty"`
}

// IsNative returns true for frames of Go-implemented capabilities.
func (f Frame) IsNative() bool {
	return f.What == "G" || f.Source == "" || f.Source == "[G]"
}

// SourceLocation points at one line of source text.
type SourceLocation struct {
	Line    int    `json:"line" yaml:"line"`
	Snippet string `json:"snippet" yaml:"snippet"`
	// File is set when the location is a file-backed helper rather than the
	// in-memory step unit.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Diagnostic describes a failure addressed to the caller's source.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind" yaml:"kind"`
	Message string         `json:"message" yaml:"message"`
	// Code points at the caller's step script ("your code").
	Code *SourceLocation `json:"code,omitempty" yaml:"code,omitempty"`
	// Program points at the helper program or library file that actually
	// failed ("your program"). Nil when the failure is in Code itself.
	Program *SourceLocation `json:"program,omitempty" yaml:"program,omitempty"`
	// Async is true when the error was raised outside the main execution path.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`
}

// Located returns true if the diagnostic carries a caller source location.
func (d Diagnostic) Located() bool {
	return d.Code != nil
}

// Text renders the diagnostic in the human-readable form the agent reads.
func (d Diagnostic) Text() string {
	var b strings.Builder
	switch {
	case d.Program != nil && d.Program.File != "":
		fmt.Fprintf(&b, "%s:%d\n%s\n %s", d.Program.File, d.Program.Line, d.Program.Snippet, d.Message)
		if d.Code != nil {
			fmt.Fprintf(&b, "\nat %s in your code", d.Code.Snippet)
		}
	case d.Program != nil:
		fmt.Fprintf(&b, "In your program code: %s\n%s", d.Program.Snippet, d.Message)
		if d.Code != nil {
			fmt.Fprintf(&b, "\nat line %d:%s in your code", d.Code.Line, d.Code.Snippet)
		}
	case d.Code != nil:
		fmt.Fprintf(&b, "Your code:%d\n%s\n %s", d.Code.Line, d.Code.Snippet, d.Message)
	default:
		b.WriteString(d.Message)
	}
	return b.String()
}

// ConnectionError reports a world session that failed to establish.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Diagnostic converts the error into its diagnostic form.
func (e *ConnectionError) Diagnostic() Diagnostic {
	return Diagnostic{Kind: DiagnosticConnectionError, Message: e.Error()}
}
