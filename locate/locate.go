// Package locate maps a script failure back to the line of caller code
// that caused it.
//
// A step executes one in-memory unit made of the helper programs followed
// by the caller's code:
//
//	unit = programs + "\n" + code
//
// With P the number of lines in programs, line P+k of the unit is line k
// of the caller's code.
package locate

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pithecene-io/stepwise/types"
)

// Input is everything known about a failure.
type Input struct {
	// Frames are ordered innermost first.
	Frames   []types.Frame
	Programs string
	Code     string
	// Message is the raw error message as raised by the VM.
	Message string
	// ReadFile reads file-backed frame sources. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

// positionPrefix matches the "source:line: " prefix the VM puts on errors.
var positionPrefix = regexp.MustCompile(`^(.+?):(\d+): `)

// PreambleLines returns the number of lines programs occupies in the unit.
func PreambleLines(programs string) int {
	return strings.Count(programs, "\n") + 1
}

// Unit joins programs and code into the executed unit.
func Unit(programs, code string) string {
	return programs + "\n" + code
}

// StripPosition removes a leading "source:line: " from msg.
func StripPosition(msg string) string {
	if m := positionPrefix.FindStringSubmatchIndex(msg); m != nil {
		return msg[m[1]:]
	}
	return msg
}

// PositionFrame parses the "source:line: " prefix of msg into a frame.
// ok is false when msg carries no position.
func PositionFrame(msg string) (types.Frame, bool) {
	m := positionPrefix.FindStringSubmatch(msg)
	if m == nil {
		return types.Frame{}, false
	}
	line, err := strconv.Atoi(m[2])
	if err != nil {
		return types.Frame{}, false
	}
	return types.Frame{Source: m[1], Line: line, What: "Lua"}, true
}

// Locate builds the diagnostic for a failure.
//
// When no frame lies in the caller's code the diagnostic carries only the
// message.
func Locate(in Input) types.Diagnostic {
	diag := types.Diagnostic{
		Kind:    types.DiagnosticScriptError,
		Message: StripPosition(in.Message),
	}

	frames := in.Frames
	if len(frames) == 0 {
		if f, ok := PositionFrame(in.Message); ok {
			frames = []types.Frame{f}
		}
	}

	p := PreambleLines(in.Programs)
	codeLines := strings.Split(in.Code, "\n")
	programLines := strings.Split(in.Programs, "\n")

	k := 0
	for _, f := range frames {
		if f.Source == types.StepChunk && f.Line > p {
			k = f.Line - p
			break
		}
	}
	if k == 0 {
		return diag
	}
	diag.Code = &types.SourceLocation{Line: k, Snippet: lineAt(codeLines, k)}

	top, ok := topFrame(frames)
	if !ok {
		return diag
	}

	switch {
	case top.Source == types.StepChunk:
		if top.Line >= 1 && top.Line <= p {
			diag.Program = &types.SourceLocation{
				Line:    top.Line,
				Snippet: lineAt(programLines, top.Line),
			}
		}
	default:
		readFile := in.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		data, err := readFile(top.Source)
		if err != nil {
			return diag
		}
		diag.Program = &types.SourceLocation{
			File:    top.Source,
			Line:    top.Line,
			Snippet: lineAt(strings.Split(string(data), "\n"), top.Line),
		}
	}
	return diag
}

// topFrame returns the innermost frame executing script code.
func topFrame(frames []types.Frame) (types.Frame, bool) {
	for _, f := range frames {
		if !f.IsNative() && f.Line > 0 {
			return f, true
		}
	}
	return types.Frame{}, false
}

func lineAt(lines []string, n int) string {
	if n < 1 || n > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[n-1])
}
