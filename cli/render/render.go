// Package render provides output rendering for the stepwise CLI.
//
// Format selection:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// --no-color affects table output only. TUI mode uses its own styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/stepwise/cli/tui"
	"github.com/pithecene-io/stepwise/server"
	"github.com/pithecene-io/stepwise/types"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		return enc.Encode(data)
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI initiates TUI mode for the given view type.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

func (r *Renderer) renderTable(data any) error {
	switch d := data.(type) {
	case *types.Observation:
		return r.renderObservation(d)
	case *server.StatusResponse:
		return r.renderStatus(d)
	}
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return r.renderSliceTable(v)
	}
	return r.renderStructTable(v)
}

func (r *Renderer) renderObservation(obs *types.Observation) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	state := obs.Snapshot.State
	fmt.Fprintf(w, "session:\t%s\n", obs.SessionID)
	fmt.Fprintf(w, "step:\t%d\n", obs.Step)
	fmt.Fprintf(w, "tick:\t%d\n", obs.Tick)
	fmt.Fprintf(w, "outcome:\t%s\n", r.outcome(obs.Outcome))
	fmt.Fprintf(w, "position:\t%s\n", state.Position)
	fmt.Fprintf(w, "health:\t%.1f\n", state.Health)
	fmt.Fprintf(w, "food:\t%.1f\n", state.Food)
	fmt.Fprintf(w, "inventory:\t%s\n", inventoryLine(state.Inventory))
	if len(obs.Snapshot.Equipment) > 0 {
		fmt.Fprintf(w, "equipment:\t%s\n", strings.Join(obs.Snapshot.Equipment, ", "))
	}
	if obs.DroppedEvents > 0 {
		fmt.Fprintf(w, "dropped:\t%d\n", obs.DroppedEvents)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(obs.Events) > 0 {
		fmt.Fprintln(r.out)
		w = tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TICK\tTYPE\tMESSAGE")
		for _, ev := range obs.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\n", ev.Tick, ev.Type, firstLine(ev.Message))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	for _, d := range obs.Diagnostics {
		fmt.Fprintf(r.out, "\n%s\n", d.Text())
	}
	return nil
}

func (r *Renderer) renderStatus(s *server.StatusResponse) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "state:\t%s\n", s.Session.State)
	if s.Session.SessionID != "" {
		fmt.Fprintf(w, "session:\t%s\n", s.Session.SessionID)
		fmt.Fprintf(w, "username:\t%s\n", s.Session.Username)
	}
	fmt.Fprintf(w, "tick:\t%d\n", s.Session.Tick)
	fmt.Fprintf(w, "steps:\t%d\n", s.Session.Steps)
	fmt.Fprintf(w, "stepping:\t%t\n", s.Session.Stepping)
	fmt.Fprintf(w, "version:\t%s\n", s.Version)

	m := s.Metrics
	fmt.Fprintf(w, "steps completed:\t%d (%d script errors, %d async)\n", m.StepsCompleted, m.ScriptErrors, m.AsyncErrors)
	fmt.Fprintf(w, "recoveries:\t%d (%d misses)\n", m.Recoveries, m.RecoveryMisses)
	fmt.Fprintf(w, "events:\t%d received, %d dropped\n", m.EventsReceived, m.EventsDropped)
	fmt.Fprintf(w, "published:\t%d ok, %d failed\n", m.PublishSuccess, m.PublishFailure)
	return nil
}

func (r *Renderer) outcome(o types.StepOutcome) string {
	if r.noColor {
		return string(o)
	}
	return tui.OutcomeStyle(o).Render(string(o))
}

func inventoryLine(inv map[string]int) string {
	if len(inv) == 0 {
		return "(empty)"
	}
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s x%d", name, inv[name])
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func (r *Renderer) renderSliceTable(v reflect.Value) error {
	if v.Len() == 0 {
		fmt.Fprintln(r.out, "(no results)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	first := indirect(v.Index(0))
	if first.Kind() != reflect.Struct {
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, formatValue(v.Index(i)))
		}
		return nil
	}

	t := first.Type()
	headers := make([]string, t.NumField())
	for i := range headers {
		headers[i] = fieldName(t.Field(i))
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for i := 0; i < v.Len(); i++ {
		row := indirect(v.Index(i))
		cells := make([]string, row.NumField())
		for j := range cells {
			cells[j] = formatValue(row.Field(j))
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return nil
}

func (r *Renderer) renderStructTable(v reflect.Value) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	v = indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			fmt.Fprintf(w, "%s:\t%s\n", fieldName(t.Field(i)), formatValue(v.Field(i)))
		}
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			fmt.Fprintf(w, "%v:\t%s\n", k.Interface(), formatValue(v.MapIndex(k)))
		}
	default:
		fmt.Fprintf(w, "%s\n", formatValue(v))
	}
	return nil
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil() {
		return ""
	}
	if v.CanInterface() {
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
	}
	v = indirect(v)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		if !v.CanInterface() {
			return ""
		}
		return fmt.Sprintf("%v", v.Interface())
	}
}

// isTTY returns true if the writer is a TTY.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
