package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/cli/client"
	"github.com/pithecene-io/stepwise/cli/render"
	"github.com/pithecene-io/stepwise/cli/tui"
	"github.com/pithecene-io/stepwise/server"
	"github.com/pithecene-io/stepwise/types"
)

// StartCommand returns the start command.
func StartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Connect the agent and return the first observation",
		Flags: append(ClientFlags(),
			&cli.StringFlag{
				Name:  "request",
				Usage: "Start request file (.yaml or .json); flags override its fields",
			},
			&cli.StringFlag{Name: "host", Usage: "World host"},
			&cli.IntFlag{Name: "port", Usage: "World port"},
			&cli.IntFlag{Name: "wait-ticks", Usage: "Tick window for every wait in the session"},
			&cli.StringFlag{Name: "reset", Usage: "Reset mode: soft or hard"},
			&cli.StringFlag{Name: "position", Usage: "Teleport target after spawn, as x,y,z"},
			&cli.StringSliceFlag{Name: "item", Usage: "Inventory entry name=count (repeatable, hard reset only)"},
			&cli.StringSliceFlag{Name: "equipment", Usage: "Equipment item per slot, in slot order (repeatable)"},
			&cli.BoolFlag{Name: "spread", Usage: "Relocate to a random surface point after spawn"},
		),
		Action: startAction,
	}
}

// StepCommand returns the step command.
func StepCommand() *cli.Command {
	return &cli.Command{
		Name:  "step",
		Usage: "Run one script step and print the observation",
		Flags: append(ClientFlags(),
			&cli.StringFlag{Name: "code", Usage: "Script source"},
			&cli.StringFlag{Name: "file", Usage: "Script file, or - for stdin"},
			&cli.StringFlag{Name: "programs-file", Usage: "Helper preamble file prepended to the script"},
		),
		Action: stepAction,
	}
}

// StopCommand returns the stop command.
func StopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Disconnect the agent",
		Flags: ClientFlags(),
		Action: messageAction("stop", func(ctx context.Context, cl *client.Client) (*types.MessageResponse, error) {
			return cl.Stop(ctx)
		}),
	}
}

// PauseCommand returns the pause command.
func PauseCommand() *cli.Command {
	return &cli.Command{
		Name:  "pause",
		Usage: "Toggle the world pause",
		Flags: ClientFlags(),
		Action: messageAction("pause", func(ctx context.Context, cl *client.Client) (*types.MessageResponse, error) {
			return cl.Pause(ctx)
		}),
	}
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show session state and server metrics",
		Flags:  ClientFlags(),
		Action: statusAction,
	}
}

// WatchCommand returns the watch command.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream step completion events",
		Flags: append(ClientFlags(),
			&cli.IntFlag{Name: "count", Usage: "Stop after this many events (0 means until interrupted)"},
		),
		Action: watchAction,
	}
}

// clientFor builds a renderer and an API client from the shared flags.
func clientFor(c *cli.Context) (*render.Renderer, *client.Client, error) {
	r, err := render.NewRenderer(c)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitInvalidInput)
	}
	cl, err := client.New(c.String("server"), 0)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitInvalidInput)
	}
	return r, cl, nil
}

// rejectTUI errors when --tui is given to a command without a TUI view.
func rejectTUI(c *cli.Context, command string) error {
	if c.Bool("tui") {
		return cli.Exit(fmt.Sprintf("--tui is not supported for %s command", command), exitInvalidInput)
	}
	return nil
}

func startAction(c *cli.Context) error {
	if err := rejectTUI(c, "start"); err != nil {
		return err
	}
	req, err := buildStartRequest(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	r, cl, err := clientFor(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	obs, err := cl.Start(ctx, req)
	if err != nil {
		return exitFor(err)
	}
	return r.Render(obs)
}

// buildStartRequest reads --request, then applies every explicitly set flag.
func buildStartRequest(c *cli.Context) (types.StartRequest, error) {
	var req types.StartRequest
	if path := c.String("request"); path != "" {
		loaded, err := readStartRequest(path)
		if err != nil {
			return req, err
		}
		req = loaded
	}
	if c.IsSet("host") {
		req.Host = c.String("host")
	}
	if c.IsSet("port") {
		req.Port = c.Int("port")
	}
	if c.IsSet("wait-ticks") {
		req.WaitTicks = c.Int("wait-ticks")
	}
	if c.IsSet("reset") {
		req.Reset = types.ResetMode(c.String("reset"))
	}
	if c.IsSet("position") {
		pos, err := parsePosition(c.String("position"))
		if err != nil {
			return req, err
		}
		req.Position = &pos
	}
	if c.IsSet("item") {
		inv, err := parseItems(c.StringSlice("item"))
		if err != nil {
			return req, err
		}
		req.Inventory = inv
	}
	if c.IsSet("equipment") {
		req.Equipment = c.StringSlice("equipment")
	}
	if c.IsSet("spread") {
		req.Spread = c.Bool("spread")
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// readStartRequest decodes a request file. .json files use the HTTP field
// names; anything else is YAML with snake_case keys.
func readStartRequest(path string) (types.StartRequest, error) {
	var req types.StartRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read request file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse request file %s: %w", path, err)
		}
		return req, nil
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request file %s: %w", path, err)
	}
	return req, nil
}

// parsePosition parses "x,y,z".
func parsePosition(s string) (types.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return types.Vec3{}, fmt.Errorf("position must be x,y,z, got %q", s)
	}
	var coords [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.Vec3{}, fmt.Errorf("position must be x,y,z, got %q", s)
		}
		coords[i] = v
	}
	return types.Vec3{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// parseItems parses name=count entries. Repeated names add up.
func parseItems(entries []string) (map[string]int, error) {
	inv := make(map[string]int, len(entries))
	for _, e := range entries {
		name, count, ok := strings.Cut(e, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("item must be name=count, got %q", e)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("item count for %s must be a positive integer, got %q", name, count)
		}
		inv[name] += n
	}
	return inv, nil
}

func stepAction(c *cli.Context) error {
	req, err := buildStepRequest(c, os.Stdin)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	r, cl, err := clientFor(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	obs, err := cl.Step(ctx, req)
	if err != nil {
		return exitFor(err)
	}

	if c.Bool("tui") {
		err = r.RenderTUI(tui.ViewStep, obs)
	} else {
		err = r.Render(obs)
	}
	if err != nil {
		return err
	}
	if obs.Outcome == types.OutcomeScriptError {
		return cli.Exit("", exitScriptError)
	}
	return nil
}

// buildStepRequest takes the script from --code or --file, never both.
func buildStepRequest(c *cli.Context, stdin io.Reader) (types.StepRequest, error) {
	var req types.StepRequest
	code, file := c.String("code"), c.String("file")
	switch {
	case code != "" && file != "":
		return req, fmt.Errorf("--code and --file are mutually exclusive")
	case code != "":
		req.Code = code
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return req, fmt.Errorf("read stdin: %w", err)
		}
		req.Code = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("read script: %w", err)
		}
		req.Code = string(data)
	default:
		return req, fmt.Errorf("one of --code or --file is required")
	}

	if path := c.String("programs-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("read programs: %w", err)
		}
		req.Programs = string(data)
	}
	return req, nil
}

func messageAction(command string, call func(context.Context, *client.Client) (*types.MessageResponse, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := rejectTUI(c, command); err != nil {
			return err
		}
		r, cl, err := clientFor(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		resp, err := call(ctx, cl)
		if err != nil {
			return exitFor(err)
		}
		return r.Render(resp)
	}
}

func statusAction(c *cli.Context) error {
	r, cl, err := clientFor(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	status, err := cl.Status(ctx)
	if err != nil {
		return exitFor(err)
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatus, tui.LiveStatus{
			Initial: status,
			Refresh: func(ctx context.Context) (*server.StatusResponse, error) {
				return cl.Status(ctx)
			},
		})
	}
	return r.Render(status)
}

func watchAction(c *cli.Context) error {
	if err := rejectTUI(c, "watch"); err != nil {
		return err
	}
	limit := c.Int("count")
	if limit < 0 {
		return cli.Exit("--count must be >= 0", exitInvalidInput)
	}
	r, cl, err := clientFor(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	seen := 0
	err = cl.Watch(ctx, func(ev *adapter.StepCompletedEvent) error {
		if err := r.Render(ev); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			return client.ErrStopWatching
		}
		return nil
	})
	return exitFor(err)
}
