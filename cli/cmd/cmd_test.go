package cmd

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/stepwise/adapter/redis"
	"github.com/pithecene-io/stepwise/adapter/webhook"
	"github.com/pithecene-io/stepwise/cli/client"
	stepconfig "github.com/pithecene-io/stepwise/cli/config"
	"github.com/pithecene-io/stepwise/reclaim"
	"github.com/pithecene-io/stepwise/script/stdlib"
	"github.com/pithecene-io/stepwise/types"
)

// newTestCLIContext builds a cli.Context over flags, parsing args.
func newTestCLIContext(t *testing.T, flags []cli.Flag, args []string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		if err := f.Apply(set); err != nil {
			t.Fatalf("Apply(%v) error = %v", f.Names(), err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestClientFlags_IncludesServer(t *testing.T) {
	flags := ClientFlags()
	if flags[0].Names()[0] != "server" {
		t.Errorf("first client flag = %v, want server", flags[0].Names())
	}
	if len(flags) != len(ReadOnlyFlags())+1 {
		t.Errorf("len(ClientFlags()) = %d", len(flags))
	}
}

func TestIsStderrTTY(_ *testing.T) {
	// Actual TTY behavior depends on runtime environment.
	_ = isStderrTTY()
}

func TestExitFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"transport", &client.TransportError{Err: errors.New("refused")}, exitConnection, "control server unreachable: refused"},
		{"world connection", &client.APIError{Status: 400, Kind: types.ErrorKindConnection, Message: "dial failed"}, exitConnection, "dial failed"},
		{"session closed", &client.APIError{Status: 409, Kind: types.ErrorKindClosed, Message: "closed"}, exitConnection, "closed"},
		{"not spawned", &client.APIError{Status: 400, Kind: types.ErrorKindNotSpawned, Message: "Bot not spawned"}, exitInvalidInput, "Bot not spawned"},
		{"busy", &client.APIError{Status: 409, Kind: types.ErrorKindBusy, Message: "busy"}, exitInvalidInput, "busy"},
		{"no kind", &client.APIError{Status: 502, Message: "upstream"}, exitInvalidInput, "upstream"},
		{"internal", &client.APIError{Status: 500, Kind: types.ErrorKindInternal, Message: "boom"}, exitScriptError, "boom"},
		{"plain", errors.New("decode failed"), exitScriptError, "decode failed"},
		{"exit coder", cli.Exit("keep", 7), 7, "keep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var coder cli.ExitCoder
			if !errors.As(exitFor(tt.err), &coder) {
				t.Fatal("exitFor() did not return a cli.ExitCoder")
			}
			if coder.ExitCode() != tt.wantCode {
				t.Errorf("ExitCode() = %d, want %d", coder.ExitCode(), tt.wantCode)
			}
			if coder.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", coder.Error(), tt.wantMsg)
			}
		})
	}
}

func TestExitFor_Nil(t *testing.T) {
	if err := exitFor(nil); err != nil {
		t.Errorf("exitFor(nil) = %v, want nil", err)
	}
}

func TestResolvePrecedence(t *testing.T) {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "localhost"},
		&cli.IntFlag{Name: "port", Value: 25565},
	}
	tests := []struct {
		name     string
		args     []string
		cfgHost  string
		cfgPort  int
		wantHost string
		wantPort int
	}{
		{"defaults", nil, "", 0, "localhost", 25565},
		{"config wins over default", nil, "world.local", 25570, "world.local", 25570},
		{"flag wins over config", []string{"--host", "flag.local", "--port", "1"}, "world.local", 25570, "flag.local", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCLIContext(t, flags, tt.args)
			if got := resolveString(c, "host", tt.cfgHost); got != tt.wantHost {
				t.Errorf("host = %q, want %q", got, tt.wantHost)
			}
			if got := resolveInt(c, "port", tt.cfgPort); got != tt.wantPort {
				t.Errorf("port = %d, want %d", got, tt.wantPort)
			}
		})
	}
}

func TestResolveServe(t *testing.T) {
	c := newTestCLIContext(t, ServeCommand().Flags, []string{"--wait-ticks", "9", "--adapter", "webhook", "--adapter-url", "http://hook"})
	cfg := &stepconfig.Config{}
	cfg.World.Host = "world.local"
	cfg.Step.WaitTicks = 4
	cfg.Reclaim.HighWaterMark = 12
	cfg.Reclaim.RetainItems = []string{"bread"}

	choice := resolveServe(c, cfg)
	if choice.listen != ":3000" {
		t.Errorf("listen = %q", choice.listen)
	}
	if choice.host != "world.local" || choice.port != 25565 {
		t.Errorf("host:port = %s:%d", choice.host, choice.port)
	}
	if choice.waitTicks != 9 {
		t.Errorf("waitTicks = %d, want flag value 9", choice.waitTicks)
	}
	if choice.adapter.Type != stepconfig.AdapterWebhook || choice.adapter.URL != "http://hook" {
		t.Errorf("adapter = %+v", choice.adapter)
	}
	if choice.reclaim.HighWaterMark != 12 {
		t.Errorf("HighWaterMark = %d, want 12", choice.reclaim.HighWaterMark)
	}
	if choice.reclaim.StorageItem != reclaim.DefaultConfig().StorageItem {
		t.Errorf("StorageItem = %q, want default", choice.reclaim.StorageItem)
	}
	if len(choice.retain) != 1 || choice.retain[0] != "bread" {
		t.Errorf("retain = %v", choice.retain)
	}
}

func TestResolveServe_NilConfig(t *testing.T) {
	c := newTestCLIContext(t, ServeCommand().Flags, []string{"--sim"})
	choice := resolveServe(c, nil)
	if !choice.sim {
		t.Error("sim = false, want true")
	}
	if choice.logLevel != "info" {
		t.Errorf("logLevel = %q", choice.logLevel)
	}
	if choice.reclaim.HighWaterMark != reclaim.DefaultConfig().HighWaterMark {
		t.Errorf("reclaim = %+v, want defaults", choice.reclaim)
	}
}

func TestResolveSim(t *testing.T) {
	c := newTestCLIContext(t, WorldCommand().Flags, []string{"--seed", "42"})
	cfg := &stepconfig.Config{}
	cfg.World.Sim.Seed = 7
	cfg.World.Sim.Size = 64

	got := resolveSim(c, cfg)
	if got.Seed != 42 || got.Size != 64 {
		t.Errorf("resolveSim() = %+v, want seed 42 size 64", got)
	}
}

func TestBuildAdapter(t *testing.T) {
	a, err := buildAdapter(stepconfig.AdapterConfig{})
	if err != nil || a != nil {
		t.Fatalf("buildAdapter(empty) = %v, %v; want nil, nil", a, err)
	}

	zero := 0
	a, err = buildAdapter(stepconfig.AdapterConfig{Type: stepconfig.AdapterWebhook, URL: "http://127.0.0.1:1/hook", Retries: &zero})
	if err != nil {
		t.Fatalf("buildAdapter(webhook) error = %v", err)
	}
	if _, ok := a.(*webhook.Adapter); !ok {
		t.Errorf("buildAdapter(webhook) = %T", a)
	}
	_ = a.Close()

	a, err = buildAdapter(stepconfig.AdapterConfig{Type: stepconfig.AdapterRedis, URL: "redis://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("buildAdapter(redis) error = %v", err)
	}
	if _, ok := a.(*redis.Adapter); !ok {
		t.Errorf("buildAdapter(redis) = %T", a)
	}
	_ = a.Close()

	if _, err := buildAdapter(stepconfig.AdapterConfig{Type: "kafka"}); err == nil {
		t.Error("buildAdapter(kafka) error = nil, want error")
	}
}

func TestScriptLibraries(t *testing.T) {
	bundled, err := stdlib.Paths()
	if err != nil {
		t.Fatalf("stdlib.Paths() error = %v", err)
	}

	got, err := scriptLibraries("")
	if err != nil || len(got) != len(bundled) {
		t.Fatalf("scriptLibraries(\"\") = %v, %v", got, err)
	}

	dir := t.TempDir()
	for _, name := range []string{"b.lua", "a.lua", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err = scriptLibraries(dir)
	if err != nil {
		t.Fatalf("scriptLibraries(dir) error = %v", err)
	}
	extra := got[len(bundled):]
	if len(extra) != 2 || filepath.Base(extra[0]) != "a.lua" || filepath.Base(extra[1]) != "b.lua" {
		t.Errorf("extra libraries = %v, want a.lua then b.lua", extra)
	}

	if _, err := scriptLibraries(filepath.Join(dir, "missing")); err == nil {
		t.Error("scriptLibraries(missing) error = nil, want error")
	}
}

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("1.5, 64,-3")
	if err != nil {
		t.Fatalf("parsePosition() error = %v", err)
	}
	if pos != (types.Vec3{X: 1.5, Y: 64, Z: -3}) {
		t.Errorf("parsePosition() = %+v", pos)
	}
	for _, bad := range []string{"", "1,2", "1,2,3,4", "a,b,c"} {
		if _, err := parsePosition(bad); err == nil {
			t.Errorf("parsePosition(%q) error = nil, want error", bad)
		}
	}
}

func TestParseItems(t *testing.T) {
	inv, err := parseItems([]string{"oak_log=4", "bread = 2", "oak_log=1"})
	if err != nil {
		t.Fatalf("parseItems() error = %v", err)
	}
	if inv["oak_log"] != 5 || inv["bread"] != 2 {
		t.Errorf("parseItems() = %v", inv)
	}
	for _, bad := range []string{"oak_log", "=3", "oak_log=0", "oak_log=x"} {
		if _, err := parseItems([]string{bad}); err == nil {
			t.Errorf("parseItems(%q) error = nil, want error", bad)
		}
	}
}

func TestBuildStartRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "start.yaml")
	body := "host: world.local\nwait_ticks: 5\nreset: hard\ninventory:\n  bread: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTestCLIContext(t, StartCommand().Flags, []string{"--request", path, "--wait-ticks", "8", "--position", "0,70,0", "--spread"})
	req, err := buildStartRequest(c)
	if err != nil {
		t.Fatalf("buildStartRequest() error = %v", err)
	}
	if req.Host != "world.local" || req.WaitTicks != 8 || req.Reset != types.ResetHard {
		t.Errorf("req = %+v", req)
	}
	if req.Inventory["bread"] != 3 || req.Position == nil || req.Position.Y != 70 || !req.Spread {
		t.Errorf("req = %+v", req)
	}
}

func TestBuildStartRequest_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "start.json")
	if err := os.WriteFile(path, []byte(`{"waitTicks": 3, "reset": "soft"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newTestCLIContext(t, StartCommand().Flags, []string{"--request", path})
	req, err := buildStartRequest(c)
	if err != nil {
		t.Fatalf("buildStartRequest() error = %v", err)
	}
	if req.WaitTicks != 3 || req.Reset != types.ResetSoft {
		t.Errorf("req = %+v", req)
	}
}

func TestBuildStartRequest_Invalid(t *testing.T) {
	c := newTestCLIContext(t, StartCommand().Flags, []string{"--reset", "sideways"})
	if _, err := buildStartRequest(c); err == nil {
		t.Error("buildStartRequest() error = nil, want invalid reset")
	}
}

func TestBuildStepRequest(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "step.lua")
	programs := filepath.Join(dir, "programs.lua")
	if err := os.WriteFile(script, []byte("chat('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(programs, []byte("function helper() end"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "code", args: []string{"--code", "x = 1"}, want: "x = 1"},
		{name: "file", args: []string{"--file", script}, want: "chat('hi')"},
		{name: "stdin", args: []string{"--file", "-"}, stdin: "y = 2", want: "y = 2"},
		{name: "neither", wantErr: true},
		{name: "both", args: []string{"--code", "x", "--file", script}, wantErr: true},
		{name: "missing file", args: []string{"--file", filepath.Join(dir, "nope.lua")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCLIContext(t, StepCommand().Flags, tt.args)
			req, err := buildStepRequest(c, strings.NewReader(tt.stdin))
			if tt.wantErr {
				if err == nil {
					t.Error("buildStepRequest() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildStepRequest() error = %v", err)
			}
			if req.Code != tt.want {
				t.Errorf("Code = %q, want %q", req.Code, tt.want)
			}
		})
	}

	c := newTestCLIContext(t, StepCommand().Flags, []string{"--code", "helper()", "--programs-file", programs})
	req, err := buildStepRequest(c, strings.NewReader(""))
	if err != nil {
		t.Fatalf("buildStepRequest() error = %v", err)
	}
	if req.Programs != "function helper() end" {
		t.Errorf("Programs = %q", req.Programs)
	}
}

func TestRejectTUI(t *testing.T) {
	c := newTestCLIContext(t, ClientFlags(), []string{"--tui"})
	var coder cli.ExitCoder
	if err := rejectTUI(c, "stop"); !errors.As(err, &coder) || coder.ExitCode() != exitInvalidInput {
		t.Errorf("rejectTUI() = %v, want exit %d", err, exitInvalidInput)
	}
	c = newTestCLIContext(t, ClientFlags(), nil)
	if err := rejectTUI(c, "stop"); err != nil {
		t.Errorf("rejectTUI() without --tui = %v", err)
	}
}

func TestVersionResponse(t *testing.T) {
	c := newTestCLIContext(t, ReadOnlyFlags(), []string{"--format", "json"})
	if err := versionAction("abc123")(c); err != nil {
		t.Errorf("version action error = %v", err)
	}
}
