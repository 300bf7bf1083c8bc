package remote

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pithecene-io/stepwise/ipc"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
	"github.com/pithecene-io/stepwise/world/sim"
)

// startServer hosts a fresh sim world on a loopback port.
func startServer(t *testing.T) (*sim.World, world.DialOptions) {
	t.Helper()
	w := sim.New(sim.Config{Seed: 7, Size: 32, Features: []sim.Feature{}}, log.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{World: w, Logger: log.Nop()}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return w, world.DialOptions{Host: "127.0.0.1", Port: addr.Port, Username: "bot"}
}

func dialRemote(t *testing.T, opts world.DialOptions) world.Conn {
	t.Helper()
	d := &Dialer{Timeout: 2 * time.Second, Logger: log.Nop()}
	c, err := d.Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitAgents polls until the world has n agents.
func waitAgents(t *testing.T, w *sim.World, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(w.Agents()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("agents = %v, want %d", w.Agents(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func nextEvent(t *testing.T, c world.Conn) (world.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return world.Event{}, false
	}
}

func TestDial_TicksFlowInOrder(t *testing.T) {
	w, opts := startServer(t)
	c := dialRemote(t, opts)
	waitAgents(t, w, 1)

	go func() {
		for range 5 {
			w.Step()
		}
	}()
	for i := 1; i <= 5; i++ {
		ev, ok := nextEvent(t, c)
		if !ok {
			t.Fatal("events closed")
		}
		if ev.Kind != world.EventTick || ev.Tick != uint64(i) {
			t.Errorf("event = %s@%d, want tick@%d", ev.Kind, ev.Tick, i)
		}
	}
}

func TestCalls_RoundTrip(t *testing.T) {
	w, opts := startServer(t)
	c := dialRemote(t, opts)
	ctx := context.Background()

	if err := c.Give(ctx, "oak_log", 4); err != nil {
		t.Fatalf("Give() error = %v", err)
	}
	snap, err := c.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if got := snap.State.Count("oak_log"); got != 4 {
		t.Errorf("oak_log = %d, want 4", got)
	}
	if len(snap.Voxels) == 0 {
		t.Error("Voxels empty")
	}

	target := w.Spawn().Floor().Add(2, 0, 0)
	if err := c.SetBlock(ctx, target, "iron_ore"); err != nil {
		t.Fatalf("SetBlock() error = %v", err)
	}
	blocks, err := c.FindBlocks(ctx, types.BlockQuery{Name: "iron_ore", MaxDistance: 4})
	if err != nil {
		t.Fatalf("FindBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0] != target {
		t.Errorf("FindBlocks() = %v, want [%s]", blocks, target)
	}
}

func TestCalls_RemoteErrorCarriesMessage(t *testing.T) {
	_, opts := startServer(t)
	c := dialRemote(t, opts)

	err := c.Place(context.Background(), "cobblestone", types.Vec3{X: 1, Y: 64})
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Place() error = %v, want *RemoteError", err)
	}
	if rerr.Op != ipc.OpPlace {
		t.Errorf("Op = %q, want %q", rerr.Op, ipc.OpPlace)
	}
}

func TestKick_EndsEventStream(t *testing.T) {
	w, opts := startServer(t)
	c := dialRemote(t, opts)
	waitAgents(t, w, 1)

	go func() { _ = w.Kick("bot", "maintenance") }()

	ev, ok := nextEvent(t, c)
	if !ok || ev.Kind != world.EventKicked || ev.Message != "maintenance" {
		t.Fatalf("event = %+v (ok=%v), want kicked maintenance", ev, ok)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("events still open after kick")
	}
	if err := c.Chat(context.Background(), "hi"); !errors.Is(err, world.ErrClosed) {
		t.Errorf("Chat() after kick error = %v, want ErrClosed", err)
	}
}

func TestClose_LeavesWorld(t *testing.T) {
	w, opts := startServer(t)
	c := dialRemote(t, opts)
	waitAgents(t, w, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitAgents(t, w, 0)
}

func TestDial_RefusedIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	d := &Dialer{Timeout: time.Second, Logger: log.Nop()}
	_, err = d.Dial(context.Background(), world.DialOptions{Host: "127.0.0.1", Port: port, Username: "bot"})
	var cerr *types.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Dial() error = %v, want *types.ConnectionError", err)
	}
	if cerr.Port != port {
		t.Errorf("Port = %d, want %d", cerr.Port, port)
	}
}

func TestServer_RejectsVersionMismatch(t *testing.T) {
	_, opts := startServer(t)

	nc, err := net.Dial("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	enc := ipc.NewFrameEncoder(nc)
	_ = enc.WriteFrame(&ipc.HelloFrame{Type: ipc.TypeHello, Version: "0.0.1", Username: "bot"})

	f, err := ipc.NewFrameDecoder(nc).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, ok := f.(*ipc.KickedFrame); !ok {
		t.Errorf("frame = %T, want *ipc.KickedFrame", f)
	}
}
