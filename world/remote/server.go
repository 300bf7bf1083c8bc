package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pithecene-io/stepwise/iox"
	"github.com/pithecene-io/stepwise/ipc"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// Server hosts a world.Dialer behind the ipc protocol. Each accepted
// connection becomes one agent session.
type Server struct {
	World  world.Dialer
	Logger *log.Logger

	wg sync.WaitGroup
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits
// for open sessions to end before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { iox.DiscardClose(ln) })
	defer stop()

	s.Logger.Info("world server listening", map[string]any{"addr": ln.Addr().String()})
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

// handle runs one session: hello, spawn, then calls in and events out.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer iox.DiscardClose(nc)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { iox.DiscardClose(nc) })
	defer stop()

	enc := ipc.NewFrameEncoder(nc)
	dec := ipc.NewFrameDecoder(nc)
	logger := s.Logger.With(map[string]any{"remote": nc.RemoteAddr().String()})

	first, err := dec.Next()
	if err != nil {
		logger.Warn("handshake failed", map[string]any{"error": err.Error()})
		return
	}
	hello, ok := first.(*ipc.HelloFrame)
	if !ok {
		_ = enc.WriteFrame(&ipc.KickedFrame{Type: ipc.TypeKicked, Reason: fmt.Sprintf("expected hello, got %T", first)})
		return
	}
	if hello.Version != types.ProtocolVersion {
		_ = enc.WriteFrame(&ipc.KickedFrame{
			Type:   ipc.TypeKicked,
			Reason: fmt.Sprintf("protocol version %q, server speaks %q", hello.Version, types.ProtocolVersion),
		})
		return
	}

	conn, err := s.World.Dial(ctx, world.DialOptions{Username: hello.Username})
	if err != nil {
		_ = enc.WriteFrame(&ipc.KickedFrame{Type: ipc.TypeKicked, Reason: err.Error()})
		return
	}
	defer iox.DiscardClose(conn)

	st := conn.State()
	if err := enc.WriteFrame(&ipc.SpawnFrame{Type: ipc.TypeSpawn, Position: st.Position, State: st}); err != nil {
		return
	}
	logger = logger.With(map[string]any{"username": hello.Username})
	logger.Info("session opened", nil)

	go s.forward(ctx, cancel, enc, conn)

	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			if ipc.IsFatalFrameError(err) || !isFrameError(err) {
				logger.Warn("session stream error", map[string]any{"error": err.Error()})
				break
			}
			logger.Warn("frame decode error", map[string]any{"error": err.Error()})
			continue
		}
		call, ok := f.(*ipc.CallFrame)
		if !ok {
			logger.Warn("unexpected frame", map[string]any{"type": fmt.Sprintf("%T", f)})
			continue
		}
		// Calls run in order so that effects apply in the order sent.
		if err := enc.WriteFrame(dispatch(ctx, conn, call)); err != nil {
			break
		}
	}
	logger.Info("session closed", nil)
}

func isFrameError(err error) bool {
	var fe *ipc.FrameError
	return errors.As(err, &fe)
}

// forward turns world events into frames until the conn ends.
func (s *Server) forward(ctx context.Context, cancel context.CancelFunc, enc *ipc.FrameEncoder, conn world.Conn) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			var err error
			switch ev.Kind {
			case world.EventTick:
				err = enc.WriteFrame(&ipc.TickFrame{Type: ipc.TypeTick, Tick: ev.Tick, State: ev.State})
			case world.EventKicked:
				_ = enc.WriteFrame(&ipc.KickedFrame{Type: ipc.TypeKicked, Tick: ev.Tick, Reason: ev.Message})
				return
			default:
				err = enc.WriteFrame(&ipc.EventFrame{
					Type:    ipc.TypeEvent,
					Kind:    string(ev.Kind),
					Tick:    ev.Tick,
					Message: ev.Message,
					State:   ev.State,
				})
			}
			if err != nil {
				return
			}
		}
	}
}

// dispatch applies one call to conn and builds its reply.
func dispatch(ctx context.Context, conn world.Conn, call *ipc.CallFrame) *ipc.ReplyFrame {
	reply := &ipc.ReplyFrame{Type: ipc.TypeReply, ID: call.ID}
	a := call.Args
	var err error
	switch call.Op {
	case ipc.OpObserve:
		var snap types.Snapshot
		snap, err = conn.Observe(ctx)
		reply.Result.Snapshot = &snap
	case ipc.OpMoveTo:
		err = conn.MoveTo(ctx, a.Pos, a.Range)
	case ipc.OpStopMoving:
		err = conn.StopMoving(ctx)
	case ipc.OpTeleport:
		err = conn.Teleport(ctx, a.Pos)
	case ipc.OpDismount:
		err = conn.Dismount(ctx)
	case ipc.OpChat:
		err = conn.Chat(ctx, a.Message)
	case ipc.OpGive:
		err = conn.Give(ctx, a.Item, a.N)
	case ipc.OpEquip:
		err = conn.Equip(ctx, a.Slot, a.Item)
	case ipc.OpReset:
		err = conn.Reset(ctx)
	case ipc.OpSetRule:
		err = conn.SetRule(ctx, a.Rule, a.Value)
	case ipc.OpSpread:
		err = conn.Spread(ctx, a.Distance, a.MaxRange)
	case ipc.OpPause:
		err = conn.Pause(ctx)
	case ipc.OpFindBlocks:
		reply.Result.Blocks, err = conn.FindBlocks(ctx, a.Query)
	case ipc.OpSetBlock:
		err = conn.SetBlock(ctx, a.Pos, a.Name)
	case ipc.OpPlace:
		err = conn.Place(ctx, a.Item, a.Pos)
	case ipc.OpDig:
		err = conn.Dig(ctx, a.Pos)
	default:
		err = fmt.Errorf("unknown op %q", call.Op)
	}
	if err != nil {
		reply.Error = err.Error()
		reply.Result = ipc.CallResult{}
	}
	return reply
}
