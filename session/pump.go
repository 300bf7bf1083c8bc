package session

import (
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// pump forwards world events to the session in arrival order. It is the
// only caller of sess.clock.Tick.
//
// When the world ends the stream the pump stops the clock, so pending waits
// fail instead of hanging, and hands teardown to the manager.
func (m *Manager) pump(sess *session) {
	defer close(sess.pumpDone)

	reason := "connection closed"
	for ev := range sess.conn.Events() {
		switch ev.Kind {
		case world.EventTick:
			m.cfg.Collector.IncTick()
			sess.clock.Tick()
		case world.EventChat:
			sess.record(types.EventTypeChat, ev.Message)
		case world.EventDeath:
			sess.record(types.EventTypeDeath, ev.Message)
		case world.EventMount:
			// A mounted agent stops receiving physics ticks on real servers.
			if err := sess.conn.Dismount(sess.ctx); err != nil && sess.ctx.Err() == nil {
				sess.logger.Warn("dismount failed", map[string]any{"error": err.Error()})
			}
		case world.EventKicked:
			reason = "kicked: " + ev.Message
		default:
			sess.logger.Debug("world event ignored", map[string]any{"kind": string(ev.Kind)})
		}
	}

	if sess.ctx.Err() != nil {
		return
	}
	sess.logger.Warn("world ended session", map[string]any{"reason": reason})
	sess.clock.Stop()
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.lost(sess, reason)
	}()
}

func (s *session) record(t types.EventType, message string) {
	if err := s.buffer.Add(types.Event{Type: t, Tick: s.clock.Now(), Message: message}); err != nil {
		s.logger.Warn("event not recorded", map[string]any{
			"event_type": string(t),
			"error":      err.Error(),
		})
	}
}
