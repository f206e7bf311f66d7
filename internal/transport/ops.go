package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/util"
)

// Go runs op on its own goroutine and queues done for the simulation
// thread. done is skipped if DisconnectAll ran in between.
func (s *Session) Go(op func(ctx context.Context) error, done func(error)) {
	gen := s.gen.Load()
	ctx := s.opCtx

	go func() {
		err := op(ctx)
		s.mu.Lock()
		s.completions = append(s.completions, completion{gen: gen, fn: func() {
			if done != nil {
				done(err)
			}
		}})
		s.mu.Unlock()
	}()
}

// PollCompletions runs the callbacks of finished operations that still
// belong to the current session.
func (s *Session) PollCompletions() {
	s.mu.Lock()
	pending := s.completions
	s.completions = nil
	s.mu.Unlock()

	gen := s.gen.Load()
	for _, c := range pending {
		if c.gen != gen {
			util.LogDebug("discarding completion from a previous session")
			continue
		}
		c.fn()
	}
}

// Connect opens an outgoing link to id. The peer is recorded as pending
// right away and rolled back if the link is not up within the connect
// timeout. A Connect issued while another is in flight waits for that
// attempt's outcome.
func (s *Session) Connect(id protocol.PeerID, done func(error)) {
	if c, ok := s.peers[id]; ok {
		if c.Pending {
			if done != nil {
				s.waiters[id] = append(s.waiters[id], done)
			}
		} else if done != nil {
			done(nil)
		}
		return
	}
	s.peers[id] = &Connection{Peer: id, Role: Outgoing, Pending: true}

	s.Go(func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()

		err := s.relay.ConnectPeer(cctx, id)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %v", ErrConnectTimeout, id, s.opts.ConnectTimeout)
		}
		return err
	}, func(err error) {
		c, ok := s.peers[id]
		if err == nil {
			if ok {
				c.Pending = false
			}
		} else if ok && c.Pending {
			delete(s.peers, id)
			s.relay.ClosePeer(id)
		}

		waiting := s.waiters[id]
		delete(s.waiters, id)
		if done != nil {
			done(err)
		}
		for _, w := range waiting {
			w(err)
		}
	})
}

// DisconnectAll tears the session down: outgoing links are closed, the
// listener is stopped if hosting, the room is left, the peer table is
// cleared and every queue is emptied. Nothing queued before the call is
// delivered afterwards.
func (s *Session) DisconnectAll() {
	wasHost := s.sctx.IsHost()

	for id, c := range s.peers {
		if c.Role == Outgoing {
			s.relay.ClosePeer(id)
		}
	}
	if wasHost {
		s.relay.StopListening()
	}
	s.relay.LeaveRoom()
	clear(s.peers)
	clear(s.waiters)

	s.gen.Add(1)
	s.opCancel()
	s.opCtx, s.opCancel = context.WithCancel(s.parent)

drain:
	for {
		select {
		case <-s.inbox:
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.events = nil
	s.completions = nil
	s.mu.Unlock()
}

// Close tears the session down and cancels every pending operation for
// good.
func (s *Session) Close() {
	s.DisconnectAll()
	s.opCancel()
}
