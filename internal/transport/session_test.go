package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/transport"
	"github.com/1ureka/mpmesh/internal/util"
)

// ---------------------------------------------------------------------------
// fakeRelay records every call made by the Session.
// ---------------------------------------------------------------------------

type sentPacket struct {
	to       protocol.PeerID
	data     []byte
	delivery protocol.Delivery
}

type fakeRelay struct {
	mu        sync.Mutex
	handler   transport.Handler
	sent      []sentPacket
	closed    []protocol.PeerID
	left      bool
	stopped   bool
	connectFn func(ctx context.Context, id protocol.PeerID) error
}

var _ transport.Relay = (*fakeRelay)(nil)

func (f *fakeRelay) LocalID() protocol.PeerID       { return 1 }
func (f *fakeRelay) SetHandler(h transport.Handler) { f.handler = h }
func (f *fakeRelay) Listen() error                  { return nil }
func (f *fakeRelay) StopListening()                 { f.stopped = true }
func (f *fakeRelay) LeaveRoom()                     { f.left = true }
func (f *fakeRelay) ClosePeer(id protocol.PeerID)   { f.closed = append(f.closed, id) }
func (f *fakeRelay) JoinRoom(context.Context, string) (transport.Room, error) {
	return transport.Room{}, nil
}
func (f *fakeRelay) CreateRoom(context.Context, string, int) (transport.Room, error) {
	return transport.Room{}, nil
}

func (f *fakeRelay) ConnectPeer(ctx context.Context, id protocol.PeerID) error {
	if f.connectFn != nil {
		return f.connectFn(ctx, id)
	}
	return nil
}

func (f *fakeRelay) Send(to protocol.PeerID, data []byte, d protocol.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{to: to, data: append([]byte(nil), data...), delivery: d})
	return nil
}

func (f *fakeRelay) targets() []protocol.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.PeerID
	for _, p := range f.sent {
		out = append(out, p.to)
	}
	return out
}

func newTestSession(t *testing.T, me, host protocol.PeerID) (*transport.Session, *fakeRelay, *state.Context) {
	t.Helper()
	sctx := state.New(me)
	sctx.HostID = host
	if err := sctx.Transition(state.Active); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	fr := &fakeRelay{}
	s := transport.NewSession(context.Background(), fr, sctx, transport.Options{
		InboxSize:      8,
		ConnectTimeout: 50 * time.Millisecond,
	})
	return s, fr, sctx
}

func connect(s *transport.Session, id protocol.PeerID, incoming bool) {
	s.HandleEvent(transport.Event{Kind: transport.PeerConnected, Peer: id, Incoming: incoming})
	s.PollEvents(nil)
}

// waitCompletions polls until cond holds or the deadline passes.
func waitCompletions(t *testing.T, s *transport.Session, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.PollCompletions()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for completion")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestIncomingOverridesOutgoing verifies the connection role rule.
func TestIncomingOverridesOutgoing(t *testing.T) {
	testCases := []struct {
		name  string
		first bool
		then  bool
		want  transport.Role
	}{
		{"outgoing then incoming", false, true, transport.Incoming},
		{"incoming then outgoing", true, false, transport.Incoming},
		{"outgoing then outgoing", false, false, transport.Outgoing},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newTestSession(t, 1, 1)
			connect(s, 5, tc.first)
			connect(s, 5, tc.then)

			conns := s.Connections()
			if len(conns) != 1 {
				t.Fatalf("Expected 1 connection, got %d", len(conns))
			}
			if conns[0].Role != tc.want {
				t.Errorf("Role mismatch: got %s, want %s", conns[0].Role, tc.want)
			}
		})
	}
}

// TestSendToHostIsNoopOnHost verifies there is no self-loop.
func TestSendToHostIsNoopOnHost(t *testing.T) {
	s, fr, _ := newTestSession(t, 1, 1)
	connect(s, 2, true)

	if err := s.SendToHost([]byte("x"), protocol.Reliable); err != nil {
		t.Fatalf("SendToHost failed: %v", err)
	}
	if len(fr.targets()) != 0 {
		t.Errorf("Expected no sends from host, got %v", fr.targets())
	}
}

// TestSendToHostFromClient verifies a client reaches its host.
func TestSendToHostFromClient(t *testing.T) {
	s, fr, _ := newTestSession(t, 2, 1)
	connect(s, 1, false)

	if err := s.SendToHost([]byte("x"), protocol.UnreliableNoDelay); err != nil {
		t.Fatalf("SendToHost failed: %v", err)
	}
	if got := fr.targets(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected one send to host 1, got %v", got)
	}
	if fr.sent[0].delivery != protocol.UnreliableNoDelay {
		t.Errorf("Delivery mismatch: got %s", fr.sent[0].delivery)
	}
}

// TestBroadcastExcept verifies fan-out skips the excluded peer.
func TestBroadcastExcept(t *testing.T) {
	s, fr, _ := newTestSession(t, 1, 1)
	for _, id := range []protocol.PeerID{2, 3, 4} {
		connect(s, id, true)
	}

	s.BroadcastExcept(3, []byte("hello"), protocol.Reliable)

	got := fr.targets()
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Errorf("Targets mismatch: got %v, want [2 4]", got)
	}

	fr.sent = nil
	s.Broadcast([]byte("all"), protocol.Reliable)
	if len(fr.targets()) != 3 {
		t.Errorf("Broadcast target count mismatch: got %d, want 3", len(fr.targets()))
	}
}

// TestDrainCap verifies at most limit messages leave the queue per call.
func TestDrainCap(t *testing.T) {
	s, _, _ := newTestSession(t, 1, 1)
	for i := range 8 {
		s.HandleMessage(2, []byte{byte(i)})
	}

	var got []byte
	n := s.DrainMessages(5, func(m transport.Message) { got = append(got, m.Data[0]) })
	if n != 5 || len(got) != 5 {
		t.Fatalf("Drain count mismatch: got n=%d len=%d, want 5", n, len(got))
	}
	for i, b := range got {
		if int(b) != i {
			t.Errorf("Order mismatch at %d: got %d", i, b)
		}
	}

	n = s.DrainMessages(5, func(transport.Message) {})
	if n != 3 {
		t.Errorf("Second drain mismatch: got %d, want 3", n)
	}
}

// TestQueueFullDrops verifies overflow is dropped instead of blocking.
func TestQueueFullDrops(t *testing.T) {
	s, _, _ := newTestSession(t, 1, 1)
	for range 20 {
		s.HandleMessage(2, []byte{0})
	}

	if n := s.DrainMessages(100, func(transport.Message) {}); n != 8 {
		t.Errorf("Expected inbox capacity of 8 messages, got %d", n)
	}
}

// TestDisconnectAll verifies teardown closes outgoing links, stops the
// listener, leaves the room, clears the table and drains the queues.
func TestDisconnectAll(t *testing.T) {
	s, fr, _ := newTestSession(t, 1, 1)
	connect(s, 2, true)
	connect(s, 3, false)
	s.HandleMessage(2, []byte("stale"))
	s.HandleEvent(transport.Event{Kind: transport.PeerConnected, Peer: 9})

	s.DisconnectAll()

	if len(fr.closed) != 1 || fr.closed[0] != 3 {
		t.Errorf("Expected only outgoing peer 3 closed, got %v", fr.closed)
	}
	if !fr.stopped || !fr.left {
		t.Errorf("Expected listener stopped and room left: stopped=%v left=%v", fr.stopped, fr.left)
	}
	if len(s.Connections()) != 0 {
		t.Errorf("Expected empty peer table, got %v", s.Connections())
	}
	if n := s.DrainMessages(10, func(transport.Message) { t.Error("Stale message delivered") }); n != 0 {
		t.Errorf("Expected empty inbox, got %d", n)
	}
	s.PollEvents(func(transport.Event) { t.Error("Stale event delivered") })
}

// TestStaleCompletionDiscarded verifies operations from a torn-down
// session never call back.
func TestStaleCompletionDiscarded(t *testing.T) {
	s, _, _ := newTestSession(t, 1, 1)

	release := make(chan struct{})
	finished := make(chan struct{})
	called := false
	s.Go(func(ctx context.Context) error {
		defer close(finished)
		<-release
		return nil
	}, func(error) { called = true })

	s.DisconnectAll()
	close(release)
	<-finished

	// The completion is queued right after op returns.
	time.Sleep(20 * time.Millisecond)
	s.PollCompletions()
	if called {
		t.Error("Expected completion from previous session to be discarded")
	}
}

// TestConnectTimeoutRollsBack verifies a timed-out connect is reported and
// its pending row removed.
func TestConnectTimeoutRollsBack(t *testing.T) {
	s, fr, _ := newTestSession(t, 2, 1)
	fr.connectFn = func(ctx context.Context, _ protocol.PeerID) error {
		<-ctx.Done()
		return ctx.Err()
	}

	var result error
	done := false
	s.Connect(1, func(err error) { result, done = err, true })

	if conns := s.Connections(); len(conns) != 1 || !conns[0].Pending {
		t.Fatalf("Expected one pending connection, got %v", conns)
	}

	waitCompletions(t, s, func() bool { return done })

	if !errors.Is(result, transport.ErrConnectTimeout) {
		t.Errorf("Expected ErrConnectTimeout, got %v", result)
	}
	if len(s.Connections()) != 0 {
		t.Errorf("Expected rollback of pending connection, got %v", s.Connections())
	}
}

// TestConnectSuccess verifies a successful connect clears the pending flag.
func TestConnectSuccess(t *testing.T) {
	s, _, _ := newTestSession(t, 2, 1)

	done := false
	var result error
	s.Connect(1, func(err error) { result, done = err, true })
	waitCompletions(t, s, func() bool { return done })

	if result != nil {
		t.Fatalf("Connect failed: %v", result)
	}
	if !s.Connected(1) {
		t.Error("Expected peer 1 to be connected")
	}
}

// TestConnectJoinsInFlightAttempt verifies a second Connect to a pending
// peer reports the outcome of the first attempt instead of succeeding
// early.
func TestConnectJoinsInFlightAttempt(t *testing.T) {
	tests := []struct {
		name    string
		fail    bool
		wantErr bool
	}{
		{"attempt succeeds", false, false},
		{"attempt fails", true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, fr, _ := newTestSession(t, 2, 1)
			release := make(chan struct{})
			fr.connectFn = func(ctx context.Context, _ protocol.PeerID) error {
				<-release
				if tc.fail {
					return errors.New("refused")
				}
				return nil
			}

			var first, second error
			firstDone, secondDone := false, false
			s.Connect(1, func(err error) { first, firstDone = err, true })
			s.Connect(1, func(err error) { second, secondDone = err, true })

			if secondDone {
				t.Fatal("Second Connect completed while the first was in flight")
			}
			if !s.Connecting(1) {
				t.Error("Expected peer 1 to be connecting")
			}

			close(release)
			waitCompletions(t, s, func() bool { return firstDone && secondDone })

			if (first != nil) != tc.wantErr || (second != nil) != tc.wantErr {
				t.Errorf("Result mismatch: got %v and %v, want error=%v", first, second, tc.wantErr)
			}
			if s.Connected(1) == tc.wantErr {
				t.Errorf("Connected mismatch: got %v, want %v", s.Connected(1), !tc.wantErr)
			}
			if s.Connecting(1) {
				t.Error("Expected no connect in flight")
			}
		})
	}
}

// TestConnectEstablishedCompletesAtOnce verifies Connect to an already
// linked peer reports success without dialing.
func TestConnectEstablishedCompletesAtOnce(t *testing.T) {
	s, fr, _ := newTestSession(t, 2, 1)
	connect(s, 1, false)
	fr.connectFn = func(context.Context, protocol.PeerID) error {
		t.Error("Unexpected dial of an established peer")
		return nil
	}

	done := false
	s.Connect(1, func(err error) {
		if err != nil {
			t.Errorf("Connect failed: %v", err)
		}
		done = true
	})
	if !done {
		t.Error("Expected immediate completion")
	}
}

// TestTrafficCountedByRelay verifies the session leaves byte and peer
// counters to the relay underneath it.
func TestTrafficCountedByRelay(t *testing.T) {
	s, _, _ := newTestSession(t, 2, 1)

	recv := util.Stats.BytesRecv.Load()
	sent := util.Stats.BytesSent.Load()
	joined := util.Stats.PeersJoined.Load()
	left := util.Stats.PeersLeft.Load()

	connect(s, 3, true)
	s.HandleMessage(3, make([]byte, 32))
	if err := s.SendToPeer(3, make([]byte, 16), protocol.Reliable); err != nil {
		t.Fatalf("SendToPeer failed: %v", err)
	}
	s.HandleEvent(transport.Event{Kind: transport.PeerDisconnected, Peer: 3})
	s.PollEvents(nil)

	if got := util.Stats.BytesRecv.Load(); got != recv {
		t.Errorf("BytesRecv mismatch: got %d, want %d", got, recv)
	}
	if got := util.Stats.BytesSent.Load(); got != sent {
		t.Errorf("BytesSent mismatch: got %d, want %d", got, sent)
	}
	if got := util.Stats.PeersJoined.Load(); got != joined {
		t.Errorf("PeersJoined mismatch: got %d, want %d", got, joined)
	}
	if got := util.Stats.PeersLeft.Load(); got != left {
		t.Errorf("PeersLeft mismatch: got %d, want %d", got, left)
	}
}
