package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/util"
)

// link wraps the PeerConnection to one remote peer and its two
// DataChannels.
//
// Its lifecycle is governed by the DataChannels and the context passed at
// construction time. The link is ready once both channels are open and
// done as soon as either closes or the PeerConnection fails.
type link struct {
	peer     protocol.PeerID
	incoming bool

	pc         *webrtc.PeerConnection
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	out        *sender

	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	down sync.Once // PeerDisconnected is reported at most once
}

func newLink(ctx context.Context, peer protocol.PeerID, incoming bool, stunServers []string) (*link, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	reliable, unreliable, err := newDataChannels(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &link{
		peer:       peer,
		incoming:   incoming,
		pc:         pc,
		reliable:   reliable,
		unreliable: unreliable,
		ready:      make(chan struct{}),
		ctx:        lctx,
		cancel:     cancel,
	}

	var opened atomic.Int32
	onOpen := func() {
		if opened.Add(1) == 2 {
			close(l.ready)
		}
	}
	reliable.OnOpen(onOpen)
	unreliable.OnOpen(onOpen)

	onClose := func() {
		util.LogDebug("link to %s: channel closed", peer)
		cancel()
	}
	reliable.OnClose(onClose)
	unreliable.OnClose(onClose)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("link to %s: %s", peer, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cancel()
		}
	})

	l.out = newSender(lctx, reliable, l.ready)
	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready is closed when both channels are open.
func (l *link) Ready() <-chan struct{} { return l.ready }

// Done is closed when the link is shut down.
func (l *link) Done() <-chan struct{} { return l.ctx.Done() }

func (l *link) isReady() bool {
	select {
	case <-l.ready:
		return true
	default:
		return false
	}
}

func (l *link) close() error {
	l.cancel()
	return errors.Join(l.reliable.Close(), l.unreliable.Close(), l.pc.Close())
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// offer creates and applies the local SDP offer.
func (l *link) offer() (string, error) {
	sdp, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(sdp); err != nil {
		return "", err
	}
	return sdp.SDP, nil
}

// answer applies a remote offer and returns the local answer.
func (l *link) answer(offer string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	sdp, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(sdp); err != nil {
		return "", err
	}
	return sdp.SDP, nil
}

func (l *link) accept(answer string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

// onCandidate registers a callback receiving each gathered local candidate
// as JSON.
func (l *link) onCandidate(fn func(string)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(string(raw))
	})
}

func (l *link) addCandidate(raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return err
	}
	return l.pc.AddICECandidate(init)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// send takes ownership of data.
func (l *link) send(data []byte, d protocol.Delivery) error {
	if d == protocol.Reliable {
		return l.out.send(data)
	}
	return sendLossy(l.unreliable, data)
}

// onMessage registers fn for messages arriving on either channel.
func (l *link) onMessage(fn func([]byte)) {
	handle := func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		fn(msg.Data)
	}
	l.reliable.OnMessage(handle)
	l.unreliable.OnMessage(handle)
}
