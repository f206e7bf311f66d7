package relay

import (
	"github.com/pion/webrtc/v4"
)

// Ids of the two pre-negotiated DataChannels every link carries.
const (
	reliableID   uint16 = 0
	unreliableID uint16 = 1
)

// newPeerConnection creates a PeerConnection that gathers candidates from
// the given STUN servers. No TURN: links are direct or fail.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannels creates the reliable (ordered) and unreliable
// (unordered, no retransmits) channels in negotiated mode, so both sides
// create them independently without relying on OnDataChannel.
func newDataChannels(pc *webrtc.PeerConnection) (reliable, unreliable *webrtc.DataChannel, err error) {
	negotiated := true

	id := reliableID
	reliable, err = pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, nil, err
	}

	ordered := false
	retransmits := uint16(0)
	uid := unreliableID
	unreliable, err = pc.CreateDataChannel("unreliable", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &uid,
	})
	if err != nil {
		return nil, nil, err
	}
	return reliable, unreliable, nil
}
