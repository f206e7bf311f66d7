package relay

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/mpmesh/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // outgoing reliable message queue capacity
)

// ErrSendQueueFull is returned when a reliable send cannot be queued.
var ErrSendQueueFull = errors.New("send queue full")

// sender is a goroutine-based writer that serializes reliable writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop waits for the link to open, then drains the inbox with backpressure
// awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("failed to send %d bytes on %s: %v", len(data), dc.Label(), err)
				return
			}
			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send queues data without blocking. data must not be modified afterwards.
func (s *sender) send(data []byte) error {
	select {
	case s.inbox <- data:
		return nil
	default:
		util.Stats.AddDropped()
		return ErrSendQueueFull
	}
}

// sendLossy writes data right away unless the channel is backed up, in
// which case it is dropped.
func sendLossy(dc *webrtc.DataChannel, data []byte) error {
	if dc.BufferedAmount() > uint64(highWaterMark) {
		util.Stats.AddDropped()
		return nil
	}
	if err := dc.Send(data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}
