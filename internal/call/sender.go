package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender serializes all writes to the chat DataChannel, holding messages
// until the channel is open and pausing while its buffer is full.
type sender struct {
	inbox       chan string
	drainSignal chan struct{}
}

// newSender wires the backpressure callbacks on dc and starts the writer
// goroutine. It exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan string, sendBufferSize),
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

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case text := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}
			if err := dc.SendText(text); err != nil {
				util.LogError("failed to send chat message: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues text. It blocks while the buffer is full and gives up when
// ctx is cancelled.
func (s *sender) send(ctx context.Context, text string) error {
	select {
	case s.inbox <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
