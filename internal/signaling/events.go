package signaling

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/loop"
	"github.com/1ureka/rtcroom/internal/protocol"
)

// ErrClosed is returned by NextEvent once the event stream has ended.
var ErrClosed = errors.New("signaling: client closed")

// Event is the closed set of notifications a Client emits.
//
// Media events (ConnectedToRoom, RemoteDescription, RemoteICECandidate,
// RemoteICECandidatesRemoved, ChannelClose, ChannelError) stop for good after
// the first ChannelError or after the socket closed. Server events
// (ServerMessage, Notice, LeftRoom, SocketClosed) are always delivered.
type Event interface {
	event()
}

// ConnectedToRoom reports a successful pairing. Room.IsInitiator decides who
// sends the offer.
type ConnectedToRoom struct {
	Room protocol.RoomResponse
}

// RemoteDescription carries the partner's offer or answer.
type RemoteDescription struct {
	SDP webrtc.SessionDescription
}

// RemoteICECandidate carries one candidate from the partner.
type RemoteICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

// RemoteICECandidatesRemoved lists candidates the partner withdrew, in the
// order they were sent.
type RemoteICECandidatesRemoved struct {
	Candidates []webrtc.ICECandidateInit
}

// ChannelClose means the partner hung up or the signaling socket closed.
type ChannelClose struct{}

// ChannelError is the single fatal error of a client.
type ChannelError struct {
	Message string
}

// ServerMessage mirrors every parsed inbound frame, before it is handled.
type ServerMessage struct {
	Raw  string
	Type protocol.MessageType
}

// Notice is a human-readable progress or rejection message.
type Notice struct {
	Text string
}

// LeftRoom reports that the server confirmed the current room is closed.
type LeftRoom struct {
	RoomID string
}

// SocketClosed reports that the broker connection went away.
type SocketClosed struct{}

func (ConnectedToRoom) event()            {}
func (RemoteDescription) event()          {}
func (RemoteICECandidate) event()         {}
func (RemoteICECandidatesRemoved) event() {}
func (ChannelClose) event()               {}
func (ChannelError) event()               {}
func (ServerMessage) event()              {}
func (Notice) event()                     {}
func (LeftRoom) event()                   {}
func (SocketClosed) event()               {}

// eventSink hands events to the consumer without ever blocking the client
// loop: each event is a task on a separate delivery loop, which is the only
// place that blocks on a slow reader.
type eventSink struct {
	delivery *loop.Loop
	out      chan Event
}

func newEventSink() *eventSink {
	return &eventSink{
		delivery: loop.New("signaling-events"),
		out:      make(chan Event, 16),
	}
}

func (s *eventSink) push(ev Event) {
	s.delivery.Post(func() { s.out <- ev })
}

// close ends the stream after every event pushed so far was delivered.
func (s *eventSink) close() {
	s.delivery.Post(func() {
		close(s.out)
		s.delivery.Quit()
	})
}

// Events returns the event stream. It is closed after DisconnectFromRoom
// has finished. Consumers must keep reading until then.
func (c *Client) Events() <-chan Event {
	return c.sink.out
}

// NextEvent waits for the next event. It returns ErrClosed when the stream
// has ended.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.sink.out:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
