// Package call drives one peer-to-peer chat over WebRTC using the signaling
// client for the offer/answer and candidate exchange.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/signaling"
	"github.com/1ureka/rtcroom/internal/util"
)

var log = util.NewLogger("call")

var (
	// ErrNotConnected is returned by Send before a peer connection exists.
	ErrNotConnected = errors.New("call: no peer connection")
	// ErrSocketClosed ends Run when the broker connection went away.
	ErrSocketClosed = errors.New("call: signaling socket closed")
)

// Signaler is the part of *signaling.Client a Session uses.
type Signaler interface {
	NextEvent(ctx context.Context) (signaling.Event, error)
	SendOfferSDP(sdp webrtc.SessionDescription)
	SendAnswerSDP(sdp webrtc.SessionDescription)
	SendLocalICECandidate(candidate webrtc.ICECandidateInit)
	SendBye()
}

// Options configure the peer connection.
type Options struct {
	ICEServers []string // nil means DefaultSTUNServers; empty means host candidates only
}

// Session is a single call: it waits for a room, negotiates the peer
// connection and carries chat text until either side hangs up.
type Session struct {
	sig  Signaler
	opts Options

	openSignal chan struct{}
	openOnce   sync.Once
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	onText  func(string)
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	sender  *sender
	room    string
	pending []webrtc.ICECandidateInit // remote candidates received before the remote description
	remote  bool                      // remote description applied
}

// NewSession creates an idle Session. Call Run to start it.
func NewSession(sig Signaler, opts Options) *Session {
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultSTUNServers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		sig:        sig,
		opts:       opts,
		openSignal: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Ready is closed once the chat channel is open.
func (s *Session) Ready() <-chan struct{} {
	return s.openSignal
}

// Done is closed when the call has ended.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// OnText registers the handler for inbound chat messages.
func (s *Session) OnText(fn func(string)) {
	s.mu.Lock()
	s.onText = fn
	s.mu.Unlock()
}

// Room returns the id of the room the call runs in, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Send queues text for the partner. Messages sent before Ready are held
// until the channel opens.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		return ErrNotConnected
	}
	return snd.send(s.ctx, text)
}

// Hangup tells the partner goodbye and ends the call.
func (s *Session) Hangup() {
	s.mu.Lock()
	active := s.pc != nil
	s.mu.Unlock()
	if active {
		s.sig.SendBye()
	}
	s.close()
}

// Run consumes signaling events until the call ends. It returns nil when
// the partner hung up or the room was left, ErrSocketClosed when the broker
// connection dropped, and the signaling error text for a ChannelError.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		ev, err := s.sig.NextEvent(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil // ended locally: Hangup, channel closed or ICE failed
			}
			return err
		}
		done, err := s.handle(ev)
		if err != nil || done {
			return err
		}
	}
}

// handle reacts to one event. done reports that the call is over.
func (s *Session) handle(ev signaling.Event) (done bool, err error) {
	switch e := ev.(type) {
	case signaling.ConnectedToRoom:
		log.Infof("paired in room %s (initiator: %t)", e.Room.RoomID, e.Room.IsInitiator)
		if err := s.start(e.Room.RoomID); err != nil {
			return true, err
		}
		if e.Room.IsInitiator {
			if err := s.offer(); err != nil {
				return true, err
			}
		}

	case signaling.RemoteDescription:
		if err := s.applyRemote(e.SDP); err != nil {
			return true, err
		}

	case signaling.RemoteICECandidate:
		s.addCandidate(e.Candidate)

	case signaling.RemoteICECandidatesRemoved:
		// pion has no candidate removal; ICE drops dead pairs on its own.
		log.Debugf("partner withdrew %d candidates", len(e.Candidates))

	case signaling.ChannelClose:
		log.Infof("partner hung up")
		return true, nil

	case signaling.LeftRoom:
		log.Infof("left room %s", e.RoomID)
		return true, nil

	case signaling.ChannelError:
		return true, fmt.Errorf("signaling: %s", e.Message)

	case signaling.SocketClosed:
		return true, ErrSocketClosed

	case signaling.Notice:
		log.Debugf("%s", e.Text)

	case signaling.ServerMessage:
		log.Debugf("server %s: %s", e.Type, e.Raw)
	}
	return false, nil
}

// start creates the peer connection and the chat channel for room.
func (s *Session) start(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc != nil {
		log.Warnf("already in a call, ignoring room %s", room)
		return nil
	}

	pc, err := newPeerConnection(s.opts.ICEServers)
	if err != nil {
		return fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	dc, err := newChatChannel(pc)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create DataChannel: %w", err)
	}

	dc.OnOpen(func() {
		log.Infof("chat channel open")
		s.openOnce.Do(func() { close(s.openSignal) })
	})
	dc.OnClose(func() {
		log.Infof("chat channel closed")
		s.cancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		fn := s.onText
		s.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.sig.SendLocalICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("PeerConnection state: %s", state)
		if state == webrtc.PeerConnectionStateFailed {
			s.cancel()
		}
	})

	s.pc, s.dc, s.room = pc, dc, room
	s.sender = newSender(s.ctx, dc, s.openSignal)
	return nil
}

func (s *Session) offer() error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	s.sig.SendOfferSDP(offer)
	return nil
}

// applyRemote sets the partner's description, answers an offer and replays
// candidates that arrived early.
func (s *Session) applyRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		log.Warnf("remote %s before pairing, ignored", desc.Type)
		return nil
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	s.mu.Lock()
	s.remote = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnf("AddICECandidate: %v", err)
		}
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	s.sig.SendAnswerSDP(answer)
	return nil
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remote || s.pc == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		log.Warnf("AddICECandidate: %v", err)
	}
}

// close releases the peer connection. Safe to call repeatedly.
func (s *Session) close() {
	s.cancel()

	s.mu.Lock()
	pc, dc := s.pc, s.dc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := errors.Join(dc.Close(), pc.Close()); err != nil {
		log.Debugf("close: %v", err)
	}
}
