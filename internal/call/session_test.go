package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/protocol"
	"github.com/1ureka/rtcroom/internal/signaling"
)

// fakeSignaler feeds scripted events and records what the session sends.
type fakeSignaler struct {
	events chan signaling.Event

	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	byes       int
	sentSignal chan struct{}
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		events:     make(chan signaling.Event, 16),
		sentSignal: make(chan struct{}, 16),
	}
}

func (f *fakeSignaler) NextEvent(ctx context.Context) (signaling.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return nil, signaling.ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSignaler) SendOfferSDP(sdp webrtc.SessionDescription) {
	f.record(func() { f.offers = append(f.offers, sdp) })
}

func (f *fakeSignaler) SendAnswerSDP(sdp webrtc.SessionDescription) {
	f.record(func() { f.answers = append(f.answers, sdp) })
}

func (f *fakeSignaler) SendLocalICECandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
}

func (f *fakeSignaler) SendBye() { f.record(func() { f.byes++ }) }

func (f *fakeSignaler) record(fn func()) {
	f.mu.Lock()
	fn()
	f.mu.Unlock()
	f.sentSignal <- struct{}{}
}

func (f *fakeSignaler) waitSent(t *testing.T) {
	t.Helper()
	select {
	case <-f.sentSignal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to signal")
	}
}

func room(id string, initiator bool) signaling.ConnectedToRoom {
	return signaling.ConnectedToRoom{Room: protocol.RoomResponse{
		RoomID:      id,
		IsInitiator: initiator,
		PartnerSID:  "P1",
	}}
}

// runSession starts s.Run and returns a channel with its result.
func runSession(s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestInitiatorSendsOffer(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSession(sig, Options{ICEServers: []string{}})
	errCh := runSession(s)

	sig.events <- room("R1", true)
	sig.waitSent(t)

	sig.mu.Lock()
	offers := sig.offers
	sig.mu.Unlock()
	if len(offers) != 1 || offers[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("offers: %+v", offers)
	}
	if !strings.Contains(offers[0].SDP, "m=application") {
		t.Errorf("offer has no data section:\n%s", offers[0].SDP)
	}
	if s.Room() != "R1" {
		t.Errorf("Room: got %q", s.Room())
	}

	sig.events <- signaling.ChannelClose{}
	if err := waitResult(t, errCh); err != nil {
		t.Errorf("Run: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Run returned")
	}
}

func TestReceiverAnswersOffer(t *testing.T) {
	// A bare pion peer plays the initiating partner.
	partner, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer partner.Close()
	if _, err := newChatChannel(partner); err != nil {
		t.Fatal(err)
	}
	offer, err := partner.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}

	sig := newFakeSignaler()
	s := NewSession(sig, Options{ICEServers: []string{}})
	errCh := runSession(s)

	sig.events <- room("R1", false)
	sig.events <- signaling.RemoteDescription{SDP: offer}
	sig.waitSent(t)

	sig.mu.Lock()
	answers, offers := sig.answers, sig.offers
	sig.mu.Unlock()
	if len(offers) != 0 {
		t.Errorf("receiver sent an offer")
	}
	if len(answers) != 1 || answers[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answers: %+v", answers)
	}

	sig.events <- signaling.LeftRoom{RoomID: "R1"}
	if err := waitResult(t, errCh); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	s := NewSession(newFakeSignaler(), Options{ICEServers: []string{}})
	defer s.close()

	if _, err := s.handle(room("R1", false)); err != nil {
		t.Fatal(err)
	}
	mid, idx := "0", uint16(0)
	s.addCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx})

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("pending candidates: got %d, want 1", n)
	}
}

func TestRunEndings(t *testing.T) {
	tests := []struct {
		name    string
		event   signaling.Event
		wantErr error
		wantMsg string
	}{
		{"bye", signaling.ChannelClose{}, nil, ""},
		{"left", signaling.LeftRoom{RoomID: "R1"}, nil, ""},
		{"socket", signaling.SocketClosed{}, ErrSocketClosed, ""},
		{"error", signaling.ChannelError{Message: "boom"}, nil, "signaling: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := newFakeSignaler()
			s := NewSession(sig, Options{ICEServers: []string{}})
			errCh := runSession(s)

			sig.events <- signaling.Notice{Text: "hello"}
			sig.events <- tt.event
			err := waitResult(t, errCh)

			switch {
			case tt.wantMsg != "":
				if err == nil || err.Error() != tt.wantMsg {
					t.Errorf("Run: got %v, want %q", err, tt.wantMsg)
				}
			case !errors.Is(err, tt.wantErr):
				t.Errorf("Run: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamClosed(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSession(sig, Options{ICEServers: []string{}})
	errCh := runSession(s)

	close(sig.events)
	if err := waitResult(t, errCh); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("Run: got %v, want ErrClosed", err)
	}
}

func TestHangupEndsRun(t *testing.T) {
	sig := newFakeSignaler()
	s := NewSession(sig, Options{ICEServers: []string{}})
	errCh := runSession(s)

	sig.events <- room("R1", true)
	sig.waitSent(t)

	s.Hangup()
	if err := waitResult(t, errCh); err != nil {
		t.Errorf("Run: %v", err)
	}
	sig.mu.Lock()
	byes := sig.byes
	sig.mu.Unlock()
	if byes != 1 {
		t.Errorf("byes: got %d, want 1", byes)
	}
}

func TestSendBeforePairing(t *testing.T) {
	s := NewSession(newFakeSignaler(), Options{})
	defer s.close()
	if err := s.Send("hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send: got %v, want ErrNotConnected", err)
	}
}
