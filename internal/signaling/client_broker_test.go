package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/broker"
	"github.com/1ureka/rtcroom/internal/broker/brokertest"
	"github.com/1ureka/rtcroom/internal/config"
)

// nextOf reads events until one of type T arrives.
func nextOf[T Event](t *testing.T, c *Client) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			var zero T
			t.Fatalf("waiting for %T: %v", zero, err)
			return zero
		}
		if e, ok := ev.(T); ok {
			return e
		}
	}
}

func TestOfferThroughBroker(t *testing.T) {
	dest := config.DefaultDestinations()
	b := brokertest.New(t, brokertest.Options{RegisterDestination: dest.Register})

	c := New(Config{Broker: broker.Options{Login: "guest", Passcode: "passcode"}}, testUser)
	defer func() {
		c.DisconnectFromRoom()
		for range c.Events() {
		}
	}()

	c.ConnectToRoom(RoomConnectionParameters{RoomURL: b.URL})
	s := b.WaitSession(t, 3*time.Second)
	if got := s.Destination(); got != "/user/me/queue/messages" {
		t.Errorf("reply queue: got %q", got)
	}

	// The registration echo is forwarded once registration completes.
	if m := nextOf[ServerMessage](t, c); m.Raw != brokertest.RegisteredEcho {
		t.Errorf("first server message: %q", m.Raw)
	}

	if err := s.Push(roomFrame("R1", true)); err != nil {
		t.Fatalf("push room: %v", err)
	}
	room := nextOf[ConnectedToRoom](t, c)
	if room.Room.RoomID != "R1" || room.Room.PartnerSID != "P1" {
		t.Fatalf("room: %+v", room.Room)
	}

	c.SendOfferSDP(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0..."})
	b.WaitSent(t, 2, 3*time.Second)

	relays := b.SentTo(dest.Signal)
	want := `{"cmd":"send","msg":"{\"sdp\":\"v=0...\",\"type\":\"offer\"}","toSID":"P1","roomID":"R1"}`
	if len(relays) != 1 || relays[0] != want {
		t.Errorf("relay:\n got  %v\n want %s", relays, want)
	}

	if err := s.Push(relayFrame(`{"sdp":"v=1","type":"answer"}`)); err != nil {
		t.Fatalf("push answer: %v", err)
	}
	if d := nextOf[RemoteDescription](t, c); d.SDP.SDP != "v=1" || d.SDP.Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote description: %+v", d.SDP)
	}
}

func TestQueuedRequestFlushedAfterRegistration(t *testing.T) {
	dest := config.DefaultDestinations()
	b := brokertest.New(t, brokertest.Options{})

	c := New(Config{}, testUser)
	defer func() {
		c.DisconnectFromRoom()
		for range c.Events() {
		}
	}()

	c.ConnectToRoom(RoomConnectionParameters{RoomURL: b.URL})
	c.SendLeaveRoomMessage()
	s := b.WaitSession(t, 3*time.Second)
	b.WaitSent(t, 1, 3*time.Second)
	if got := b.SentTo(dest.LeaveRoom); len(got) != 0 {
		t.Fatalf("leave sent before registration: %v", got)
	}

	s.Push(brokertest.RegisteredEcho)
	sent := b.WaitSent(t, 2, 3*time.Second)
	if sent[0].Destination != dest.Register || sent[1].Destination != dest.LeaveRoom {
		t.Errorf("order: %+v", sent)
	}
}

func TestServerDropReportsSocketClosed(t *testing.T) {
	b := brokertest.New(t, brokertest.Options{RegisterDestination: "/app/register"})
	c := New(Config{}, testUser)
	defer func() {
		c.DisconnectFromRoom()
		for range c.Events() {
		}
	}()

	c.ConnectToRoom(RoomConnectionParameters{RoomURL: b.URL})
	s := b.WaitSession(t, 3*time.Second)
	nextOf[ServerMessage](t, c)

	s.Drop()
	nextOf[SocketClosed](t, c)
	if st := c.State(); st != RoomClosed {
		t.Errorf("state: got %s, want CLOSED", st)
	}
}

func TestConnectTwiceOpensOneSession(t *testing.T) {
	dest := config.DefaultDestinations()
	b := brokertest.New(t, brokertest.Options{RegisterDestination: dest.Register})
	c := New(Config{}, testUser)

	// Both requests reach the loop before the broker has accepted the session.
	c.ConnectToRoom(RoomConnectionParameters{RoomURL: b.URL})
	c.ConnectToRoom(RoomConnectionParameters{RoomURL: b.URL})

	b.WaitSession(t, 3*time.Second)
	if m := nextOf[ServerMessage](t, c); m.Raw != brokertest.RegisteredEcho {
		t.Errorf("first server message: %q", m.Raw)
	}
	time.Sleep(50 * time.Millisecond)

	if n := b.Opened(); n != 1 {
		t.Errorf("broker connections: got %d, want 1", n)
	}
	if got := b.SentTo(dest.Register); len(got) != 1 {
		t.Errorf("registrations: got %d, want 1", len(got))
	}
	if st := c.State(); st != RoomConnected {
		t.Errorf("state: got %s, want CONNECTED", st)
	}

	c.DisconnectFromRoom()
	for range c.Events() {
	}
	if st := c.State(); st != RoomClosed {
		t.Errorf("state after disconnect: got %s, want CLOSED", st)
	}
}
