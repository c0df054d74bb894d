// Package signaling is the room state machine on top of the broker channel.
// It turns offer/answer/candidate commands into partner-addressed relay
// envelopes and turns inbound server frames into Events.
//
// Every command is posted to the client's own loop and returns immediately;
// results are observed through Events.
package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcroom/internal/broker"
	"github.com/1ureka/rtcroom/internal/config"
	"github.com/1ureka/rtcroom/internal/loop"
	"github.com/1ureka/rtcroom/internal/protocol"
	"github.com/1ureka/rtcroom/internal/util"
)

var log = util.NewLogger("signaling")

// RoomState is the lifecycle of a Client.
type RoomState int

const (
	RoomNew RoomState = iota
	RoomConnected
	RoomClosed
	RoomError
)

func (s RoomState) String() string {
	switch s {
	case RoomNew:
		return "NEW"
	case RoomConnected:
		return "CONNECTED"
	case RoomClosed:
		return "CLOSED"
	case RoomError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// RoomConnectionParameters select the broker and the test mode.
type RoomConnectionParameters struct {
	RoomURL  string // broker WebSocket URL
	Loopback bool   // mirror our own offer and candidates back as remote ones
}

// Config carries what the client needs to build broker channels.
type Config struct {
	Broker broker.Options
}

// ConfigFrom derives a client Config from the runtime configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{Broker: broker.OptionsFromConfig(cfg)}
}

// transport is the subset of *broker.Channel the client drives.
type transport interface {
	State() broker.State
	Connect(url, correlationID string) error
	Register(u protocol.RegisterUser)
	Send(body string)
	SendTo(body, destination string)
	Disconnect(waitForClose bool)
}

// Client is one signaling session. Construct a new Client to retry after it
// reached CLOSED or ERROR.
type Client struct {
	loop *loop.Loop
	sink *eventSink
	cfg  Config
	user protocol.RegisterUser

	newTransport func(l *loop.Loop, ev broker.Events, opts broker.Options) transport

	// Owned by loop.
	state     RoomState
	params    RoomConnectionParameters
	channel   transport
	room      *protocol.RoomResponse
	prevRoom  *protocol.RoomResponse
	initiator bool
	detached  bool // media events are no longer delivered
}

// New creates a client in state NEW. user is sent as the registration
// payload on every connect; its Signature is also the reply-queue id.
func New(cfg Config, user protocol.RegisterUser) *Client {
	if cfg.Broker.Destinations == (config.Destinations{}) {
		cfg.Broker.Destinations = config.DefaultDestinations()
	}
	return &Client{
		loop: loop.New("signaling"),
		sink: newEventSink(),
		cfg:  cfg,
		user: user,
		newTransport: func(l *loop.Loop, ev broker.Events, opts broker.Options) transport {
			return broker.NewChannel(l, ev, opts)
		},
		state: RoomNew,
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// ConnectToRoom opens the broker connection and registers. The client is
// CONNECTED as soon as the attempt starts; sends issued before registration
// completes are queued by the broker channel.
func (c *Client) ConnectToRoom(params RoomConnectionParameters) {
	c.notify("WebSocket -> Connect to room")
	c.loop.Post(func() { c.connectToRoom(params) })
}

// DisconnectFromRoom leaves the current room, closes the broker connection
// (waiting briefly for confirmation), ends the event stream and stops the
// client loop.
func (c *Client) DisconnectFromRoom() {
	c.notify("WebSocket -> Disconnect from room")
	ok := c.loop.Post(func() {
		c.disconnectFromRoom()
		c.sink.close()
		c.loop.Quit()
	})
	if !ok {
		log.Debugf("DisconnectFromRoom on a stopped client")
	}
}

// SendOfferSDP relays our offer to the partner.
func (c *Client) SendOfferSDP(sdp webrtc.SessionDescription) {
	c.loop.Post(func() {
		if c.state != RoomConnected {
			c.reportError("Sending offer SDP in non connected state.")
			return
		}
		c.sendToPartner(protocol.EncodeSession(sdp))
		if c.params.Loopback {
			c.loopbackOffer(sdp)
		}
	})
}

// SendAnswerSDP relays our answer to the partner. Refused in loopback mode.
func (c *Client) SendAnswerSDP(sdp webrtc.SessionDescription) {
	c.loop.Post(func() {
		if c.params.Loopback {
			log.Errorf("Sending answer in loopback mode.")
			return
		}
		c.sendToPartner(protocol.EncodeSession(sdp))
	})
}

// SendLocalICECandidate relays one local candidate to the partner.
func (c *Client) SendLocalICECandidate(candidate webrtc.ICECandidateInit) {
	c.loop.Post(func() {
		c.sendToPartner(protocol.EncodeCandidate(candidate))
		if c.params.Loopback && c.initiator {
			c.loopbackCandidate(candidate)
		}
	})
}

// SendLocalICECandidateRemovals relays withdrawn local candidates, in order.
func (c *Client) SendLocalICECandidateRemovals(candidates []webrtc.ICECandidateInit) {
	cs := append([]webrtc.ICECandidateInit(nil), candidates...)
	c.loop.Post(func() {
		c.sendToPartner(protocol.EncodeCandidateRemovals(cs))
		if c.params.Loopback && c.initiator {
			c.loopbackRemovals(cs)
		}
	})
}

// SendBye tells the partner we hung up.
func (c *Client) SendBye() {
	c.loop.Post(func() { c.sendToPartner(protocol.EncodeBye()) })
}

// SendRandomChatRequest asks the matchmaker for a partner. The outcome
// arrives as ConnectedToRoom or a Notice.
func (c *Client) SendRandomChatRequest(req protocol.RandomChatRequest) {
	c.loop.Post(func() {
		body, err := protocol.Encode(req)
		if err != nil {
			log.Errorf("random chat request: %v", err)
			return
		}
		c.publish(body, c.cfg.Broker.Destinations.RandomChat)
	})
}

// SendLeaveRoomMessage tells the server we leave. The current room is
// forgotten right away, without waiting for the server.
func (c *Client) SendLeaveRoomMessage() {
	c.loop.Post(c.sendLeave)
}

// State returns the room state. A stopped client reports CLOSED, or ERROR if
// it failed before stopping.
func (c *Client) State() RoomState {
	s := RoomClosed
	if !c.loop.Do(func() { s = c.state }) {
		return c.stoppedState()
	}
	return s
}

// CurrentRoom returns a copy of the room we are paired in, or nil.
func (c *Client) CurrentRoom() *protocol.RoomResponse {
	var room *protocol.RoomResponse
	c.loop.Do(func() {
		if c.room != nil {
			r := *c.room
			room = &r
		}
	})
	return room
}

// stoppedState is read after the loop exited, so no task can race with it.
func (c *Client) stoppedState() RoomState {
	<-c.loop.Done()
	if c.state == RoomError {
		return RoomError
	}
	return RoomClosed
}

// ---------------------------------------------------------------------------
// Loop-side implementation
// ---------------------------------------------------------------------------

func (c *Client) connectToRoom(params RoomConnectionParameters) {
	switch c.state {
	case RoomClosed, RoomError:
		log.Warnf("connect in terminal state %s ignored, create a new client", c.state)
		c.notify("Client is " + c.state.String() + ", create a new one to reconnect")
		return
	}

	c.params = params
	c.state = RoomNew
	c.ensureChannel()

	if err := c.channel.Connect(params.RoomURL, c.user.Signature); err != nil {
		// Already connected: not fatal, the registration below is a no-op.
		log.Warnf("connect: %v", err)
	}
	c.state = RoomConnected
	c.channel.Register(c.user)
}

// ensureChannel keeps a live broker channel, replaces a missing or closed
// one and tears down a failed one before replacing it.
func (c *Client) ensureChannel() {
	switch {
	case c.channel == nil || c.channel.State() == broker.StateClosed:
		c.channel = c.newTransport(c.loop, channelEvents{c}, c.cfg.Broker)
	case c.channel.State() == broker.StateError:
		c.channel.Disconnect(true)
		c.channel = c.newTransport(c.loop, channelEvents{c}, c.cfg.Broker)
	}
}

func (c *Client) disconnectFromRoom() {
	log.Debugf("disconnect, room state %s", c.state)
	if c.state == RoomConnected {
		log.Debugf("closing room")
		c.sendLeave()
	}
	if c.state != RoomError {
		c.state = RoomClosed
	}
	if c.channel != nil {
		c.channel.Disconnect(true)
		c.channel = nil
	}
}

func (c *Client) sendLeave() {
	c.publish("{}", c.cfg.Broker.Destinations.LeaveRoom)
	if c.room != nil {
		c.prevRoom = c.room
		c.room = nil
	}
}

func (c *Client) publish(body, destination string) {
	if c.channel == nil {
		log.Warnf("no broker channel, dropping message for %s", destination)
		util.Stats.AddDropped()
		return
	}
	c.channel.SendTo(body, destination)
}

// sendToPartner wraps msg in a relay envelope for the current partner.
func (c *Client) sendToPartner(msg string) {
	if c.room == nil {
		log.Warnf("not in a room, dropping relay: %s", msg)
		util.Stats.AddDropped()
		return
	}
	if c.channel == nil {
		log.Warnf("no broker channel, dropping relay: %s", msg)
		util.Stats.AddDropped()
		return
	}
	c.channel.Send(protocol.EncodeRelay(msg, c.room.PartnerSID, c.room.RoomID))
}

// reportError enters ERROR once. Only the first error reaches the consumer;
// media events stop afterwards.
func (c *Client) reportError(message string) {
	log.Errorf("%s", message)
	c.notify("REPORT ERROR: " + message)
	if c.state == RoomError {
		return
	}
	c.state = RoomError
	c.emit(ChannelError{Message: message})
	c.detached = true
}

// emit delivers a media event unless the sink was detached.
func (c *Client) emit(ev Event) {
	if c.detached {
		log.Debugf("detached, dropping %T", ev)
		return
	}
	c.sink.push(ev)
}

// emitServer delivers a server event.
func (c *Client) emitServer(ev Event) {
	c.sink.push(ev)
}

func (c *Client) notify(text string) {
	c.sink.push(Notice{Text: text})
}

// ---------------------------------------------------------------------------
// Broker events
// ---------------------------------------------------------------------------

// channelEvents adapts the client to broker.Events without exporting the
// callbacks on Client.
type channelEvents struct{ c *Client }

func (e channelEvents) OnMessage(message string) { e.c.onMessage(message) }
func (e channelEvents) OnClose()                 { e.c.onChannelClose() }
func (e channelEvents) OnError(description string) {
	e.c.reportError("WebSocket error: " + description)
}

func (c *Client) onChannelClose() {
	log.Debugf("broker connection closed")
	c.notify("ON WEB SOCKET CLOSED")
	c.emit(ChannelClose{})
	if c.state != RoomError {
		c.state = RoomClosed
	}
	c.emitServer(SocketClosed{})
	c.channel = nil
	c.detached = true
}

func (c *Client) onMessage(raw string) {
	log.Debugf("message: %s", raw)
	if c.channel == nil || c.channel.State() != broker.StateRegistered {
		log.Errorf("Got WebSocket message in non registered state.")
		return
	}

	tag, err := protocol.ParseType([]byte(raw))
	if err != nil {
		c.reportError("WebSocket message JSON parsing error: " + err.Error())
		return
	}
	c.emitServer(ServerMessage{Raw: raw, Type: tag})

	in, err := protocol.Decode(tag, []byte(raw))
	if err != nil {
		c.reportError("WebSocket message JSON parsing error: " + err.Error())
		return
	}

	switch m := in.(type) {
	case protocol.RegisterAck:
		c.notify("REGISTER USER")

	case protocol.RoomChat:
		c.onRoomChat(m.Room)

	case protocol.LeaveRoom:
		c.onLeaveRoom(m.Room)

	case protocol.RelayFrame:
		if m.Tag == protocol.TypeCreateUser {
			c.notify("Server CREATE_USER")
		}
		c.onRelay(m, raw)
	}
}

func (c *Client) onRoomChat(r protocol.RoomResponse) {
	if !r.IsSuccess() {
		log.Errorf("Error Code: %s", r.Code)
		c.notify("Server ROOM_CHAT ERROR = " + r.Code)
		return
	}
	c.room = &r
	c.initiator = r.IsInitiator
	c.emit(ConnectedToRoom{Room: r})
	c.notify("Server ROOM_CHAT ID = " + r.RoomID)
}

func (c *Client) onLeaveRoom(r protocol.RoomResponse) {
	if c.room == nil || c.room.RoomID != r.RoomID {
		if c.prevRoom != nil && c.prevRoom.RoomID == r.RoomID {
			log.Debugf("duplicate leave for room %s", r.RoomID)
		} else {
			log.Warnf("stale leave for room %s", r.RoomID)
		}
		c.notify("Server REJECT LEAVE_ROOM ID = " + r.RoomID)
		return
	}

	c.notify("Server LEAVE_ROOM ID = " + r.RoomID)
	c.prevRoom = c.room
	c.room = nil
	c.emitServer(LeftRoom{RoomID: r.RoomID})
}

func (c *Client) onRelay(f protocol.RelayFrame, raw string) {
	if f.Signal == nil {
		if f.Error != "" {
			c.reportError("WebSocket error message: " + f.Error)
		} else {
			c.reportError("Unexpected WebSocket message: " + raw)
		}
		return
	}

	switch s := f.Signal.(type) {
	case protocol.Candidate:
		c.emit(RemoteICECandidate{Candidate: s.Candidate})

	case protocol.RemoveCandidates:
		c.emit(RemoteICECandidatesRemoved{Candidates: s.Candidates})

	case protocol.Answer:
		if !c.initiator {
			c.reportError("Received answer for call initiator: " + raw)
			return
		}
		c.emit(RemoteDescription{SDP: s.Description})

	case protocol.Offer:
		if c.initiator {
			c.reportError("Received offer for call receiver: " + raw)
			return
		}
		c.emit(RemoteDescription{SDP: s.Description})

	case protocol.Bye:
		c.emit(ChannelClose{})

	default:
		c.reportError("Unexpected WebSocket message: " + raw)
	}
}
