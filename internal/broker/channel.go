package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcroom/internal/config"
	"github.com/1ureka/rtcroom/internal/loop"
	"github.com/1ureka/rtcroom/internal/protocol"
	"github.com/1ureka/rtcroom/internal/util"
)

// ErrInvalidState is returned by Connect when the channel is not NEW.
var ErrInvalidState = errors.New("broker: channel is not in NEW state")

const (
	defaultCloseTimeout     = 1000 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
	jsonContentType         = "application/json;charset=UTF-8"
)

var log = util.NewLogger("broker")

// Events receives everything the channel reports. All calls happen on the
// channel's loop.
type Events interface {
	// OnMessage delivers an inbound payload verbatim (registration echo
	// included), in broker order.
	OnMessage(message string)
	// OnClose reports that the connection went away cleanly.
	OnClose()
	// OnError reports a transport failure. It is called at most once.
	OnError(description string)
}

// Options configure the STOMP session.
type Options struct {
	Login    string
	Passcode string

	ClientHeartbeat time.Duration // we send heart-beats at least this often
	ServerHeartbeat time.Duration // we want the broker's heart-beats this often

	Destinations config.Destinations

	Dialer           *websocket.Dialer // nil means websocket.DefaultDialer
	CloseTimeout     time.Duration     // max wait in Disconnect(true); default 1s
	HandshakeTimeout time.Duration     // max wait for the CONNECTED frame; default 10s
}

// OptionsFromConfig maps the runtime configuration onto channel options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Login:           cfg.Login,
		Passcode:        cfg.Passcode,
		ClientHeartbeat: cfg.ClientHeartbeat,
		ServerHeartbeat: cfg.ServerHeartbeat,
		Destinations:    cfg.Destinations,
	}
}

type outbound struct {
	body        string
	destination string
}

// Channel is the broker transport state machine. Every exported method must
// be called from a task running on the loop passed to NewChannel; events are
// delivered on the same loop. I/O goroutines never touch Channel state
// directly, they post onto the loop.
type Channel struct {
	loop   *loop.Loop
	events Events
	opts   Options

	state        State
	conn         *conn
	registerUser *protocol.RegisterUser
	queue        []outbound // pending payloads, drained once on REGISTERED

	cancel context.CancelFunc
	closed chan struct{} // closed by the I/O goroutine when the socket is gone
}

// NewChannel creates a channel in state NEW.
func NewChannel(l *loop.Loop, events Events, opts Options) *Channel {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Destinations == (config.Destinations{}) {
		opts.Destinations = config.DefaultDestinations()
	}
	return &Channel{
		loop:   l,
		events: events,
		opts:   opts,
		state:  StateNew,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.checkLoop()
	return c.state
}

// Connect starts connecting to the broker at wsURL and subscribes to the
// reply queue of correlationID. It returns immediately; the channel becomes
// CONNECTED once the broker accepts the session. A Channel connects at most
// once: later calls, including ones made while the first dial is still in
// flight, return ErrInvalidState.
func (c *Channel) Connect(wsURL, correlationID string) error {
	c.checkLoop()
	if c.state != StateNew || c.cancel != nil {
		log.Errorf("WebSocket is already connected (state %s)", c.state)
		return ErrInvalidState
	}

	log.Debugf("connecting to %s", wsURL)
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})
	c.cancel = cancel
	c.closed = closed

	go c.run(ctx, closed, wsURL, c.opts.Destinations.ReplyQueueFor(correlationID))
	return nil
}

// Register sends the registration command. Before the connection is open it
// only remembers u; the registration is then issued as soon as the broker
// accepts the session.
func (c *Channel) Register(u protocol.RegisterUser) {
	c.checkLoop()
	c.registerUser = &u
	if c.state != StateConnected {
		log.Warnf("register() in state %s", c.state)
		return
	}

	body, err := protocol.Encode(u)
	if err != nil {
		c.fail(fmt.Sprintf("WebSocket register JSON error: %v", err))
		return
	}
	log.Debugf("register: %s", body)
	c.publish(body, c.opts.Destinations.Register)
}

// Send publishes body to the signal destination.
func (c *Channel) Send(body string) {
	c.SendTo(body, c.opts.Destinations.Signal)
}

// SendTo publishes body to destination. Before registration completes the
// payload is queued; in CLOSED or ERROR it is dropped.
func (c *Channel) SendTo(body, destination string) {
	c.checkLoop()
	switch c.state {
	case StateNew, StateConnected:
		log.Debugf("queued for %s: %s", destination, body)
		c.queue = append(c.queue, outbound{body: body, destination: destination})
		util.Stats.AddQueued()
	case StateClosed, StateError:
		log.Errorf("send() in %s state, dropping: %s", c.state, body)
		util.Stats.AddDropped()
	case StateRegistered:
		c.publish(body, destination)
	}
}

// Disconnect closes the connection. With waitForClose it blocks the loop
// until the socket is confirmed closed or CloseTimeout elapses.
func (c *Channel) Disconnect(waitForClose bool) {
	c.checkLoop()
	log.Debugf("disconnect, state %s", c.state)

	if c.state == StateRegistered {
		c.state = StateConnected
	}
	if c.state == StateConnected || c.state == StateError {
		if c.conn != nil {
			// Best effort; the socket is closed right after.
			_ = c.conn.writeFrame(frame.New(frame.DISCONNECT))
		}
		c.resetSubscriptions()
		c.state = StateClosed

		if waitForClose && c.closed != nil {
			select {
			case <-c.closed:
			case <-time.After(c.opts.CloseTimeout):
				log.Warnf("no close confirmation within %v", c.opts.CloseTimeout)
			}
		}
	}
	c.resetSubscriptions()
	log.Debugf("disconnect done")
}

// resetSubscriptions stops the reader and heart-beat goroutines and closes
// the socket. Safe to call repeatedly.
func (c *Channel) resetSubscriptions() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Channel) checkLoop() {
	if !c.loop.InLoop() {
		panic("broker: channel method called outside its loop")
	}
}

// publish writes a SEND frame. Write failures are logged; the broker
// connection reports its own failure through the reader.
func (c *Channel) publish(body, destination string) {
	if c.conn == nil {
		log.Errorf("publish to %s without a connection", destination)
		return
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, jsonContentType,
	)
	f.Body = []byte(body)
	if err := c.conn.writeFrame(f); err != nil {
		log.Errorf("failed to send frame to %s: %v", destination, err)
		return
	}
	util.Stats.AddSent()
	log.Debugf("sent to %s: %s", destination, body)
}

// flush replays queued payloads in submission order. It runs once, on the
// transition to REGISTERED.
func (c *Channel) flush() {
	pending := c.queue
	c.queue = nil
	for _, m := range pending {
		c.publish(m.body, m.destination)
	}
}

// fail moves the channel to ERROR and reports description once.
func (c *Channel) fail(description string) {
	log.Errorf("%s", description)
	switch c.state {
	case StateError:
		return
	case StateClosed:
		// Closed on purpose; a late I/O error is not news.
		return
	}
	c.state = StateError
	c.events.OnError(description)
}

// ---------------------------------------------------------------------------
// Loop-side handlers for I/O events
// ---------------------------------------------------------------------------

func (c *Channel) attach(cn *conn) {
	c.conn = cn
}

func (c *Channel) onOpen() {
	if c.state != StateNew {
		return
	}
	log.Infof("broker session opened")
	c.state = StateConnected
	if c.registerUser != nil {
		c.Register(*c.registerUser)
	}
}

func (c *Channel) onTextMessage(message string) {
	switch c.state {
	case StateConnected:
		resp, err := protocol.DecodeRoomResponse([]byte(message))
		if err != nil || !resp.IsSuccess() || resp.Code != protocol.CodeRegistered {
			log.Warnf("registration not confirmed, dropping: %s", message)
			return
		}
		c.state = StateRegistered
		log.Infof("registered")
		c.flush()
		c.events.OnMessage(message)

	case StateRegistered:
		c.events.OnMessage(message)

	default:
		log.Debugf("ignoring message in state %s", c.state)
	}
}

func (c *Channel) onClosed(reason string) {
	log.Debugf("connection closed: %s, state %s", reason, c.state)
	switch c.state {
	case StateClosed, StateError:
		return
	}
	c.state = StateClosed
	c.events.OnClose()
}

// ---------------------------------------------------------------------------
// I/O goroutine
// ---------------------------------------------------------------------------

// run owns the socket for the lifetime of one Connect and closes closed on
// exit. It never touches Channel fields other than the immutable opts and
// loop.
func (c *Channel) run(ctx context.Context, closed chan struct{}, wsURL, replyQueue string) {
	defer close(closed)

	cn, err := dial(ctx, c.opts.Dialer, wsURL)
	if err != nil {
		if ctx.Err() == nil {
			c.loop.Post(func() { c.fail(fmt.Sprintf("WebSocket connection error: %v", err)) })
		}
		return
	}
	defer cn.close()
	stop := context.AfterFunc(ctx, func() { cn.close() })
	defer stop()

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, hostOf(wsURL),
		frame.Login, c.opts.Login,
		frame.Passcode, c.opts.Passcode,
		frame.HeartBeat, heartbeatHeader(c.opts.ClientHeartbeat, c.opts.ServerHeartbeat),
	)
	if err := cn.writeFrame(connect); err != nil {
		if ctx.Err() == nil {
			c.loop.Post(func() { c.fail(fmt.Sprintf("WebSocket connection error: %v", err)) })
		}
		return
	}
	cn.setReadTimeout(c.opts.HandshakeTimeout)

	c.loop.Post(func() { c.attach(cn) })

	subID := util.NewSubscriptionID()
	err = cn.readLoop(func(f *frame.Frame) error {
		return c.handleFrame(ctx, cn, f, subID, replyQueue)
	})

	switch {
	case ctx.Err() != nil:
		c.loop.Post(func() { c.onClosed("disconnect") })
	case isCleanClose(err):
		c.loop.Post(func() { c.onClosed(err.Error()) })
	default:
		c.loop.Post(func() { c.fail(fmt.Sprintf("WebSocket error: %v", err)) })
	}
}

// handleFrame runs on the reader goroutine.
func (c *Channel) handleFrame(ctx context.Context, cn *conn, f *frame.Frame, subID, replyQueue string) error {
	if f == nil {
		return nil // heart-beat
	}

	switch f.Command {
	case frame.CONNECTED:
		send, expect := negotiate(c.opts.ClientHeartbeat, c.opts.ServerHeartbeat, f.Header.Get(frame.HeartBeat))
		cn.markConnected()
		cn.setReadTimeout(2 * expect)
		if send > 0 {
			go cn.heartbeat(ctx, send)
		}
		log.Debugf("STOMP %s, heart-beat send=%v expect=%v", f.Header.Get(frame.Version), send, expect)

		sub := frame.New(frame.SUBSCRIBE,
			frame.Id, subID,
			frame.Destination, replyQueue,
			frame.Ack, "auto",
		)
		if err := cn.writeFrame(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", replyQueue, err)
		}
		c.loop.Post(c.onOpen)

	case frame.MESSAGE:
		if s := f.Header.Get(frame.Subscription); s != "" && s != subID {
			log.Debugf("ignoring message for subscription %s", s)
			return nil
		}
		util.Stats.AddRecv()
		body := string(f.Body)
		log.Debugf("received: %s", body)
		c.loop.Post(func() { c.onTextMessage(body) })

	case frame.ERROR:
		desc := f.Header.Get(frame.Message)
		if desc == "" {
			desc = string(f.Body)
		}
		return fmt.Errorf("broker error: %s", desc)

	case frame.RECEIPT:
		log.Debugf("receipt %s", f.Header.Get(frame.ReceiptId))

	default:
		log.Debugf("unexpected %s frame", f.Command)
	}
	return nil
}

func hostOf(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
