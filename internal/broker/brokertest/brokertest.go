// Package brokertest runs an in-process STOMP-over-WebSocket broker for
// tests. It speaks just enough STOMP 1.2 for the signaling client: CONNECT,
// SUBSCRIBE, SEND and DISCONNECT from the client, CONNECTED and MESSAGE back.
package brokertest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// RegisteredEcho is the acknowledgment a real server sends after a
// successful registration.
const RegisteredEcho = `{"status":0,"code":"REGISTERED","type":1}`

// Options tune the fake broker's behaviour.
type Options struct {
	// RegisterDestination, when set, makes the broker answer every SEND to it
	// with RegisteredEcho on the session's subscription.
	RegisterDestination string

	// HoldOpen keeps the socket open after DISCONNECT instead of closing it.
	HoldOpen bool

	// HeartBeat is the CONNECTED heart-beat header. Default "0,0".
	HeartBeat string

	// Silent leaves CONNECT unanswered, like a broker that hangs mid-handshake.
	Silent bool
}

// Sent is one SEND frame received from a client.
type Sent struct {
	Destination string
	Body        string
}

// Broker is the fake broker. Create it with New; it is closed by t.Cleanup.
type Broker struct {
	URL string // ws:// endpoint

	opts     Options
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sent     []Sent
	sessions []*Session
	opened   int           // sockets accepted so far
	sentCh   chan struct{} // signalled on every SEND
	subCh    chan *Session // receives each session once it subscribed
}

// Session is one client connection.
type Session struct {
	ws *websocket.Conn
	mu sync.Mutex

	Connect *frame.Frame // the CONNECT frame as received

	subID   string
	subDest string
	msgSeq  int
}

// New starts a broker on a random local port.
func New(t testing.TB, opts Options) *Broker {
	t.Helper()
	if opts.HeartBeat == "" {
		opts.HeartBeat = "0,0"
	}
	b := &Broker{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		},
		sentCh: make(chan struct{}, 1024),
		subCh:  make(chan *Session, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	b.srv = httptest.NewServer(mux)
	b.URL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"

	t.Cleanup(b.Close)
	return b
}

// Close closes every session and stops the server.
func (b *Broker) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()

	for _, s := range sessions {
		s.ws.Close()
	}
	b.srv.CloseClientConnections()
	b.srv.Close()
}

// Opened returns how many WebSocket connections the broker has accepted.
func (b *Broker) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Sent returns a copy of every SEND frame received so far, in arrival order.
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// SentTo returns the bodies sent to destination, in arrival order.
func (b *Broker) SentTo(destination string) []string {
	var out []string
	for _, s := range b.Sent() {
		if s.Destination == destination {
			out = append(out, s.Body)
		}
	}
	return out
}

// WaitSent blocks until at least n SEND frames have arrived and returns them.
func (b *Broker) WaitSent(t testing.TB, n int, timeout time.Duration) []Sent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if sent := b.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-b.sentCh:
		case <-deadline:
			t.Fatalf("timed out waiting for %d SEND frames, got %d: %+v", n, len(b.Sent()), b.Sent())
			return nil
		}
	}
}

// WaitSession blocks until a client has connected and subscribed.
func (b *Broker) WaitSession(t testing.TB, timeout time.Duration) *Session {
	t.Helper()
	select {
	case s := <-b.subCh:
		return s
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a subscribed session")
		return nil
	}
}

// Push delivers body as a MESSAGE frame on the session's subscription.
func (s *Session) Push(body string) error {
	s.mu.Lock()
	s.msgSeq++
	f := frame.New(frame.MESSAGE,
		frame.Destination, s.subDest,
		frame.Subscription, s.subID,
		frame.MessageId, strconv.Itoa(s.msgSeq),
		frame.ContentType, "application/json;charset=UTF-8",
	)
	s.mu.Unlock()
	f.Body = []byte(body)
	return s.write(f)
}

// Destination returns the subscribed reply queue.
func (s *Session) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subDest
}

// Error sends an ERROR frame and closes the socket, like a broker rejecting
// the session.
func (s *Session) Error(message string) error {
	err := s.write(frame.New(frame.ERROR, frame.Message, message))
	s.ws.Close()
	return err
}

// Drop closes the socket with a normal closure.
func (s *Session) Drop() {
	s.mu.Lock()
	s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	s.mu.Unlock()
	s.ws.Close()
}

func (s *Session) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &Session{ws: ws}

	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.opened++
	b.mu.Unlock()

	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		rd := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := rd.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return
			}
			if f == nil {
				continue // heart-beat
			}
			if !b.handleFrame(s, f) {
				return
			}
		}
	}
}

// handleFrame reacts to one client frame; false ends the session.
func (b *Broker) handleFrame(s *Session, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		s.Connect = f
		if b.opts.Silent {
			return true
		}
		err := s.write(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, b.opts.HeartBeat,
		))
		return err == nil

	case frame.SUBSCRIBE:
		s.mu.Lock()
		s.subID = f.Header.Get(frame.Id)
		s.subDest = f.Header.Get(frame.Destination)
		s.mu.Unlock()
		b.subCh <- s

	case frame.SEND:
		dest := f.Header.Get(frame.Destination)
		b.mu.Lock()
		b.sent = append(b.sent, Sent{Destination: dest, Body: string(f.Body)})
		b.mu.Unlock()
		select {
		case b.sentCh <- struct{}{}:
		default:
		}
		if b.opts.RegisterDestination != "" && dest == b.opts.RegisterDestination {
			if err := s.Push(RegisteredEcho); err != nil {
				return false
			}
		}

	case frame.DISCONNECT:
		if b.opts.HoldOpen {
			return true
		}
		s.Drop()
		return false

	default:
		s.write(frame.New(frame.ERROR, frame.Message, fmt.Sprintf("unsupported command %s", f.Command)))
		return false
	}
	return true
}
