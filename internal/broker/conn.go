package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// errHeartbeat is returned by readLoop when the broker stayed silent for
// longer than the negotiated heart-beat allowance.
var errHeartbeat = errors.New("failed server heartbeat")

// errHandshakeTimeout is returned by readLoop when the broker did not answer
// CONNECT within the handshake timeout.
var errHandshakeTimeout = errors.New("no CONNECTED frame from broker")

// stompSubprotocols are offered during the WebSocket handshake.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// conn is one STOMP session carried over a WebSocket. Writes are serialized
// by a mutex because the loop, the reader and the heart-beat goroutine all
// write to it.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	readTimeout atomic.Int64 // time.Duration; 0 disables the read deadline
	connected   atomic.Bool  // the broker's CONNECTED frame has arrived
}

// dial opens the WebSocket. The handshake honours ctx.
func dial(ctx context.Context, d *websocket.Dialer, url string) (*conn, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	dd := *d
	if len(dd.Subprotocols) == 0 {
		dd.Subprotocols = stompSubprotocols
	}

	ws, _, err := dd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &conn{ws: ws}, nil
}

// writeFrame encodes f as one WebSocket text message.
func (c *conn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return c.write(buf.Bytes())
}

// writeHeartbeat sends a single EOL, which STOMP treats as a heart-beat.
func (c *conn) writeHeartbeat() error {
	return c.write([]byte{'\n'})
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// markConnected records that the STOMP handshake completed. Read timeouts
// after this point are heart-beat failures.
func (c *conn) markConnected() {
	c.connected.Store(true)
}

func (c *conn) setReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
}

// readLoop decodes inbound frames and passes them to handle until the
// connection fails or handle returns an error. A nil frame is a heart-beat.
func (c *conn) readLoop(handle func(*frame.Frame) error) error {
	for {
		if d := time.Duration(c.readTimeout.Load()); d > 0 {
			c.ws.SetReadDeadline(time.Now().Add(d))
		} else {
			c.ws.SetReadDeadline(time.Time{})
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !c.connected.Load() {
					return errHandshakeTimeout
				}
				return errHeartbeat
			}
			return err
		}

		r := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("invalid STOMP frame: %w", err)
			}
			if err := handle(f); err != nil {
				return err
			}
		}
	}
}

// heartbeat writes an EOL every interval until ctx is done or a write fails.
func (c *conn) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeHeartbeat(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) close() error {
	return c.ws.Close()
}

// isCleanClose reports whether err is the broker closing the socket on
// purpose rather than a failure.
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// heartbeatHeader renders the CONNECT heart-beat header: "cx,cy" in ms.
func heartbeatHeader(send, want time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), want.Milliseconds())
}

// negotiate applies the STOMP 1.2 heart-beat rules to our settings (cx: we
// can send every cx, cy: we want to receive every cy) and the broker's
// CONNECTED heart-beat header "sx,sy". It returns how often we must send and
// how often the broker will send; zero disables either direction.
func negotiate(cx, cy time.Duration, serverHeader string) (send, expect time.Duration) {
	sx, sy, ok := parseHeartbeat(serverHeader)
	if !ok {
		return 0, 0
	}
	if cx > 0 && sy > 0 {
		send = max(cx, sy)
	}
	if cy > 0 && sx > 0 {
		expect = max(cy, sx)
	}
	return send, expect
}

func parseHeartbeat(h string) (sx, sy time.Duration, ok bool) {
	a, b, found := strings.Cut(strings.TrimSpace(h), ",")
	if !found {
		return 0, 0, false
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0, false
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, true
}
