package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server-to-client event targets and the client-to-server invocation issued
// after a successful connect.
const (
	TargetReceiveNotification = "ReceiveNotification"
	TargetReceiveMessageCount = "ReceiveMessageCount"
	TargetReceiveNewMessage   = "ReceiveNewMessage"
	TargetJoinUserGroup       = "JoinUserGroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20 // 1 MiB
)

// Frame is the JSON envelope exchanged with the notification hub. Server
// pushes carry one of the Receive* targets; the only client invocation is
// JoinUserGroup.
type Frame struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// NewInvocation builds a client-to-server frame with the supplied arguments.
func NewInvocation(target string, args ...any) (Frame, error) {
	frame := Frame{Target: target}
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("hub: marshal invocation argument: %w", err)
		}
		frame.Arguments = append(frame.Arguments, raw)
	}
	return frame, nil
}

// Conn is the minimal transport surface the manager needs. The production
// implementation wraps a gorilla websocket connection; tests substitute fakes
// to simulate drops without a network.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens a hub connection. The URL already carries the access token.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// HubURL builds the hub endpoint for the given base host and bearer token.
// The token travels as a query parameter because some websocket transports
// cannot set headers.
func HubURL(baseHost, token string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseHost), "/")
	if base == "" {
		return "", fmt.Errorf("hub: base host is required")
	}

	parsed, err := url.Parse(base + "/notificationHub")
	if err != nil {
		return "", fmt.Errorf("hub: parse base host: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("hub: unsupported scheme %q", parsed.Scheme)
	}

	query := parsed.Query()
	query.Set("access_token", token)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// DialWebsocket is the production Dialer built on gorilla/websocket. It wires
// ping/pong keepalive so that silent transport deaths surface as read errors.
func DialWebsocket(ctx context.Context, rawURL string) (Conn, error) {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	conn := &wsConn{socket: socket, done: make(chan struct{})}
	socket.SetReadLimit(maxFrameSize)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	go conn.pingLoop()

	return conn, nil
}

type wsConn struct {
	socket  *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *wsConn) ReadFrame() (Frame, error) {
	var frame Frame
	if err := c.socket.ReadJSON(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (c *wsConn) WriteFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.socket.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.socket.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
