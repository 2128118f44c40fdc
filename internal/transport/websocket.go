package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the WebSocket client.
type WebSocketConfig struct {
	BaseURL   string
	Token     string
	VerifyTLS bool
}

// WebSocket holds one authenticated session to the hub's WebSocket API.
// The session is dialed on first use and redialed after any I/O error.
// Commands are serialized: one request is in flight at a time.
type WebSocket struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int
}

// NewWebSocket creates a WebSocket client for the hub at cfg.BaseURL.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	wsURL, err := WebSocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return &WebSocket{
		url:   wsURL,
		token: cfg.Token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
			TLSClientConfig:  TLSConfig(cfg.VerifyTLS),
		},
	}, nil
}

// WebSocketURL maps http(s)://host to ws(s)://host/api/websocket.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("hub URL must use http or https, got %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsMessage struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *wsError        `json:"error"`
	Message string          `json:"message"`
}

// Execute sends req.Command with req.Fields and waits for the matching result.
func (c *WebSocket) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Command == "" {
		return Response{}, permanent(ChannelWebSocket, errors.New("missing command type"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.session(ctx)
	if err != nil {
		return Response{}, err
	}

	stop := bindDeadline(ctx, conn)
	defer stop()

	c.nextID++
	id := c.nextID
	msg := make(map[string]any, len(req.Fields)+2)
	for k, v := range req.Fields {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = req.Command

	if err := conn.WriteJSON(msg); err != nil {
		c.reset()
		return Response{}, c.ioFailure(ctx, "send command", err)
	}

	for {
		var in wsMessage
		if err := conn.ReadJSON(&in); err != nil {
			c.reset()
			return Response{}, c.ioFailure(ctx, "read response", err)
		}
		if in.ID != id {
			// Events and stale results from earlier attempts.
			continue
		}
		if !in.Success {
			f := permanent(ChannelWebSocket, errors.New("command failed: unknown error"))
			if in.Error != nil {
				f.Code = in.Error.Code
				f.Err = fmt.Errorf("command failed: %s", in.Error.Message)
			}
			return Response{}, f
		}
		return Response{ContentType: "application/json", Body: in.Result}, nil
	}
}

// Close drops the current session, if any.
func (c *WebSocket) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// session returns the live connection, dialing and authenticating if needed.
// Callers hold c.mu.
func (c *WebSocket) session(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Failure{Kind: Permanent, Channel: ChannelWebSocket, Status: resp.StatusCode, Err: err}
		}
		return nil, c.ioFailure(ctx, "connect", err)
	}

	stop := bindDeadline(ctx, conn)
	defer stop()

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		var f *Failure
		if errors.As(err, &f) {
			return nil, f
		}
		return nil, c.ioFailure(ctx, "authenticate", err)
	}

	c.conn = conn
	c.nextID = 0
	return conn, nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var in wsMessage
	if err := conn.ReadJSON(&in); err != nil {
		return err
	}
	if in.Type != "auth_required" {
		return permanent(ChannelWebSocket, fmt.Errorf("expected auth_required, got: %q", in.Type))
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return err
	}

	in = wsMessage{}
	if err := conn.ReadJSON(&in); err != nil {
		return err
	}
	switch in.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		msg := in.Message
		if msg == "" {
			msg = "invalid token"
		}
		return &Failure{Kind: Permanent, Channel: ChannelWebSocket, Code: "auth_invalid",
			Err: fmt.Errorf("authentication failed: %s", msg)}
	default:
		return permanent(ChannelWebSocket, fmt.Errorf("unexpected auth response: %q", in.Type))
	}
}

func (c *WebSocket) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *WebSocket) ioFailure(ctx context.Context, op string, err error) *Failure {
	if ctx.Err() != nil {
		return transient(ChannelWebSocket, fmt.Errorf("%s: timeout: %w", op, ctx.Err()))
	}
	return transient(ChannelWebSocket, fmt.Errorf("%s: %w", op, err))
}

// bindDeadline applies ctx's deadline to conn and unblocks pending I/O when
// ctx is cancelled. The returned func detaches the cancellation hook.
func bindDeadline(ctx context.Context, conn *websocket.Conn) func() bool {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
	}
	return context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		conn.SetReadDeadline(past)
		conn.SetWriteDeadline(past)
	})
}
