package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingRelayURL = errors.New("relay: url required")
	errMissingSession  = errors.New("relay: session required")
)

type ClientConfig struct {
	URL         string
	Session     string
	AccessToken string
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Client is a viewer's connection to the relay. Send is safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	session string
	logger  *zap.Logger

	writeMu sync.Mutex
}

// Dial connects to the relay websocket for cfg.Session.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, errMissingRelayURL
	}
	if strings.TrimSpace(cfg.Session) == "" {
		return nil, errMissingSession
	}
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid url: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	query := endpoint.Query()
	query.Set("session", cfg.Session)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("relay: dial status %d: %w", response.StatusCode, err)
		}
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, session: cfg.Session, logger: logger}, nil
}

// Send writes event to the relay. The host stamps sender identity.
func (c *Client) Send(ctx context.Context, event Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	event.Session = c.session
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// Receive invokes handle for every event until ctx ends or the connection
// closes. It returns nil on a normal close.
func (c *Client) Receive(ctx context.Context, handle func(Event)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()
	for {
		var event Event
		if err := c.conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}
			return fmt.Errorf("relay: receive: %w", err)
		}
		handle(event)
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
