package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/relay"
)

const (
	// reconnect backoff bounds for the channel loop.
	reconnectMin = time.Second
	reconnectMax = time.Minute

	// writeTimeout bounds every outbound frame write.
	writeTimeout = 10 * time.Second

	// pingInterval keeps the channel alive through idle periods.
	pingInterval = 30 * time.Second

	// pongWait is how long a read may block before the connection is
	// considered dead. Must exceed pingInterval.
	pongWait = 90 * time.Second
)

// Frame is the envelope for every message on the hub channel.
type Frame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`

	// Registration fields.
	MachineID string `json:"machineId,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	OS        string `json:"os,omitempty"`

	// Response fields.
	Status   int         `json:"status,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Encoding string      `json:"encoding,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ClientConfig holds hub channel client settings.
type ClientConfig struct {
	// URL is the hub base URL, http(s) scheme.
	URL string

	// APIKey authenticates the channel and directory requests.
	APIKey string
}

// Client maintains the duplex channel to the hub and dispatches relayed
// requests to the relay handler.
type Client struct {
	config   ClientConfig
	identity *Identity
	handler  *relay.Handler
	logger   *zap.Logger
	writeMu  sync.Mutex
}

// NewClient creates a hub channel client.
func NewClient(config ClientConfig, identity *Identity, handler *relay.Handler, logger *zap.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("machine identity is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:   config,
		identity: identity,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Run connects to the hub channel and serves relayed requests until the
// context is cancelled, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("hub channel closed, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// serveOnce dials the channel, registers, and reads frames until the
// connection drops. A successful registration resets the caller's view
// of connection health via the returned nil-until-drop error.
func (c *Client) serveOnce(ctx context.Context) error {
	channelURL, err := c.channelURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, channelURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing hub channel: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing hub channel: %w", err)
	}
	defer conn.Close()

	if err := c.writeFrame(conn, &Frame{
		Type:      "register",
		MachineID: c.identity.MachineID,
		Hostname:  c.identity.Hostname,
		OS:        c.identity.OS,
	}); err != nil {
		return fmt.Errorf("registering machine: %w", err)
	}
	c.logger.Info("hub channel connected",
		zap.String("machineId", c.identity.MachineID),
	)

	// Close the connection when the context ends so the read loop
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop(conn, done)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("reading channel frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case "api_relay":
			go c.handleRelay(ctx, conn, &frame)
		case "registered", "pong":
			// Acknowledgements carry no payload.
		default:
			c.logger.Debug("ignoring unknown channel frame",
				zap.String("type", frame.Type),
			)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleRelay runs one relayed request through the handler and writes
// the response frame back on the channel.
func (c *Client) handleRelay(ctx context.Context, conn *websocket.Conn, frame *Frame) {
	if c.handler == nil {
		c.logger.Warn("relay frame received but no handler configured",
			zap.String("requestId", frame.RequestID),
		)
		return
	}

	resp := c.handler.Handle(ctx, &relay.Request{
		RequestID: frame.RequestID,
		Method:    frame.Method,
		Path:      frame.Path,
		Query:     frame.Query,
		Headers:   frame.Headers,
		Body:      frame.Body,
	})

	err := c.writeFrame(conn, &Frame{
		Type:      "api_relay_response",
		RequestID: resp.RequestID,
		Status:    resp.Status,
		Data:      resp.Data,
		Headers:   resp.Headers,
		Encoding:  resp.Encoding,
		Error:     resp.Error,
	})
	if err != nil {
		c.logger.Warn("writing relay response failed",
			zap.String("requestId", resp.RequestID),
			zap.Error(err),
		)
	}
}

// writeFrame serializes concurrent writers; gorilla allows only one
// writer at a time.
func (c *Client) writeFrame(conn *websocket.Conn, frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// channelURL converts the hub base URL to the websocket channel endpoint.
func (c *Client) channelURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/channel"
	return u.String(), nil
}
