// Package stream maintains the broker's trade_updates websocket
// subscription and hands every message to a single sequential handler.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"lotkeeper/internal/domain"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/util"
)

// Handler processes one raw stream message. Messages are delivered one at a
// time in arrival order; a Handler must not retain msg.
type Handler func(ctx context.Context, msg []byte)

// Config holds the connection settings for a Client.
type Config struct {
	URL    string
	Key    string
	Secret string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout closes a connection that has delivered nothing, not even a
	// pong, for this long.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
}

// Client keeps one authenticated trade_updates subscription alive.
type Client struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics
	log     *slog.Logger
	dialer  *websocket.Dialer
}

// NewClient creates a Client that delivers messages to handler.
func NewClient(cfg Config, handler Handler, m *metrics.Metrics, log *slog.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		metrics: m,
		log:     log.With("component", "stream"),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Run connects, subscribes and reads until ctx is cancelled. Every failure,
// including a close frame from the server, is logged and followed by a
// reconnect after a capped exponential backoff. Run only returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := util.Backoff{Base: c.cfg.BackoffBase, Max: c.cfg.BackoffMax}
	for {
		delivered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff.Reset()
		}
		wait := backoff.Next()
		c.log.Warn("trade update stream disconnected", "error", err, "retry_in", wait)
		c.metrics.ObserveReconnect()
		if err := util.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// session runs one connection from dial to failure. It reports whether any
// message reached the handler.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: dialing %s: %v", domain.ErrProtocol, c.cfg.URL, err)
	}
	defer conn.Close()

	// Unblock the reader when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.subscribe(conn); err != nil {
		return false, err
	}
	c.log.Info("subscribed to trade updates", "url", c.cfg.URL)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.keepAlive(conn, pingDone)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	delivered := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return delivered, fmt.Errorf("%w: server closed stream: %d %s", domain.ErrProtocol, ce.Code, ce.Text)
			}
			return delivered, fmt.Errorf("%w: reading: %v", domain.ErrProtocol, err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if err := checkAuthorization(msg); err != nil {
			return delivered, err
		}
		c.handler(ctx, msg)
		delivered = true
	}
}

// subscribe sends the auth and listen requests. The broker answers both
// asynchronously; a failed authorization is detected by the read loop.
func (c *Client) subscribe(conn *websocket.Conn) error {
	auth := map[string]string{"action": "auth", "key": c.cfg.Key, "secret": c.cfg.Secret}
	listen := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	for _, req := range []any{auth, listen} {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("%w: handshake: %v", domain.ErrProtocol, err)
		}
	}
	return nil
}

// keepAlive pings the server until done is closed or a write fails.
func (c *Client) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

type authReply struct {
	Stream string `json:"stream"`
	Data   struct {
		Status string `json:"status"`
		Action string `json:"action"`
	} `json:"data"`
}

// checkAuthorization returns a protocol error when msg is the broker's
// rejection of our credentials.
func checkAuthorization(msg []byte) error {
	var r authReply
	if json.Unmarshal(msg, &r) != nil || r.Stream != "authorization" {
		return nil
	}
	if r.Data.Status != "authorized" {
		return fmt.Errorf("%w: authorization %s", domain.ErrProtocol, r.Data.Status)
	}
	return nil
}
