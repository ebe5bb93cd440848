package netfeed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL    string
	Header http.Header

	// ReconnectDelay is the pause between connection attempts. Zero
	// disables reconnecting.
	ReconnectDelay time.Duration

	// ReadTimeout closes a silent connection.
	ReadTimeout time.Duration

	Controller Controller
	Logger     *slog.Logger
}

// Client pulls audio from a websocket server.
type Client struct {
	opts   ClientOptions
	out    io.Writer
	logger *slog.Logger
	c      counters
}

// NewClient creates a client writing binary frames to out.
func NewClient(out io.Writer, opts ClientOptions) *Client {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, out: out, logger: logger.With("component", "netfeed_client")}
}

// Run connects and pumps frames until ctx is cancelled. Without a
// reconnect delay it returns the first connection error.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if c.opts.ReconnectDelay <= 0 {
			return err
		}
		c.logger.Warn("feed disconnected, reconnecting", "url", c.opts.URL, "error", err, "delay", c.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()
	c.logger.Info("feed connected", "url", c.opts.URL)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch typ {
		case websocket.BinaryMessage:
			c.c.messages.Add(1)
			c.c.bytes.Add(uint64(len(data)))
			if _, err := c.out.Write(data); err != nil {
				return fmt.Errorf("write input: %w", err)
			}
		case websocket.TextMessage:
			if err := handleControl(c.opts.Controller, data); err != nil {
				c.logger.Warn("control message failed", "error", err)
			}
		}
	}
}

// Stats returns traffic counters.
func (c *Client) Stats() Stats { return c.c.stats() }
