package netfeed

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Server accepts audio pushed by a remote peer.
type Server struct {
	out        io.Writer
	controller Controller
	logger     *slog.Logger

	active atomic.Bool
	c      counters
}

// NewServer creates an endpoint writing binary frames to out.
func NewServer(out io.Writer, controller Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{out: out, controller: controller, logger: logger.With("component", "netfeed_server")}
}

// RegisterRoutes mounts the endpoint at /ws/duplex.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/duplex", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/duplex", websocket.New(s.handle))
}

// handle serves one peer. A second peer is refused while one is connected.
func (s *Server) handle(c *websocket.Conn) {
	if !s.active.CompareAndSwap(false, true) {
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "feed busy"))
		return
	}
	defer s.active.Store(false)

	s.logger.Info("peer connected", "remote", c.RemoteAddr().String())
	defer s.logger.Info("peer disconnected", "remote", c.RemoteAddr().String())

	for {
		typ, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		switch typ {
		case websocket.BinaryMessage:
			s.c.messages.Add(1)
			s.c.bytes.Add(uint64(len(data)))
			if _, err := s.out.Write(data); err != nil {
				s.logger.Warn("write input failed", "error", err)
				return
			}
		case websocket.TextMessage:
			if err := handleControl(s.controller, data); err != nil {
				s.logger.Warn("control message failed", "error", err)
			}
		}
	}
}

// Connected reports whether a peer is connected.
func (s *Server) Connected() bool { return s.active.Load() }

// Stats returns traffic counters.
func (s *Server) Stats() Stats { return s.c.stats() }
