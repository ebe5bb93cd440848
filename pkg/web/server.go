// Package web provides the HTTP control API and live status feeds.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/hub"
	"github.com/teslashibe/go-voicebox/pkg/orchestrator"
	"github.com/teslashibe/go-voicebox/pkg/playback"
)

// maxLogs is the number of log entries kept for /api/logs.
const maxLogs = 500

// Backend is the part of the orchestrator the API drives.
type Backend interface {
	Snapshot() orchestrator.Status
	PlayTone(ctx context.Context, req playback.ToneRequest) error
	PlayToneInterrupting(ctx context.Context, uri string) error
	StopTone() error
	PlayURL(ctx context.Context, uri string) error
	StopURL() error
	StartDuplex() error
	StopDuplex() error
	TimeoutSignal()
	SetSleeping(v bool)
}

// LogEntry represents a log line for the dashboard
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // visual, device, error
	Message string `json:"message"`
}

// Options configures a Server.
type Options struct {
	Backend Backend

	// Gate is toggled by /api/device/restricted when set.
	Gate *device.StaticGate

	// AccessLog logs every request.
	AccessLog bool

	Logger *slog.Logger
}

// Server is the control API server
type Server struct {
	app     *fiber.App
	backend Backend
	gate    *device.StaticGate
	logger  *slog.Logger

	logs   []LogEntry
	logsMu sync.RWMutex

	statusHub  *hub.Hub
	logHub     *hub.Hub
	captureHub *hub.Hub
}

// NewServer creates the API server and registers its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")

	s := &Server{
		backend:    opts.Backend,
		gate:       opts.Gate,
		logger:     logger,
		logs:       make([]LogEntry, 0, maxLogs),
		statusHub:  hub.New("status", logger),
		logHub:     hub.New("logs", logger),
		captureHub: hub.New("capture", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebox",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,X-Request-ID",
	}))
	app.Use(requestID)
	if opts.AccessLog {
		app.Use(fiberlog.New(fiberlog.Config{
			Format: "${time} ${locals:request_id} ${status} ${method} ${path} ${latency}\n",
		}))
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/logs", s.handleGetLogs)
	api.Post("/tone", s.handlePlayTone)
	api.Post("/tone/interrupt", s.handleInterruptTone)
	api.Delete("/tone", s.handleStopTone)
	api.Post("/url", s.handlePlayURL)
	api.Delete("/url", s.handleStopURL)
	api.Post("/duplex/start", s.handleStartDuplex)
	api.Post("/duplex/stop", s.handleStopDuplex)
	api.Post("/device/restricted", s.handleRestricted)
	api.Post("/device/sleep", s.handleSleep)
	api.Post("/device/timeout", s.handleTimeout)

	for _, path := range []string{"/ws/status", "/ws/logs", "/ws/capture"} {
		app.Use(path, func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
	}
	app.Get("/ws/status", websocket.New(s.serveHub(s.statusHub)))
	app.Get("/ws/logs", websocket.New(s.serveHub(s.logHub)))
	app.Get("/ws/capture", websocket.New(s.serveHub(s.captureHub)))

	s.app = app
	return s
}

// requestID tags every request with an X-Request-ID.
func requestID(c *fiber.Ctx) error {
	id := c.Get(fiber.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals("request_id", id)
	c.Set(fiber.HeaderXRequestID, id)
	return c.Next()
}

func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		hub.NewClient(h, c).Run()
	}
}

// App returns the fiber app so other endpoints can be mounted.
func (s *Server) App() *fiber.App { return s.app }

// Start runs the hubs and serves addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.statusHub.Run(ctx)
	go s.logHub.Run(ctx)
	go s.captureHub.Run(ctx)

	stop := context.AfterFunc(ctx, func() {
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("shutdown failed", "error", err)
		}
	})
	defer stop()

	s.logger.Info("control api listening", "addr", addr)
	return s.app.Listen(addr)
}

// PublishStatus broadcasts a status change to /ws/status.
func (s *Server) PublishStatus(st orchestrator.Status) {
	if err := s.statusHub.BroadcastJSON(st); err != nil {
		s.logger.Warn("encode status failed", "error", err)
	}
}

// SendCapture broadcasts captured audio to /ws/capture.
func (s *Server) SendCapture(data []byte) {
	if s.captureHub.ClientCount() == 0 {
		return
	}
	s.captureHub.BroadcastBinary(data)
}

// CaptureListeners returns the number of /ws/capture clients.
func (s *Server) CaptureListeners() int { return s.captureHub.ClientCount() }

// AddLog adds a log entry and broadcasts to clients
func (s *Server) AddLog(logType, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	if err := s.logHub.BroadcastJSON(entry); err != nil {
		s.logger.Warn("encode log failed", "error", err)
	}
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
