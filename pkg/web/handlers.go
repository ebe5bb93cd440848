package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-voicebox/pkg/orchestrator"
	"github.com/teslashibe/go-voicebox/pkg/playback"
)

// ToneRequest is the body of POST /api/tone.
type ToneRequest struct {
	URI                 string `json:"uri"`
	QoS                 int    `json:"qos"`
	AllowWhenRestricted bool   `json:"allow_when_restricted"`
}

// URIRequest is the body of the stream and interrupt endpoints.
type URIRequest struct {
	URI string `json:"uri"`
}

// ToggleRequest is the body of the device switches.
type ToggleRequest struct {
	Value bool `json:"value"`
}

// statusFor maps playback errors to HTTP statuses.
func statusFor(err error) int {
	var resErr *playback.ResourceError
	switch {
	case errors.Is(err, playback.ErrBusy), errors.Is(err, playback.ErrNotRunning),
		errors.Is(err, playback.ErrStillRunning):
		return fiber.StatusConflict
	case errors.Is(err, playback.ErrTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, playback.ErrRestricted):
		return fiber.StatusLocked
	case errors.Is(err, playback.ErrInvalidQoS), errors.Is(err, playback.ErrInvalidHandle):
		return fiber.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotStarted):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &resErr):
		return fiber.StatusUnprocessableEntity
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"request_id", c.Locals("request_id"),
			"error", err,
		)
	}
	return c.Status(code).JSON(fiber.Map{
		"error":      err.Error(),
		"request_id": c.Locals("request_id"),
	})
}

func ok(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.backend.Snapshot())
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	return c.JSON(s.logs)
}

func parseURI(c *fiber.Ctx) (string, error) {
	var req URIRequest
	if err := c.BodyParser(&req); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	uri := strings.TrimSpace(req.URI)
	if uri == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "uri required")
	}
	return uri, nil
}

func (s *Server) handlePlayTone(c *fiber.Ctx) error {
	var req ToneRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.URI == "" {
		return fiber.NewError(fiber.StatusBadRequest, "uri required")
	}

	err := s.backend.PlayTone(c.UserContext(), playback.ToneRequest{
		QoS:                 playback.QoS(req.QoS),
		AllowWhenRestricted: req.AllowWhenRestricted,
		URI:                 req.URI,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"uri": req.URI})
}

func (s *Server) handleInterruptTone(c *fiber.Ctx) error {
	uri, err := parseURI(c)
	if err != nil {
		return err
	}
	if err := s.backend.PlayToneInterrupting(c.UserContext(), uri); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"uri": uri})
}

func (s *Server) handleStopTone(c *fiber.Ctx) error {
	if err := s.backend.StopTone(); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handlePlayURL(c *fiber.Ctx) error {
	uri, err := parseURI(c)
	if err != nil {
		return err
	}
	if err := s.backend.PlayURL(c.UserContext(), uri); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"uri": uri})
}

func (s *Server) handleStopURL(c *fiber.Ctx) error {
	if err := s.backend.StopURL(); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleStartDuplex(c *fiber.Ctx) error {
	if err := s.backend.StartDuplex(); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleStopDuplex(c *fiber.Ctx) error {
	if err := s.backend.StopDuplex(); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleRestricted(c *fiber.Ctx) error {
	if s.gate == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "device gate is not switchable")
	}
	var req ToggleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	s.gate.Set(req.Value)
	s.AddLog("device", map[bool]string{true: "playback restricted", false: "playback allowed"}[req.Value])
	return ok(c)
}

func (s *Server) handleSleep(c *fiber.Ctx) error {
	var req ToggleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	s.backend.SetSleeping(req.Value)
	return ok(c)
}

// handleTimeout injects one output stall signal, for drivers that detect
// stalls outside the process.
func (s *Server) handleTimeout(c *fiber.Ctx) error {
	s.backend.TimeoutSignal()
	return ok(c)
}
