// Package server bridges a liveness controller to a browser shell over
// HTTP and websocket. The shell renders the published snapshots, reports
// its viewport size and window focus changes, and starts or stops sessions.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/liveness"
	"github.com/MrCodeEU/livecheck/pkg/logging"
)

var log = logging.Component("server")

// SessionController is the part of liveness.Controller the bridge drives.
type SessionController interface {
	Start() error
	Stop()
	Snapshot() liveness.Snapshot
	SetViewport(size camera.Size)
	OnSnapshot(fn func(liveness.Snapshot)) (cancel func())
	OnEvent(fn func(liveness.Event)) (cancel func())
}

// Options configure the server.
type Options struct {
	Version string
}

// Server is the HTTP and websocket front of one controller.
type Server struct {
	app   *fiber.App
	ctrl  SessionController
	focus *liveness.FocusBroker
	hub   *Hub
	opts  Options

	cancelHub  context.CancelFunc
	unsubSnap  func()
	unsubEvent func()
}

// New wires ctrl and focus into a fiber app. The websocket hub starts
// immediately and relays every snapshot and event.
func New(ctrl SessionController, focus *liveness.FocusBroker, opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "livecheck",
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:   app,
		ctrl:  ctrl,
		focus: focus,
		hub:   NewHub(),
		opts:  opts,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	go s.hub.Run(ctx)

	s.unsubSnap = ctrl.OnSnapshot(func(snap liveness.Snapshot) {
		s.hub.Broadcast(MessageSnapshot, snap)
	})
	s.unsubEvent = ctrl.OnEvent(func(e liveness.Event) {
		s.hub.Broadcast(MessageEvent, e)
	})

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(requestLogger())

	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api")
	api.Get("/session", s.getSession)
	api.Post("/session/start", s.startSession)
	api.Post("/session/stop", s.stopSession)
	api.Put("/viewport", s.setViewport)
	api.Post("/focus", s.reportFocus)

	s.app.Use("/ws", upgradeMiddleware())
	s.app.Get("/ws", s.websocketHandler())
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	log.WithField("addr", addr).Info("Listening")
	return s.app.Listen(addr)
}

// Shutdown stops relaying, closes websocket clients and the listener.
func (s *Server) Shutdown() error {
	s.unsubSnap()
	s.unsubEvent()
	s.cancelHub()
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Clients int    `json:"clients"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Clients: s.hub.Clients(),
	})
}

func (s *Server) getSession(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) startSession(c *fiber.Ctx) error {
	if err := s.ctrl.Start(); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.ctrl.Snapshot())
}

func (s *Server) stopSession(c *fiber.Ctx) error {
	s.ctrl.Stop()
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) setViewport(c *fiber.Ctx) error {
	var size camera.Size
	if err := c.BodyParser(&size); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid viewport body")
	}
	if size.Width <= 0 || size.Height <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "viewport width and height must be positive")
	}

	s.ctrl.SetViewport(size)
	return c.SendStatus(fiber.StatusNoContent)
}

// FocusRequest is a window focus change reported by the shell.
type FocusRequest struct {
	Event liveness.FocusEvent `json:"event"`
}

func (s *Server) reportFocus(c *fiber.Ctx) error {
	var req FocusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid focus body")
	}

	switch req.Event {
	case liveness.FocusOut, liveness.Blur, liveness.FocusIn:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown focus event: "+string(req.Event))
	}

	if s.focus != nil {
		s.focus.Publish(req.Event)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) websocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client := s.hub.newClient(conn)
		// Late joiners get the current state first; other clients already have it
		if err := client.Send(MessageSnapshot, s.ctrl.Snapshot()); err != nil {
			log.WithError(err).Warn("Failed to queue initial snapshot")
		}
		if !s.hub.join(client) {
			_ = conn.Close()
			return
		}

		go client.WritePump()
		client.ReadPump()
	})
}

func upgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		entry := log.WithFields(logging.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"latency":    time.Since(start).String(),
			"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug("Request handled")
		return err
	}
}

// errorHandler renders every error as {"error": {"code", "message"}}.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "INTERNAL_ERROR"
	message := "An unexpected error occurred"

	var fiberErr *fiber.Error
	switch {
	case errors.Is(err, liveness.ErrSessionActive):
		status, code, message = fiber.StatusConflict, "SESSION_ACTIVE", err.Error()
	case errors.Is(err, liveness.ErrClosed):
		status, code, message = fiber.StatusServiceUnavailable, "CONTROLLER_CLOSED", err.Error()
	case errors.As(err, &fiberErr):
		status, code, message = fiberErr.Code, "HTTP_ERROR", fiberErr.Message
	default:
		log.WithError(err).WithField("path", c.Path()).Error("Unhandled error")
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
