package http_handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	sdklogger "github.com/anthanhphan/gosdk/logger"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp"
)

const (
	streamBuffer      = 256
	keepAliveInterval = 15 * time.Second
)

// NetworkView exposes connectivity to the control API.
type NetworkView interface {
	Network() domain.NetworkStatus
	SetOnline(online bool)
}

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	engine  port.Engine
	network NetworkView

	keepAlive time.Duration
}

type startRequest struct {
	Path          string `json:"path"`
	DestinationID string `json:"destination_id"`
	UserID        string `json:"user_id"`
	MaxRetries    int    `json:"max_retries"`
	Concurrency   int    `json:"concurrency"`
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func NewServer(cfg *config.Config, engine port.Engine, network NetworkView) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{
		app:       app,
		cfg:       cfg,
		engine:    engine,
		network:   network,
		keepAlive: keepAliveInterval,
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	s.app.Post("/uploads", s.handleStart)
	s.app.Get("/uploads", s.handleList)
	s.app.Get("/uploads/:id", s.handleGet)
	s.app.Get("/uploads/:id/history", s.handleHistory)
	s.app.Post("/uploads/:id/pause", s.handlePause)
	s.app.Post("/uploads/:id/resume", s.handleResume)
	s.app.Delete("/uploads/:id", s.handleCancel)

	s.app.Get("/network", s.handleNetwork)
	s.app.Put("/network", s.handleSetNetwork)

	s.app.Get("/events", s.handleEvents)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) sendJSONError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUploadNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrBadRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	var body startRequest
	if err := c.BodyParser(&body); err != nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if body.Path == "" {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Missing 'path'")
	}

	id, err := s.engine.Start(c.UserContext(), port.StartRequest{
		Source:        port.SourceDescriptor{Path: body.Path},
		DestinationID: body.DestinationID,
		UserID:        body.UserID,
		Credential:    bearerToken(c.Get(fiber.HeaderAuthorization)),
		Options: port.StartOptions{
			MaxRetries:  body.MaxRetries,
			Concurrency: body.Concurrency,
		},
	})
	if err != nil {
		sdklogger.Errorw("Upload start failed", "path", body.Path, "error", err.Error())
		return s.sendJSONError(c, statusFor(err), fmt.Sprintf("Upload start failed: %v", err))
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id": id,
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func (s *Server) handleList(c *fiber.Ctx) error {
	records, err := s.engine.List(c.UserContext())
	if err != nil {
		return s.sendJSONError(c, statusFor(err), err.Error())
	}

	if status := c.Query("status"); status != "" {
		filtered := make([]*domain.UploadRecord, 0, len(records))
		for _, rec := range records {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	return c.JSON(fiber.Map{"uploads": records})
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.engine.Get(c.UserContext(), id)
	if err != nil {
		return s.sendJSONError(c, statusFor(err), fmt.Sprintf("Upload %s: %v", id, err))
	}
	return c.JSON(rec)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	id := c.Params("id")
	events, err := s.engine.Events(c.UserContext(), id)
	if err != nil {
		return s.sendJSONError(c, statusFor(err), err.Error())
	}
	return c.JSON(fiber.Map{"upload_id": id, "events": events})
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	return s.control(c, "paused", s.engine.Pause)
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	return s.control(c, "resumed", s.engine.Resume)
}

func (s *Server) control(c *fiber.Ctx, done string, op func(context.Context, string) error) error {
	id := c.Params("id")
	if err := op(c.UserContext(), id); err != nil {
		sdklogger.Warnw("Upload control failed", "upload_id", id, "action", done, "error", err.Error())
		return s.sendJSONError(c, statusFor(err), err.Error())
	}
	return c.JSON(fiber.Map{"id": id, "status": done})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.engine.Cancel(c.UserContext(), id); err != nil {
		sdklogger.Warnw("Upload cancel failed", "upload_id", id, "error", err.Error())
		return s.sendJSONError(c, statusFor(err), err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleNetwork(c *fiber.Ctx) error {
	if s.network == nil {
		return s.sendJSONError(c, fiber.StatusNotImplemented, "Network status unavailable")
	}
	return c.JSON(s.network.Network())
}

func (s *Server) handleSetNetwork(c *fiber.Ctx) error {
	if s.network == nil {
		return s.sendJSONError(c, fiber.StatusNotImplemented, "Network status unavailable")
	}
	var body networkRequest
	if err := c.BodyParser(&body); err != nil || body.Online == nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Expected {\"online\": true|false}")
	}
	s.network.SetOnline(*body.Online)
	return c.JSON(s.network.Network())
}

// handleEvents streams upload events as server-sent events. The optional
// upload_id query parameter limits the stream to one upload.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	filter := c.Query("upload_id")
	events := make(chan domain.Event, streamBuffer)

	unsubscribes := make([]func(), 0, len(domain.AllEventTypes))
	for _, t := range domain.AllEventTypes {
		unsubscribes = append(unsubscribes, s.engine.Subscribe(t, func(ev domain.Event) {
			if filter != "" && ev.Upload() != filter {
				return
			}
			select {
			case events <- ev:
			default:
				sdklogger.Warnw("Event stream is full, dropping event", "event", string(ev.Type()), "upload_id", ev.Upload())
			}
		}))
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			for _, unsubscribe := range unsubscribes {
				unsubscribe()
			}
		}()

		keepAlive := time.NewTicker(s.keepAlive)
		defer keepAlive.Stop()

		if _, err := w.WriteString(": connected\n\n"); err != nil || w.Flush() != nil {
			return
		}
		for {
			select {
			case ev := <-events:
				if err := writeEvent(w, ev); err != nil {
					sdklogger.Debugw("Event stream closed", "error", err.Error())
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil || w.Flush() != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type(), err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data); err != nil {
		return err
	}
	return w.Flush()
}
