package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/jwulff/livescribe/internal/config"
)

// Server is the fiber app that bridges client sockets to a Recognizer.
type Server struct {
	cfg    config.RelayConfig
	rec    Recognizer
	logger *slog.Logger
	app    *fiber.App
	now    func() time.Time
}

// NewServer builds the app and registers routes.
func NewServer(cfg config.RelayConfig, rec Recognizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		rec:    rec,
		logger: logger,
		now:    time.Now,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             cfg.MaxPayload,
		}),
	}

	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigin,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization,X-Requested-With",
	}))

	s.app.Get("/health", s.health)

	stream := websocket.New(s.serveStream)
	upgrade := func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return stream(c)
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	s.app.Get(path, upgrade)
	if path != "/ws" {
		s.app.Get("/ws", upgrade)
	}
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	s.logger.Info("relay listening", "addr", s.cfg.Addr(), "path", s.cfg.Path)
	return s.app.Listen(s.cfg.Addr())
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("relay listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		"port":      s.cfg.Port,
	})
}

// serveStream runs one client connection. Binary frames go to the
// recognizer; every transcript goes back as a text frame.
func (s *Server) serveStream(c *websocket.Conn) {
	remote := c.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	if s.cfg.MaxPayload > 0 {
		c.SetReadLimit(int64(s.cfg.MaxPayload))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := s.rec.Open(ctx)
	if err != nil {
		logger.Error("open recognizer", "err", err)
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "recognizer unavailable"))
		c.Close()
		return
	}
	logger.Info("client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for text := range stream.Results() {
			if err := c.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				logger.Warn("write transcript", "err", err)
				return
			}
		}
	}()

	chunks := 0
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("client read", "err", err)
			}
			break
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		chunks++
		if err := stream.Send(data); err != nil {
			logger.Warn("forward audio", "err", err)
			break
		}
	}

	if err := stream.Close(); err != nil {
		logger.Debug("close recognizer", "err", err)
	}
	wg.Wait()
	c.Close()
	logger.Info("client disconnected", "chunks", chunks)
}
