package wsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"talk-relay/services"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server exposes the relay over HTTP and WebSocket.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	addr     string
	log      *slog.Logger
}

func NewServer(log *slog.Logger, relay services.IRelayService, addr string) *Server {
	s := &Server{
		handlers: NewHandlers(log, relay),
		addr:     addr,
		log:      log,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "talk-relay",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.registerRoutes()
	return s
}

// App is the underlying fiber application, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handlers.HealthCheck)
	s.app.Post("/api/rooms", s.handlers.CreateRoom)
	s.app.Get("/ws/:room", s.handlers.RequireUpgrade, websocket.New(s.handlers.HandleWebSocket))
}

// Start listens in the background and reports immediate failures such as a busy port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.app.Listener(ln); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("Relay server started", "addr", ln.Addr().String())
	return nil
}

// Stop stops accepting connections and waits for open ones, or for ctx.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.log.Info("Relay server stopped")
	return nil
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("HTTP error", "code", code, "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}
