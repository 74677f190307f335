package hub

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// Server is the thin Echo v5 HTTP wrapper around a Hub: one route upgrading
// to a websocket and handing the connection to Hub.HandleConnection.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	hub        *Hub
}

// NewServer builds a Server serving hub's websocket endpoint at /ws.
func NewServer(hub *Hub) *Server {
	e := echo.New()
	s := &Server{echo: e, hub: hub}
	e.GET("/ws", s.wsHandler)
	e.GET("/health", s.healthHandler)
	return s
}

func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Start runs the HTTP server on addr, blocking until it stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
