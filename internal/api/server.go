// Package api exposes the local IPC surface: command channels over loopback HTTP and the
// session event stream over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/displaything/desktopthing/internal/api/handlers/ipc"
	"github.com/displaything/desktopthing/internal/api/middleware"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/notify"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Options configures a Server.
type Options struct {
	Addr   string
	Secret string
	Debug  bool
	// AllowOrigins lists browser origins permitted to call the surface. Requests without an
	// Origin header are always accepted.
	AllowOrigins []string
}

// Server is the IPC HTTP server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	bridge  *notify.Bridge
	handler *ipc.Handler

	listener net.Listener
	done     chan error
}

// NewServer builds the engine and routes. bridge may be nil to disable the event stream.
func NewServer(opts Options, handler *ipc.Handler, bridge *notify.Bridge) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.LoopbackOnly())
	engine.Use(middleware.OriginGuard(opts.AllowOrigins))
	engine.Use(middleware.RequireJSON())
	engine.Use(middleware.SecretAuth(opts.Secret))

	s := &Server{
		engine:  engine,
		bridge:  bridge,
		handler: handler,
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	group := s.engine.Group("/ipc")
	group.POST("/get-current-player-data", s.handler.GetCurrentPlayerData)
	group.POST("/set-volume", s.handler.SetVolume)
	group.POST("/seek-to", s.handler.SeekTo)
	group.POST("/skip", s.handler.Skip)
	group.POST("/shuffle", s.handler.Shuffle)
	group.POST("/play-pause", s.handler.PlayPause)
	group.POST("/repeat", s.handler.Repeat)
	group.GET("/session", s.handler.Session)
	if s.bridge != nil {
		s.engine.GET(s.bridge.Path(), gin.WrapH(s.bridge.Handler()))
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background. Bind errors are returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.done = make(chan error, 1)
	log.Infof("ipc surface listening on %s", ln.Addr())
	go func() {
		errServe := s.server.Serve(ln)
		if errors.Is(errServe, http.ErrServerClosed) {
			errServe = nil
		}
		s.done <- errServe
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes websocket sessions and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.bridge != nil {
		errs = append(errs, s.bridge.Stop(ctx))
	}
	if s.listener != nil {
		errs = append(errs, s.server.Shutdown(ctx))
		errs = append(errs, <-s.done)
	}
	return errors.Join(errs...)
}
