package desktop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/displaything/desktopthing/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	defaultDebugAddr   = "127.0.0.1:8316"
	debugStopTimeout   = 5 * time.Second
	debugHeaderTimeout = 5 * time.Second
)

// debugServer serves net/http/pprof while pprof.enable is set. The listener is bound when the
// setting is applied, so a taken port is reported by apply instead of a background goroutine.
type debugServer struct {
	mu     sync.Mutex
	addr   string
	bound  string
	server *http.Server
	served chan struct{}
}

// apply makes the server match the config: stopped when disabled, rebound when addr changes.
func (d *debugServer) apply(enabled bool, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultDebugAddr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !enabled {
		return d.closeLocked(context.Background(), "disabled")
	}
	if d.server != nil && d.addr == addr {
		return nil
	}
	if err := d.closeLocked(context.Background(), "address changed"); err != nil {
		log.Warnf("debug server: %v", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("desktop: debug server: %w", err)
	}
	srv := &http.Server{Handler: debugMux(), ReadHeaderTimeout: debugHeaderTimeout}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if errServe := srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("debug server on %s failed: %v", ln.Addr(), errServe)
		}
	}()
	d.addr, d.bound, d.server, d.served = addr, ln.Addr().String(), srv, served
	log.Infof("debug profiling on http://%s/debug/pprof/", d.bound)
	return nil
}

// shutdown stops the server if it runs.
func (d *debugServer) shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked(ctx, "shutdown")
}

// boundAddr returns the listening address, or "" when stopped.
func (d *debugServer) boundAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

func (d *debugServer) closeLocked(ctx context.Context, reason string) error {
	if d.server == nil {
		return nil
	}
	srv, served, bound := d.server, d.served, d.bound
	d.server, d.served, d.bound = nil, nil, ""

	stopCtx, cancel := context.WithTimeout(ctx, debugStopTimeout)
	defer cancel()
	err := srv.Shutdown(stopCtx)
	<-served
	if err != nil {
		return fmt.Errorf("desktop: stop debug server on %s: %w", bound, err)
	}
	log.Infof("debug profiling on %s stopped (%s)", bound, reason)
	return nil
}

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func (s *Service) applyDebugServer(cfg *config.Config) {
	s.mu.Lock()
	if s.debug == nil {
		s.debug = &debugServer{}
	}
	d := s.debug
	s.mu.Unlock()
	if err := d.apply(cfg.Pprof.Enable, cfg.Pprof.Addr); err != nil {
		log.Warnf("%v", err)
	}
}

func (s *Service) shutdownDebugServer(ctx context.Context) error {
	s.mu.Lock()
	d := s.debug
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.shutdown(ctx)
}
