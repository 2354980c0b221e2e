package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/displaything/desktopthing/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DefaultBridgePath is where the presentation layer connects for session events.
const DefaultBridgePath = "/ipc/events"

// Bridge exposes a websocket endpoint that forwards every hub event to connected
// presentation clients.
type Bridge struct {
	hub       *Hub
	path      string
	upgrader  websocket.Upgrader
	sessions  map[string]*session
	sessMutex sync.RWMutex
	closed    bool
}

// NewBridge builds a websocket bridge for hub. An empty path selects DefaultBridgePath.
// Upgrades from browser origins outside allowOrigins are refused.
func NewBridge(hub *Hub, path string, allowOrigins []string) *Bridge {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultBridgePath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Bridge{
		hub:      hub,
		path:     path,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return util.OriginAllowed(r.Header.Get("Origin"), allowOrigins)
			},
		},
	}
}

// Path returns the HTTP path the bridge expects for websocket upgrades.
func (b *Bridge) Path() string {
	return b.path
}

// Handler exposes an http.Handler that upgrades connections to event sessions.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(b.handleWebsocket)
}

// Connected returns the number of live sessions.
func (b *Bridge) Connected() int {
	b.sessMutex.RLock()
	defer b.sessMutex.RUnlock()
	return len(b.sessions)
}

// Stop closes all active websocket sessions and refuses new ones.
func (b *Bridge) Stop(_ context.Context) error {
	b.sessMutex.Lock()
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessions = make(map[string]*session)
	b.sessMutex.Unlock()

	for _, sess := range sessions {
		sess.cleanup(errors.New("notify: bridge stopped"))
	}
	return nil
}

func (b *Bridge) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.URL != nil && r.URL.Path != b.path {
		http.NotFound(w, r)
		return
	}
	if !strings.EqualFold(r.Method, http.MethodGet) {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.sessMutex.RLock()
	closed := b.closed
	b.sessMutex.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("notify: websocket upgrade failed: %v", err)
		return
	}
	s := newSession(conn, b, uuid.NewString(), b.hub.Subscribe())

	b.sessMutex.Lock()
	b.sessions[s.id] = s
	b.sessMutex.Unlock()
	log.WithField("component", "bridge").Debugf("presentation client %s connected", s.id)

	go s.readLoop()
	go s.writeLoop()
}

func (b *Bridge) handleSessionClosed(s *session, cause error) {
	b.sessMutex.Lock()
	if cur, ok := b.sessions[s.id]; ok && cur == s {
		delete(b.sessions, s.id)
	}
	b.sessMutex.Unlock()
	log.WithField("component", "bridge").Debugf("presentation client %s disconnected: %v", s.id, cause)
}
