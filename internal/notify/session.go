package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout          = 60 * time.Second
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 4 << 10
	heartbeatInterval    = 30 * time.Second
)

var errClosed = errors.New("websocket session closed")

type session struct {
	conn       *websocket.Conn
	bridge     *Bridge
	sub        *Subscription
	id         string
	closed     chan struct{}
	closeOnce  sync.Once
	writeMutex sync.Mutex
}

func newSession(conn *websocket.Conn, b *Bridge, id string, sub *Subscription) *session {
	s := &session{
		conn:   conn,
		bridge: b,
		sub:    sub,
		id:     id,
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundMessageLen)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return s
}

// readLoop only drains control frames; clients never send data.
func (s *session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.cleanup(err)
			return
		}
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-s.sub.C():
			if !ok {
				s.cleanup(errClosed)
				return
			}
			if err := s.send(ev); err != nil {
				s.cleanup(err)
				return
			}
		case <-ticker.C:
			s.writeMutex.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			s.writeMutex.Unlock()
			if err != nil {
				s.cleanup(err)
				return
			}
		}
	}
}

func (s *session) send(ev Event) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func (s *session) cleanup(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.sub.Close()
		_ = s.conn.Close()
		s.bridge.handleSessionClosed(s, cause)
	})
}
