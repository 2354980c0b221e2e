// Package instance guarantees that one desktop process runs per user. The first process holds
// an exclusive lock and listens on a local activation socket; later launches forward their
// argument vector to it and exit.
package instance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Platform is the OS integration surface the desktop service depends on.
type Platform interface {
	// TryAcquireLock reports whether this process became the single instance.
	TryAcquireLock() (bool, error)
	// OnActivation registers the handler for argument vectors forwarded by later launches.
	OnActivation(func(args []string))
	// Forward hands args to the running instance.
	Forward(args []string) error
	// RegisterURLScheme makes the OS route name:// URLs to this executable.
	RegisterURLScheme(name string) error
	// Close releases the lock and stops accepting activations.
	Close() error
}

const (
	forwardTimeout = 5 * time.Second
	dialInterval   = 100 * time.Millisecond
	maxMessageLen  = 64 << 10
)

type activation struct {
	Args []string `json:"args"`
}

type ack struct {
	OK bool `json:"ok"`
}

// Guard implements Platform with a lock file and a unix-domain activation socket.
type Guard struct {
	lockPath string
	sockPath string

	mu       sync.Mutex
	lock     *os.File
	listener net.Listener
	handler  func([]string)
	pending  [][]string
	closed   bool
	wg       sync.WaitGroup

	// dispatchMu serializes handler invocations so activations are handled in arrival order.
	dispatchMu sync.Mutex

	executable func() (string, error)
}

// NewGuard creates a guard whose lock and socket live in dir and are named after appID.
func NewGuard(appID, dir string) *Guard {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		appID = "displaything"
	}
	return &Guard{
		lockPath:   filepath.Join(dir, appID+".lock"),
		sockPath:   filepath.Join(dir, appID+".sock"),
		executable: os.Executable,
	}
}

// TryAcquireLock takes the exclusive lock without blocking. On success the activation
// listener is started.
func (g *Guard) TryAcquireLock() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lock != nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(g.lockPath), 0o700); err != nil {
		return false, fmt.Errorf("instance: create lock dir: %w", err)
	}
	f, err := os.OpenFile(g.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("instance: open lock file: %w", err)
	}
	held, err := lockFile(f)
	if err != nil {
		_ = f.Close()
		return false, fmt.Errorf("instance: lock: %w", err)
	}
	if !held {
		_ = f.Close()
		return false, nil
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	// The lock guarantees no other holder, so any socket file left here is stale.
	_ = os.Remove(g.sockPath)
	ln, err := net.Listen("unix", g.sockPath)
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return false, fmt.Errorf("instance: listen on activation socket: %w", err)
	}
	g.lock = f
	g.listener = ln
	g.wg.Add(1)
	go g.serve(ln)
	log.Debugf("instance: acquired %s", g.lockPath)
	return true, nil
}

// OnActivation registers fn and flushes activations that arrived before registration.
func (g *Guard) OnActivation(fn func(args []string)) {
	g.dispatchMu.Lock()
	defer g.dispatchMu.Unlock()

	g.mu.Lock()
	g.handler = fn
	queued := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, args := range queued {
		fn(args)
	}
}

// Forward sends args to the lock holder, retrying while the holder finishes starting up.
func (g *Guard) Forward(args []string) error {
	deadline := time.Now().Add(forwardTimeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("unix", g.sockPath, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance: dial running instance: %w", err)
		}
		time.Sleep(dialInterval)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout))

	payload, err := json.Marshal(activation{Args: args})
	if err != nil {
		return fmt.Errorf("instance: encode activation: %w", err)
	}
	if _, err = conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("instance: send activation: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("instance: read acknowledgement: %w", err)
	}
	var reply ack
	if err = json.Unmarshal(line, &reply); err != nil || !reply.OK {
		return fmt.Errorf("instance: activation rejected")
	}
	return nil
}

// Close stops the listener, removes the socket and releases the lock.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	ln, f := g.listener, g.lock
	g.listener, g.lock = nil, nil
	g.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	g.wg.Wait()
	if f != nil {
		_ = os.Remove(g.sockPath)
		if err := unlockFile(f); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Guard) serve(ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("instance: accept failed: %v", err)
			}
			return
		}
		g.wg.Add(1)
		go g.handleConn(conn)
	}
}

func (g *Guard) handleConn(conn net.Conn) {
	defer g.wg.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout))

	reader := bufio.NewReader(io.LimitReader(conn, maxMessageLen))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		log.Debugf("instance: read activation: %v", err)
		return
	}
	var msg activation
	if err = json.Unmarshal(line, &msg); err != nil {
		log.Debugf("instance: malformed activation: %v", err)
		_, _ = conn.Write([]byte("{\"ok\":false}\n"))
		return
	}
	_, _ = conn.Write([]byte("{\"ok\":true}\n"))

	g.mu.Lock()
	fn := g.handler
	if fn == nil {
		g.pending = append(g.pending, msg.Args)
	}
	g.mu.Unlock()
	if fn != nil {
		g.dispatch(fn, msg.Args)
	}
}

func (g *Guard) dispatch(fn func([]string), args []string) {
	g.dispatchMu.Lock()
	defer g.dispatchMu.Unlock()
	fn(args)
}
