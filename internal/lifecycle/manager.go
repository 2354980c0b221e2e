// Package lifecycle owns the access-token schedule: it decides at startup whether the user
// must sign in, keeps exactly one refresh timer armed while a credential exists, and
// re-arms whenever a new credential arrives.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/displaything/desktopthing/internal/auth/spotify"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/notify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrNoCredential is returned by Refresh when nothing is stored.
var ErrNoCredential = errors.New("lifecycle: no stored credential")

// Timer is the subset of *time.Timer the manager relies on.
type Timer interface {
	Stop() bool
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	RefreshWithRetry(ctx context.Context, refreshToken string, maxRetries int) (*spotify.TokenData, error)
}

// Options configures a Manager.
type Options struct {
	Store     credential.Store
	Refresher Refresher
	Hub       *notify.Hub
	// Reauthenticate starts interactive sign-in (opens the redirect service in a browser).
	Reauthenticate func(ctx context.Context) error
	// Lead fires the refresh this long before expiry.
	Lead time.Duration
	// Attempts is the number of immediate tries per refresh before falling back to the retry timer.
	Attempts int
	// RetryInitial and RetryMax bound the backoff between failed refresh rounds.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Manager schedules token refreshes.
type Manager struct {
	opts Options

	mu       sync.Mutex
	timer    Timer
	gen      uint64
	due      time.Time
	backoff  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *notify.Subscription
	loopDone chan struct{}

	group singleflight.Group

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
}

// NewManager creates a manager. Call Start to begin.
func NewManager(opts Options) *Manager {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 5 * time.Second
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = opts.RetryInitial
	}
	return &Manager{
		opts: opts,
		now:  time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Start evaluates the stored credential. With none, interactive sign-in begins and no timer is
// armed. Otherwise the refresh is scheduled and auth-success is published.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	if m.opts.Hub != nil {
		m.sub = m.opts.Hub.Subscribe()
		m.loopDone = make(chan struct{})
		go m.listen(m.sub, m.loopDone)
	}
	runCtx := m.ctx
	m.mu.Unlock()

	cred, err := m.opts.Store.Load(runCtx)
	if err != nil {
		log.Warnf("lifecycle: failed to load credential: %v", err)
	}
	if cred == nil {
		log.WithField("source", notify.SourceStartup).Info("no stored credential, starting sign-in")
		m.reauthenticate(runCtx, notify.SourceStartup)
		return nil
	}
	if errSchedule := m.Schedule(runCtx, cred); errSchedule != nil && spotify.IsInvalidGrant(errSchedule) {
		return nil
	}
	m.publish(notify.AuthSuccess, notify.SourceStartup)
	return nil
}

// Schedule arms the refresh timer for cred, replacing any pending one. An already expired
// credential is refreshed synchronously and no timer is armed for it.
func (m *Manager) Schedule(ctx context.Context, cred *credential.Credential) error {
	left := cred.TimeLeft(m.now())
	if left <= 0 {
		m.Cancel()
		log.Debug("lifecycle: access token expired, refreshing now")
		return m.Refresh(ctx)
	}
	delay := m.refreshDelay(left)
	m.arm(delay)
	log.WithField("delay", delay.Round(time.Second)).Debug("lifecycle: refresh scheduled")
	return nil
}

// Refresh exchanges the stored refresh token now. Concurrent callers share one exchange.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		return nil, m.refreshOnce(ctx)
	})
	return err
}

// Cancel disarms the pending timer, if any.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// NextRefresh returns when the pending timer fires, or false when none is armed.
func (m *Manager) NextRefresh() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return time.Time{}, false
	}
	return m.due, true
}

// Stop disarms the timer and detaches from the notifier.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancelLocked()
	cancel, sub, done := m.cancel, m.sub, m.loopDone
	m.sub = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	cred, err := m.opts.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: load credential: %w", err)
	}
	if cred == nil {
		m.reauthenticate(ctx, notify.SourceRefresh)
		return ErrNoCredential
	}

	data, err := m.opts.Refresher.RefreshWithRetry(ctx, cred.RefreshToken, m.opts.Attempts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if spotify.IsInvalidGrant(err) {
			log.WithField("source", notify.SourceRefresh).Warnf("refresh token rejected, sign-in required: %v", err)
			m.reauthenticate(ctx, notify.SourceRefresh)
			return err
		}
		delay := m.nextBackoff()
		log.WithFields(log.Fields{"source": notify.SourceRefresh, "delay": delay}).Warnf("token refresh failed, retrying later: %v", err)
		m.arm(delay)
		return err
	}

	next := &credential.Credential{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(data.ExpiresIn) * time.Second),
		UserID:       cred.UserID,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	// A sign-in that landed while the provider call was in flight wins over this refresh.
	current, err := m.opts.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reload credential: %w", err)
	}
	if current == nil {
		log.Debug("lifecycle: credential removed during refresh, discarding result")
		return ErrNoCredential
	}
	if current.RefreshToken != cred.RefreshToken || current.UserID != cred.UserID {
		log.WithField("user", current.UserID).Info("lifecycle: credential replaced during refresh, keeping the new one")
		m.resetBackoff()
		m.arm(m.refreshDelay(current.TimeLeft(m.now())))
		return nil
	}
	if err = m.opts.Store.Save(ctx, next); err != nil {
		delay := m.nextBackoff()
		log.WithField("delay", delay).Errorf("lifecycle: failed to persist refreshed credential: %v", err)
		m.arm(delay)
		return fmt.Errorf("lifecycle: save credential: %w", err)
	}
	m.resetBackoff()
	// Re-arm directly: Schedule would re-enter Refresh for a token that is already expired.
	m.arm(m.refreshDelay(next.TimeLeft(m.now())))
	log.WithField("source", notify.SourceRefresh).Info("access token refreshed")
	m.publish(notify.AuthSuccess, notify.SourceRefresh)
	return nil
}

// refreshDelay is the timer delay for a token with left remaining. A token that is already
// expired waits RetryInitial.
func (m *Manager) refreshDelay(left time.Duration) time.Duration {
	if left <= 0 {
		return m.opts.RetryInitial
	}
	if m.opts.Lead > 0 {
		return max(left-m.opts.Lead, left/2)
	}
	return left
}

func (m *Manager) arm(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	if m.ctx != nil && m.ctx.Err() != nil {
		return
	}
	m.gen++
	gen := m.gen
	m.due = m.now().Add(delay)
	m.timer = m.afterFunc(delay, func() { m.fire(gen) })
}

// fire runs the refresh for the timer armed as generation gen. A timer that was replaced
// after it started firing is ignored.
func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.due = time.Time{}
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf("lifecycle: scheduled refresh did not complete: %v", err)
	}
}

func (m *Manager) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.due = time.Time{}
	m.gen++
}

func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backoff <= 0 {
		m.backoff = m.opts.RetryInitial
	} else {
		m.backoff = min(m.backoff*2, m.opts.RetryMax)
	}
	return m.backoff
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	m.backoff = 0
	m.mu.Unlock()
}

func (m *Manager) reauthenticate(ctx context.Context, source string) {
	m.Cancel()
	m.publish(notify.AuthRequired, source)
	if m.opts.Reauthenticate == nil {
		return
	}
	if err := m.opts.Reauthenticate(ctx); err != nil {
		log.Errorf("lifecycle: failed to start sign-in: %v", err)
	}
}

func (m *Manager) publish(t notify.EventType, source string) {
	if m.opts.Hub != nil {
		m.opts.Hub.Publish(notify.Event{Type: t, Source: source})
	}
}

// listen re-arms the schedule when a credential arrives from outside the manager.
func (m *Manager) listen(sub *notify.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.C() {
		if ev.Type != notify.AuthSuccess {
			continue
		}
		if ev.Source != notify.SourceDeepLink && ev.Source != notify.SourceWatcher {
			continue
		}
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		cred, err := m.opts.Store.Load(ctx)
		if err != nil || cred == nil {
			log.Warnf("lifecycle: credential unavailable after %s event: %v", ev.Source, err)
			continue
		}
		m.resetBackoff()
		if errSchedule := m.Schedule(ctx, cred); errSchedule != nil {
			log.Debugf("lifecycle: reschedule after %s event: %v", ev.Source, errSchedule)
		}
	}
}
