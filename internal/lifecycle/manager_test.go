package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/displaything/desktopthing/internal/auth/spotify"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/notify"
)

type memoryStore struct {
	mu   sync.Mutex
	cred *credential.Credential
	err  error
}

func (s *memoryStore) Load(context.Context) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *memoryStore) Save(_ context.Context, c *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := *c
	s.cred = &copied
	return nil
}

type fakeRefresher struct {
	calls int32
	fn    func(refreshToken string) (*spotify.TokenData, error)
}

func (f *fakeRefresher) RefreshWithRetry(_ context.Context, refreshToken string, _ int) (*spotify.TokenData, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(refreshToken)
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire marks t as expired and runs its callback, like a real timer.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.stopped = true
	c.mu.Unlock()
	t.fn()
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type harness struct {
	mgr       *Manager
	store     *memoryStore
	refresher *fakeRefresher
	clock     *fakeClock
	hub       *notify.Hub
	events    *notify.Subscription
	reauths   *int32
}

func newHarness(t *testing.T, cred *credential.Credential, refresh func(string) (*spotify.TokenData, error)) *harness {
	t.Helper()
	var reauths int32
	h := &harness{
		store:     &memoryStore{cred: cred},
		refresher: &fakeRefresher{fn: refresh},
		clock:     &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		hub:       notify.NewHub(),
		reauths:   &reauths,
	}
	h.events = h.hub.Subscribe()
	h.mgr = NewManager(Options{
		Store:     h.store,
		Refresher: h.refresher,
		Hub:       h.hub,
		Reauthenticate: func(context.Context) error {
			atomic.AddInt32(&reauths, 1)
			return nil
		},
		Attempts:     1,
		RetryInitial: 5 * time.Second,
		RetryMax:     15 * time.Second,
	})
	h.mgr.now = h.clock.Now
	h.mgr.afterFunc = h.clock.AfterFunc
	t.Cleanup(func() {
		h.mgr.Stop()
		h.hub.Close()
	})
	return h
}

func (h *harness) credential(expiresIn time.Duration) *credential.Credential {
	return &credential.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    h.clock.Now().Add(expiresIn),
		UserID:       "user",
	}
}

func (h *harness) nextEvent(t *testing.T) notify.Event {
	t.Helper()
	select {
	case ev := <-h.events.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return notify.Event{}
}

func refreshOK(accessToken string, expiresIn int64) func(string) (*spotify.TokenData, error) {
	return func(string) (*spotify.TokenData, error) {
		return &spotify.TokenData{AccessToken: accessToken, ExpiresIn: expiresIn}, nil
	}
}

func TestStartWithoutCredentialStartsSignIn(t *testing.T) {
	h := newHarness(t, nil, refreshOK("unused", 3600))

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if atomic.LoadInt32(h.reauths) != 1 {
		t.Fatalf("expected one sign-in, got %d", *h.reauths)
	}
	if h.clock.count() != 0 {
		t.Fatalf("expected no timer, got %d", h.clock.count())
	}
	if ev := h.nextEvent(t); ev.Type != notify.AuthRequired {
		t.Fatalf("expected auth-required, got %+v", ev)
	}
}

func TestStartWithValidCredentialArmsOneTimer(t *testing.T) {
	h := newHarness(t, nil, refreshOK("unused", 3600))
	h.store.cred = h.credential(time.Hour)

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	active := h.clock.active()
	if len(active) != 1 || active[0].delay != time.Hour {
		t.Fatalf("expected one timer for 1h, got %+v", active)
	}
	if atomic.LoadInt32(&h.refresher.calls) != 0 {
		t.Fatal("expected no refresh at startup")
	}
	if ev := h.nextEvent(t); ev.Type != notify.AuthSuccess || ev.Source != notify.SourceStartup {
		t.Fatalf("unexpected event %+v", ev)
	}
	if due, ok := h.mgr.NextRefresh(); !ok || !due.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected next refresh %v %t", due, ok)
	}
}

func TestStartWithExpiredCredentialRefreshesSynchronously(t *testing.T) {
	h := newHarness(t, nil, refreshOK("fresh", 1800))
	h.store.cred = h.credential(-time.Minute)

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if atomic.LoadInt32(&h.refresher.calls) != 1 {
		t.Fatalf("expected one refresh, got %d", h.refresher.calls)
	}
	stored, _ := h.store.Load(context.Background())
	if stored.AccessToken != "fresh" || stored.RefreshToken != "rt" || stored.UserID != "user" {
		t.Fatalf("unexpected stored credential %+v", stored)
	}
	if !stored.ExpiresAt.Equal(h.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", stored.ExpiresAt)
	}
	if h.clock.count() != 1 {
		t.Fatalf("expected only the post-refresh timer, got %d", h.clock.count())
	}
	if active := h.clock.active(); len(active) != 1 || active[0].delay != 30*time.Minute {
		t.Fatalf("unexpected timers %+v", active)
	}
}

func TestScheduleReplacesPendingTimer(t *testing.T) {
	h := newHarness(t, nil, refreshOK("fresh", 3600))
	ctx := context.Background()
	h.store.cred = h.credential(time.Hour)

	if err := h.mgr.Schedule(ctx, h.credential(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	first := h.clock.active()[0]
	if err := h.mgr.Schedule(ctx, h.credential(2*time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	active := h.clock.active()
	if len(active) != 1 || active[0].delay != 2*time.Hour {
		t.Fatalf("expected single 2h timer, got %+v", active)
	}
	if !first.isStopped() {
		t.Fatal("expected first timer to be stopped")
	}

	// A replaced timer that fires anyway must not refresh.
	first.fn()
	if atomic.LoadInt32(&h.refresher.calls) != 0 {
		t.Fatal("stale timer triggered a refresh")
	}
}

func TestTimerFireRefreshesAndRearms(t *testing.T) {
	h := newHarness(t, nil, refreshOK("second", 3600))
	h.store.cred = h.credential(time.Hour)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = h.nextEvent(t)

	h.clock.mu.Lock()
	h.clock.now = h.clock.now.Add(time.Hour)
	h.clock.mu.Unlock()
	h.clock.fire(h.clock.active()[0])

	stored, _ := h.store.Load(context.Background())
	if stored.AccessToken != "second" {
		t.Fatalf("expected refreshed token, got %+v", stored)
	}
	active := h.clock.active()
	if len(active) != 1 || active[0].delay != time.Hour {
		t.Fatalf("expected one re-armed timer, got %+v", active)
	}
	if ev := h.nextEvent(t); ev.Type != notify.AuthSuccess || ev.Source != notify.SourceRefresh {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRefreshRejectedStartsSignIn(t *testing.T) {
	h := newHarness(t, nil, func(string) (*spotify.TokenData, error) {
		return nil, &spotify.UpstreamError{StatusCode: http.StatusBadRequest, Code: "invalid_grant"}
	})
	h.store.cred = h.credential(-time.Second)

	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if atomic.LoadInt32(h.reauths) != 1 {
		t.Fatalf("expected sign-in after rejection, got %d", *h.reauths)
	}
	if len(h.clock.active()) != 0 {
		t.Fatal("expected no timer after rejection")
	}
	if ev := h.nextEvent(t); ev.Type != notify.AuthRequired {
		t.Fatalf("expected auth-required, got %+v", ev)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	h := newHarness(t, nil, func(string) (*spotify.TokenData, error) {
		return nil, errors.New("connection reset")
	})
	h.store.cred = h.credential(-time.Second)
	ctx := context.Background()

	if err := h.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 15 * time.Second}
	for i, want := range wantDelays {
		active := h.clock.active()
		if len(active) != 1 || active[0].delay != want {
			t.Fatalf("round %d: expected single %v retry timer, got %+v", i, want, active)
		}
		h.clock.fire(active[0])
	}
	if atomic.LoadInt32(h.reauths) != 0 {
		t.Fatal("transient failures must not start sign-in")
	}
	stored, _ := h.store.Load(ctx)
	if stored == nil || stored.AccessToken != "at" {
		t.Fatalf("expected stale credential to stay in place, got %+v", stored)
	}
}

func TestDeepLinkEventReschedules(t *testing.T) {
	h := newHarness(t, nil, refreshOK("unused", 3600))
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = h.store.Save(context.Background(), h.credential(45*time.Minute))
	h.hub.Publish(notify.Event{Type: notify.AuthSuccess, Source: notify.SourceDeepLink})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if active := h.clock.active(); len(active) == 1 {
			if active[0].delay != 45*time.Minute {
				t.Fatalf("unexpected delay %v", active[0].delay)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("schedule was not armed after deep-link event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	h := newHarness(t, nil, func(string) (*spotify.TokenData, error) {
		entered <- struct{}{}
		<-release
		return &spotify.TokenData{AccessToken: "fresh", ExpiresIn: 3600}, nil
	})
	h.store.cred = h.credential(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.mgr.Refresh(context.Background())
		}()
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := atomic.LoadInt32(&h.refresher.calls); calls != 1 {
		t.Fatalf("expected one provider refresh, got %d", calls)
	}
}

func TestStopDisarmsTimer(t *testing.T) {
	h := newHarness(t, nil, refreshOK("unused", 3600))
	h.store.cred = h.credential(time.Hour)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.mgr.Stop()
	if len(h.clock.active()) != 0 {
		t.Fatal("expected no active timer after Stop")
	}
	if _, ok := h.mgr.NextRefresh(); ok {
		t.Fatal("expected no pending refresh after Stop")
	}
}

func TestRefreshWithZeroLifetimeDoesNotDeadlock(t *testing.T) {
	h := newHarness(t, nil, refreshOK("instant", 0))
	h.store.cred = h.credential(-time.Minute)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Refresh(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh blocked on a token that expires immediately")
	}

	if calls := atomic.LoadInt32(&h.refresher.calls); calls != 1 {
		t.Fatalf("expected one provider refresh, got %d", calls)
	}
	active := h.clock.active()
	if len(active) != 1 || active[0].delay != 5*time.Second {
		t.Fatalf("expected a single retry-initial timer, got %+v", active)
	}

	// A second refresh must not be stuck behind the first.
	go func() { done <- h.mgr.Refresh(context.Background()) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("later refresh blocked")
	}
}

func TestRefreshKeepsCredentialReplacedInFlight(t *testing.T) {
	var h *harness
	h = newHarness(t, nil, func(string) (*spotify.TokenData, error) {
		// Sign-in for another account completes while the provider call is running.
		_ = h.store.Save(context.Background(), &credential.Credential{
			AccessToken:  "linked",
			RefreshToken: "linked-rt",
			ExpiresAt:    h.clock.Now().Add(time.Hour),
			UserID:       "other",
		})
		return &spotify.TokenData{AccessToken: "stale", ExpiresIn: 3600}, nil
	})
	h.store.cred = h.credential(time.Minute)

	if err := h.mgr.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	stored, _ := h.store.Load(context.Background())
	if stored.UserID != "other" || stored.AccessToken != "linked" {
		t.Fatalf("refresh overwrote the newer credential: %+v", stored)
	}
	active := h.clock.active()
	if len(active) != 1 || active[0].delay != time.Hour {
		t.Fatalf("expected timer for the newer credential, got %+v", active)
	}
}
