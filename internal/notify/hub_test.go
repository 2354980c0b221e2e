package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubDeliversInOrderWithoutBlockingPublisher(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub := hub.Subscribe()

	// Nobody reads yet; publishing must still return.
	for i := 0; i < 100; i++ {
		src := SourceRefresh
		if i%2 == 0 {
			src = SourceDeepLink
		}
		hub.Publish(Event{Type: AuthSuccess, Source: src})
	}
	hub.Publish(Event{Type: Focus})

	for i := 0; i < 100; i++ {
		ev := receive(t, sub)
		want := SourceRefresh
		if i%2 == 0 {
			want = SourceDeepLink
		}
		if ev.Type != AuthSuccess || ev.Source != want {
			t.Fatalf("event %d: unexpected %+v", i, ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("event %d: expected timestamp", i)
		}
	}
	if ev := receive(t, sub); ev.Type != Focus {
		t.Fatalf("expected focus last, got %+v", ev)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub := hub.Subscribe()
	sub.Close()

	hub.Publish(Event{Type: AuthSuccess})
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestSubscribeAfterHubCloseReturnsClosedSubscription(t *testing.T) {
	hub := NewHub()
	hub.Close()
	sub := hub.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
	sub.Close()
}

func TestBridgeForwardsEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bridge := NewBridge(hub, "", nil)
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()
	defer func() { _ = bridge.Stop(context.Background()) }()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + DefaultBridgePath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for bridge.Connected() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge session not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(Event{Type: AuthSuccess, Source: SourceDeepLink})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err = conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != AuthSuccess || ev.Source != SourceDeepLink {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestBridgeChecksOrigin(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bridge := NewBridge(hub, "", []string{"http://localhost:5173"})
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()
	defer func() { _ = bridge.Stop(context.Background()) }()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + DefaultBridgePath
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}}); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected foreign origin to be refused, err=%v resp=%+v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close()
}
