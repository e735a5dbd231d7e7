package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/spread-market/internal/api"
	"github.com/atmx/spread-market/internal/lifecycle"
	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
)

// waitForClients blocks until the hub has registered n clients, since
// registration completes after the upgrade response is sent.
func waitForClients(t *testing.T, n float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.WebSocketClients) < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub never registered %v clients", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) lifecycle.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got lifecycle.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	return got
}

// startHub runs a hub behind a test server. Cleanup waits for the hub loop
// to exit so the client gauge is back to zero for the next test.
func startHub(t *testing.T) (*api.WSHub, *httptest.Server) {
	t.Helper()
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")

	waitForClients(t, 1)

	hub.Publish(lifecycle.Event{
		Type: string(lifecycle.Activated), MarketID: "m1", Status: model.StatusOpen, At: time.Now().UTC(),
	})
	got := readEvent(t, conn)
	if got.Type != string(lifecycle.Activated) || got.MarketID != "m1" || got.Status != model.StatusOpen {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestWSHub_MarketFilter(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?market_id=m2")

	waitForClients(t, 1)

	hub.Publish(lifecycle.Event{Type: "closed", MarketID: "m1"})
	hub.Publish(lifecycle.Event{Type: "closed", MarketID: "m2"})
	if got := readEvent(t, conn); got.MarketID != "m2" {
		t.Fatalf("expected only the m2 event, got %+v", got)
	}
}
