package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sseServer is an httptest server speaking just enough SSE for the client:
// each connection gets a handshake, then events written via send.
type sseServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []chan string
	connSeq  atomic.Int32
	lastAuth string
	lastDev  string
}

func newSSEServer(t *testing.T) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.lastDev = r.Header.Get("X-Device-ID")
		ch := make(chan string, 16)
		s.conns = append(s.conns, ch)
		s.mu.Unlock()

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		n := s.connSeq.Add(1)
		fmt.Fprintf(w, "event: connected\ndata: {\"connectionId\":\"conn-%d\"}\n\n", n)
		flusher.Flush()

		for {
			select {
			case frame, open := <-ch:
				if !open {
					return
				}
				fmt.Fprint(w, frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// send writes one SSE frame to every live connection.
func (s *sseServer) send(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.conns {
		select {
		case ch <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, data):
		default:
		}
	}
}

// dropAll closes every live connection server-side.
func (s *sseServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.conns {
		close(ch)
	}
	s.conns = nil
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestClient(t *testing.T, srv *sseServer) *Client {
	t.Helper()
	c := New(srv.URL, "tok-123", nil, testLogger())
	c.backoffMin = 10 * time.Millisecond
	c.backoffMax = 20 * time.Millisecond
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectHandshake(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	if c.DeviceID() == "" {
		t.Fatal("device ID empty before connect")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %q", c.State())
	}

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	if got := c.ConnectionID(); got != "conn-1" {
		t.Errorf("connection ID = %q, want conn-1", got)
	}

	srv.mu.Lock()
	auth, dev := srv.lastAuth, srv.lastDev
	srv.mu.Unlock()
	if auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if dev != c.DeviceID() {
		t.Errorf("X-Device-ID = %q, want %q", dev, c.DeviceID())
	}
}

func TestEventsDispatchToTypedSubscribers(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	var mu sync.Mutex
	var updates []models.Event
	var deletes int
	c.OnEvent(models.EventDocumentUpdated, func(ev models.Event) {
		mu.Lock()
		updates = append(updates, ev)
		mu.Unlock()
	})
	c.OnEvent(models.EventDocumentDeleted, func(models.Event) {
		mu.Lock()
		deletes++
		mu.Unlock()
	})

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	srv.send("document:updated", `{"documentId":"d1","syncVersion":4,"originDeviceId":"other"}`)

	waitFor(t, "update delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	mu.Lock()
	ev := updates[0]
	nDeletes := deletes
	mu.Unlock()
	if ev.Type != models.EventDocumentUpdated {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.DocumentID != "d1" || ev.SyncVersion != 4 || ev.OriginDeviceID != "other" {
		t.Errorf("event payload = %+v", ev)
	}
	if nDeletes != 0 {
		t.Errorf("delete handler fired %d times for an update event", nDeletes)
	}
}

func TestHeartbeatUpdatesTimestamp(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	before := c.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	srv.send("heartbeat", `{}`)

	waitFor(t, "heartbeat recorded", func() bool {
		return c.LastHeartbeat().After(before)
	})
}

func TestReconnectAfterStreamBreaks(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect(context.Background())
	waitFor(t, "first connection", func() bool { return c.ConnectionID() == "conn-1" })

	srv.dropAll()

	waitFor(t, "reconnection", func() bool { return c.ConnectionID() == "conn-2" })

	mu.Lock()
	seen := append([]State(nil), states...)
	mu.Unlock()
	var sawDisconnected bool
	for _, s := range seen {
		if s == StateDisconnected {
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Errorf("state transitions %v never passed through disconnected", seen)
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	var fired atomic.Int32
	c.OnEvent(models.EventDocumentUpdated, func(models.Event) { fired.Add(1) })

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state after disconnect = %q", c.State())
	}
	if c.ConnectionID() != "" {
		t.Errorf("connection ID after disconnect = %q", c.ConnectionID())
	}

	srv.send("document:updated", `{"documentId":"d1","syncVersion":2}`)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("handler fired %d times after disconnect", got)
	}
}

func TestConnectWhileRunningIsNoOp(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	c.Connect(context.Background())
	time.Sleep(50 * time.Millisecond)

	// A second Connect must not have opened a second stream.
	if got := c.ConnectionID(); got != "conn-1" {
		t.Errorf("connection ID = %q, want conn-1", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	srv := newSSEServer(t)
	c := newTestClient(t, srv)

	var fired atomic.Int32
	unsub := c.OnEvent(models.EventDocumentUpdated, func(models.Event) { fired.Add(1) })
	unsub()
	unsub()

	c.Connect(context.Background())
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	srv.send("document:updated", `{"documentId":"d1"}`)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("unsubscribed handler fired %d times", got)
	}
}
