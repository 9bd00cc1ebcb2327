package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

func newTestHub() *Hub {
	return New(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishReachesAllUserConnections(t *testing.T) {
	h := newTestHub()
	ch1, cancel1 := h.Subscribe("user-a")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("user-a")
	defer cancel2()
	other, cancelOther := h.Subscribe("user-b")
	defer cancelOther()

	ev := models.Event{Type: models.EventDocumentUpdated, DocumentID: "d1", SyncVersion: 3}
	h.Publish("user-a", ev)

	for i, ch := range []<-chan models.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.DocumentID != "d1" || got.SyncVersion != 3 {
				t.Errorf("connection %d received %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("connection %d never received the event", i)
		}
	}

	select {
	case got := <-other:
		t.Errorf("user-b received user-a's event: %+v", got)
	default:
	}
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	h := newTestHub()
	ch, cancel := h.Subscribe("user-a")
	defer cancel()

	for v := int64(1); v <= 5; v++ {
		h.Publish("user-a", models.Event{Type: models.EventDocumentUpdated, DocumentID: "d1", SyncVersion: v})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case got := <-ch:
			if got.SyncVersion != want {
				t.Fatalf("received version %d, want %d", got.SyncVersion, want)
			}
		case <-time.After(time.Second):
			t.Fatal("event stream stalled")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newTestHub()
	slow, cancelSlow := h.Subscribe("user-a")
	defer cancelSlow()

	// Fill the buffer without draining, then publish once more.
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish("user-a", models.Event{Type: models.EventDocumentUpdated, DocumentID: "d1"})
	}

	// The channel must have been closed after the buffered events.
	drained := 0
	for range slow {
		drained++
	}
	if drained != subscriberBuffer {
		t.Errorf("drained %d buffered events, want %d", drained, subscriberBuffer)
	}

	// A fresh subscriber is unaffected.
	fresh, cancelFresh := h.Subscribe("user-a")
	defer cancelFresh()
	h.Publish("user-a", models.Event{Type: models.EventDocumentUpdated, DocumentID: "d2"})
	select {
	case got := <-fresh:
		if got.DocumentID != "d2" {
			t.Errorf("fresh subscriber received %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber never received the event")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newTestHub()
	ch, cancel := h.Subscribe("user-a")

	cancel()
	cancel() // second call must not panic or double-close

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing to a user with no subscribers is a no-op.
	h.Publish("user-a", models.Event{Type: models.EventDocumentUpdated})
}

func TestShutdownClosesSubscribers(t *testing.T) {
	h := New(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := h.Subscribe("user-a")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after shutdown")
	}

	// Subscribing after shutdown yields an already-closed channel.
	late, lateCancel := h.Subscribe("user-a")
	defer lateCancel()
	if _, open := <-late; open {
		t.Error("post-shutdown subscription returned a live channel")
	}
}

func TestHeartbeatBroadcast(t *testing.T) {
	h := New(10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := h.Subscribe("user-a")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go h.Run(ctx)

	select {
	case got := <-ch:
		if got.Type != models.EventHeartbeat {
			t.Errorf("received %q, want heartbeat", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat within a second")
	}
}
