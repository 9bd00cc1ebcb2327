package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// EventWriter serializes writes to one SSE connection. The event loop and
// the keep-alive ticker both write through it.
type EventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter creates a writer for an SSE response. The ResponseWriter
// must support flushing.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &EventWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one named SSE event with a JSON data payload and flushes.
func (ew *EventWriter) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}

	ew.mu.Lock()
	defer ew.mu.Unlock()
	if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write event %s: %w", name, err)
	}
	ew.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment (": keepalive") and flushes.
// SSE spec: lines starting with : are comments, ignored by the client.
// Returns an error if the connection is gone.
func (ew *EventWriter) WriteKeepAlive() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if _, err := fmt.Fprint(ew.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	ew.flusher.Flush()
	return nil
}
