// Package channel maintains the client side of the realtime event stream: a
// reconnecting SSE connection delivering typed change notifications tagged
// with the originating device ID.
package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qazuor/markview/internal/domain/models"
)

// State is the connection state machine:
// disconnected → connecting → connected → disconnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Client is a reconnecting SSE client. The device ID is generated once and
// reused for the client's lifetime; the connection ID is assigned by the
// server per live connection and cleared on disconnect.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	deviceID   string

	// reconnect backoff bounds, overridable in tests
	backoffMin time.Duration
	backoffMax time.Duration

	mu            sync.Mutex
	state         State
	connectionID  string
	lastHeartbeat time.Time
	stateSubs     map[int]func(State)
	eventSubs     map[models.EventType]map[int]func(models.Event)
	nextSubID     int
	cancel        context.CancelFunc
	running       bool
}

// New creates a channel client. A nil httpClient gets a default with no
// overall timeout; SSE responses are long-lived by design.
func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger,
		deviceID:   uuid.NewString(),
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
		state:      StateDisconnected,
		stateSubs:  make(map[int]func(State)),
		eventSubs:  make(map[models.EventType]map[int]func(models.Event)),
	}
}

// DeviceID returns the stable device identifier used for echo suppression.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// ConnectionID returns the server-assigned ID of the live connection, or ""
// when disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns when the last heartbeat event arrived. A long gap
// while nominally connected means the connection is silently dead.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// OnStateChange registers a state listener. The unsubscribe func is
// idempotent and safe after Disconnect.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.stateSubs, id)
			c.mu.Unlock()
		})
	}
}

// OnEvent registers a listener for one event type. The unsubscribe func is
// idempotent and safe after Disconnect.
func (c *Client) OnEvent(t models.EventType, fn func(models.Event)) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	if c.eventSubs[t] == nil {
		c.eventSubs[t] = make(map[int]func(models.Event))
	}
	c.eventSubs[t][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if m, ok := c.eventSubs[t]; ok {
				delete(m, id)
			}
			c.mu.Unlock()
		})
	}
}

// Connect starts the connection loop: connect, stream, and on failure retry
// with doubling backoff until the context is canceled or Disconnect is
// called. Calling Connect while already running is a no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.run(runCtx)
}

// Disconnect deliberately tears the connection down: the stream is canceled
// and every listener is removed synchronously so nothing fires into a
// torn-down context. A later Connect starts fresh with the same device ID
// and a new server-assigned connection ID.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.connectionID = ""
	c.state = StateDisconnected
	c.stateSubs = make(map[int]func(State))
	c.eventSubs = make(map[models.EventType]map[int]func(models.Event))
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	backoff := c.backoffMin
	for {
		c.setState(StateConnecting)

		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("event stream failed", "error", err)
		}

		c.mu.Lock()
		c.connectionID = ""
		c.mu.Unlock()
		c.setState(StateDisconnected)

		if connected {
			// The stream was live before it broke; restart the backoff ladder.
			backoff = c.backoffMin
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// stream opens one SSE connection and pumps events until it breaks.
// Returns whether the connected handshake was ever reached.
func (c *Client) stream(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream: http %d", resp.StatusCode)
	}

	var (
		connected bool
		eventName string
		data      strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" {
				if c.handleEvent(eventName, data.String()) {
					connected = true
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := scanner.Err(); err != nil {
		return connected, err
	}
	return connected, fmt.Errorf("event stream closed by server")
}

// handleEvent decodes and dispatches one event; reports whether it was the
// connection handshake.
func (c *Client) handleEvent(name, data string) bool {
	var ev models.Event
	if data != "" {
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("dropping undecodable event", "event", name, "error", err)
			return false
		}
	}
	ev.Type = models.EventType(name)

	handshake := false
	switch ev.Type {
	case models.EventConnected:
		c.mu.Lock()
		c.connectionID = ev.ConnectionID
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.setState(StateConnected)
		handshake = true
	case models.EventHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	}

	c.mu.Lock()
	fns := make([]func(models.Event), 0, len(c.eventSubs[ev.Type]))
	for _, fn := range c.eventSubs[ev.Type] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return handshake
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
