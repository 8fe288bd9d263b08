// Package hub owns session identity and the per-room SSE event stream: a
// room-global monotone event counter, a bounded replay ring, and per-session
// delivery queues. One Hub instance exists per room; it is injected into the
// room as its Notifier and into the HTTP transport as the stream source.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MinRingSize is the smallest permitted replay ring. Clients whose
	// cursor was evicted past it must re-read domain state.
	MinRingSize = 256

	// DefaultRingSize is the replay ring size when none is configured.
	DefaultRingSize = 1024

	// RetryMillis is the reconnect interval advertised in the priming event.
	RetryMillis = 3000

	// KeepAliveInterval is how often the transport writes a ping comment.
	KeepAliveInterval = 30 * time.Second

	// queueDepth is the per-subscriber delivery buffer. A subscriber whose
	// buffer fills is disconnected and must reconnect with Last-Event-ID.
	queueDepth = 64
)

// Event is one stamped entry of the room's SSE stream. Agent targets the
// event at sessions bound to that agent; empty means broadcast.
type Event struct {
	ID    int64
	Kind  string
	Data  []byte
	Agent string
}

// Encode renders the SSE wire frame: id, optional event name, data.
func (e Event) Encode() []byte {
	buf := make([]byte, 0, len(e.Data)+len(e.Kind)+32)
	buf = append(buf, "id: "...)
	buf = strconv.AppendInt(buf, e.ID, 10)
	buf = append(buf, '\n')
	if e.Kind != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, e.Kind...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, e.Data...)
	buf = append(buf, "\n\n"...)
	return buf
}

// Priming returns the stream-opening frame carrying the retry interval and
// the next event id the client should expect.
func Priming(nextID int64) []byte {
	return []byte(fmt.Sprintf("retry: %d\nid: %d\n\n", RetryMillis, nextID))
}

// KeepAlive is the comment frame written between events to hold the
// connection open.
func KeepAlive() []byte { return []byte(": ping\n\n") }

// Session is one client's identity across requests. Fields are mutated only
// through Hub methods, under the hub mutex.
type Session struct {
	ID              string    `json:"id"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Agent           string    `json:"agent,omitempty"`
	Mode            string    `json:"mode,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
	Initialized     bool      `json:"initialized"`
	LastEventID     int64     `json:"last_event_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

// subscriber is one open SSE connection. At most one exists per session.
type subscriber struct {
	sessionID string
	ch        chan Event
	closed    chan struct{}
	once      sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Subscription is the transport's view of an open stream.
type Subscription struct {
	// Events delivers stamped events until Closed fires.
	Events <-chan Event
	// Closed fires when the hub drops the subscriber: superseded connection,
	// slow consumer, session delete, or shutdown.
	Closed <-chan struct{}
	// Replay holds the retained events with id > the reconnect cursor, in
	// order. Written before any live event is queued.
	Replay []Event
	// NextID is the id the priming event advertises.
	NextID int64

	hub *Hub
	sub *subscriber
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.dropSubscriber(s.sub)
}

// Hub is the per-room session table, event ring and subscriber set.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]*subscriber
	ring     []Event
	ringCap  int
	nextID   int64
	shutdown bool
	now      func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithRingSize sets the replay ring capacity, floored at MinRingSize.
func WithRingSize(n int) Option {
	return func(h *Hub) {
		if n < MinRingSize {
			n = MinRingSize
		}
		h.ringCap = n
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates a Hub. Event ids start at 1.
func New(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*Session),
		subs:     make(map[string]*subscriber),
		ringCap:  DefaultRingSize,
		nextID:   1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// --- sessions ---

// EnsureSession returns the session with the given id, creating it when id
// is unknown or empty. The server chooses the id for empty requests.
func (h *Hub) EnsureSession(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id != "" {
		if s, ok := h.sessions[id]; ok {
			s.LastActive = h.now().UTC()
			return s
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := h.now().UTC()
	s := &Session{ID: id, CreatedAt: now, LastActive: now}
	h.sessions[id] = s
	return s
}

// GetSession returns a known session or nil.
func (h *Hub) GetSession(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// UpdateSession applies fn to the session under the hub mutex.
func (h *Hub) UpdateSession(id string, fn func(*Session)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	s.LastActive = h.now().UTC()
	return true
}

// DeleteSession removes a session and closes its stream, if any.
func (h *Hub) DeleteSession(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	sub := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if sub != nil {
		sub.close()
	}
	return ok && s != nil
}

// SweepSessions expires sessions idle for longer than idle that have no open
// stream. Returns the number removed.
func (h *Hub) SweepSessions(idle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-idle)
	swept := 0
	for id, s := range h.sessions {
		if _, open := h.subs[id]; open {
			continue
		}
		if s.LastActive.Before(cutoff) {
			delete(h.sessions, id)
			swept++
		}
	}
	return swept
}

// ActiveSessions returns the session count, for the health surface.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// RingDepth returns the number of retained events.
func (h *Hub) RingDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// --- subscription ---

// Subscribe opens the session's stream, replacing any previous connection
// for the same session. lastEventID is the client's reconnect cursor; 0 (or
// any id at or past the head) yields no replay.
func (h *Hub) Subscribe(sessionID string, lastEventID int64) (*Subscription, error) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub is shut down")
	}
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}

	prev := h.subs[sessionID]
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, queueDepth),
		closed:    make(chan struct{}),
	}
	h.subs[sessionID] = sub

	// Compute the replay slice under the same lock that guards appends, so
	// no event can fall between replay and live delivery.
	var replay []Event
	for _, e := range h.ring {
		if e.ID <= lastEventID {
			continue
		}
		if e.Agent != "" && e.Agent != sess.Agent {
			continue
		}
		replay = append(replay, e)
	}
	nextID := h.nextID
	h.mu.Unlock()

	// Previous connection for this session is superseded.
	if prev != nil {
		prev.close()
	}

	return &Subscription{
		Events: sub.ch,
		Closed: sub.closed,
		Replay: replay,
		NextID: nextID,
		hub:    h,
		sub:    sub,
	}, nil
}

func (h *Hub) dropSubscriber(sub *subscriber) {
	h.mu.Lock()
	if cur, ok := h.subs[sub.sessionID]; ok && cur == sub {
		delete(h.subs, sub.sessionID)
	}
	h.mu.Unlock()
	sub.close()
}

// --- publishing ---

// notification is the JSON-RPC envelope wrapped around domain payloads.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func encodeNotification(kind string, payload any) ([]byte, error) {
	return json.Marshal(notification{
		JSONRPC: "2.0",
		Method:  "notifications/" + kind,
		Params:  payload,
	})
}

// Notify broadcasts a domain notification to every subscribed session.
// Implements room.Notifier.
func (h *Hub) Notify(kind string, payload any) {
	data, err := encodeNotification(kind, payload)
	if err != nil {
		slog.Warn("Failed to encode notification", "kind", kind, "error", err)
		return
	}
	h.publish(Event{Kind: kind, Data: data})
}

// NotifyAgent targets a notification at sessions bound to the named agent.
// Implements room.Notifier.
func (h *Hub) NotifyAgent(agent, kind string, payload any) {
	data, err := encodeNotification(kind, payload)
	if err != nil {
		slog.Warn("Failed to encode notification", "kind", kind, "agent", agent, "error", err)
		return
	}
	h.publish(Event{Kind: kind, Data: data, Agent: agent})
}

// Push stamps and delivers raw data to a single session without entering the
// replay ring. Used by the legacy transport to route JSON-RPC responses back
// over the companion SSE stream.
func (h *Hub) Push(sessionID string, kind string, data []byte) bool {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return false
	}
	e := Event{ID: h.nextID, Kind: kind, Data: data}
	h.nextID++
	sub := h.subs[sessionID]
	h.mu.Unlock()

	if sub == nil {
		return false
	}
	h.deliver(sub, e)
	return true
}

// StampEvent reserves the next event id for data without publishing it.
// Used for POST responses rendered as single-event SSE bodies, which live
// outside the session's replay stream.
func (h *Hub) StampEvent(kind string, data []byte) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := Event{ID: h.nextID, Kind: kind, Data: data}
	h.nextID++
	return e
}

// publish stamps the event, appends it to the ring, snapshots the subscriber
// set, then delivers outside the mutex.
func (h *Hub) publish(e Event) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	e.ID = h.nextID
	h.nextID++
	h.ring = append(h.ring, e)
	if len(h.ring) > h.ringCap {
		h.ring = h.ring[len(h.ring)-h.ringCap:]
	}
	targets := make([]*subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		if e.Agent != "" {
			// Agent binding can change after the stream opens (open the
			// stream first, join later), so resolve it per publish.
			sess := h.sessions[id]
			if sess == nil || sess.Agent != e.Agent {
				continue
			}
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, e)
	}
}

// deliver queues the event, dropping the subscriber when its buffer is full.
// A dropped subscriber reconnects with Last-Event-ID and replays from the
// ring; the event is never lost to other subscribers.
func (h *Hub) deliver(sub *subscriber, e Event) {
	select {
	case sub.ch <- e:
	case <-sub.closed:
	default:
		slog.Warn("Dropping slow SSE subscriber", "session_id", sub.sessionID)
		h.dropSubscriber(sub)
	}
}

// Shutdown broadcasts the shutdown notification and closes every stream.
// Idempotent; further publishes are discarded.
func (h *Hub) Shutdown() {
	h.Notify("shutdown", map[string]any{"reason": "server shutting down"})

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
