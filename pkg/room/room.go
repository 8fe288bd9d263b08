// Package room implements the transactional domain state of a coordination
// room: agents, tasks, file locks, broadcast messages, checkpoints and the
// auxiliary owned records. Every mutation is a function from current state
// to new state, committed with compare-and-put on the entity's key; on
// conflict the mutation retries from a fresh read up to a small bound and
// then fails with ErrConflict.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// casAttempts bounds optimistic-concurrency retries per operation.
const casAttempts = 5

// Notification kinds emitted to the SSE hub. Every observable mutation
// emits at least one.
const (
	NotifyMessage  = "message"
	NotifyMention  = "mention"
	NotifyProgress = "progress"
	NotifyShutdown = "shutdown"
)

// Notifier receives domain notifications for fan-out to subscribed sessions.
// Implemented by hub.Hub; the room holds only this narrow interface.
type Notifier interface {
	// Notify broadcasts to every session subscribed to the room.
	Notify(kind string, payload any)
	// NotifyAgent additionally targets sessions bound to the named agent.
	NotifyAgent(agent, kind string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, any)              {}
func (nopNotifier) NotifyAgent(string, string, any) {}

// Room owns all entities of one coordination room. It is safe for
// concurrent use; consistency comes from the storage backend's
// compare-and-put, not from in-process locking.
type Room struct {
	store    storage.Store
	notifier Notifier
	now      func() time.Time

	zombieAfter time.Duration
	leftAfter   time.Duration

	initMu      sync.Mutex
	initialized bool

	// stampMu serialises broadcast timestamping so message timestamps are
	// monotone with sequence numbers within this process.
	stampMu   sync.Mutex
	lastStamp time.Time
}

// Option configures a Room.
type Option func(*Room)

// WithNotifier wires the SSE hub (or any Notifier) into the room.
func WithNotifier(n Notifier) Option {
	return func(r *Room) { r.notifier = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithLivenessThresholds overrides the zombie and left thresholds.
func WithLivenessThresholds(zombieAfter, leftAfter time.Duration) Option {
	return func(r *Room) {
		r.zombieAfter = zombieAfter
		r.leftAfter = leftAfter
	}
}

// New creates a Room over the given store.
func New(store storage.Store, opts ...Option) *Room {
	r := &Room{
		store:       store,
		notifier:    nopNotifier{},
		now:         time.Now,
		zombieAfter: 5 * time.Minute,
		leftAfter:   30 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// roomMeta is the marker record written by Init.
type roomMeta struct {
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version"`
}

// Init marks the room usable. Operations called before Init fail with
// ErrNotInitialized.
func (r *Room) Init(ctx context.Context, version string) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}
	_, found, err := r.store.Get(ctx, "meta/room")
	if err != nil {
		return err
	}
	if !found {
		meta, err := json.Marshal(roomMeta{CreatedAt: r.now().UTC(), Version: version})
		if err != nil {
			return err
		}
		// Lost race against another process creating the room is fine.
		if _, err := r.store.CompareAndPut(ctx, "meta/room", nil, meta); err != nil {
			return err
		}
	}
	r.initialized = true
	return nil
}

// SetNotifier replaces the notifier after construction. Used during startup
// when the hub is built after the room.
func (r *Room) SetNotifier(n Notifier) {
	if n == nil {
		r.notifier = nopNotifier{}
		return
	}
	r.notifier = n
}

// Store exposes the underlying backend for collaborators with their own
// subspace (auth tokens).
func (r *Room) Store() storage.Store { return r.store }

func (r *Room) checkInitialized() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	return nil
}

// agentNamePattern is the allowed agent-name alphabet; length 1..64.
var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateAgentName reports whether name is a legal agent name.
func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentName, name)
	}
	return nil
}

// --- generic typed storage helpers ---

// getJSON reads and decodes the entity at key. Returns the raw bytes too so
// callers can compare-and-put against exactly what was read.
func getJSON[T any](ctx context.Context, r *Room, key string) (*T, []byte, error) {
	raw, found, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, fmt.Errorf("%w: key %s: %v", storage.ErrCorruptValue, key, err)
	}
	return &v, raw, nil
}

// putJSON encodes and overwrites the entity at key.
func putJSON(ctx context.Context, r *Room, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return storage.WithRetry(ctx, func() error {
		return r.store.Put(ctx, key, raw, 0)
	})
}

// createJSON writes the entity only if the key is absent.
func createJSON(ctx context.Context, r *Room, key string, v any) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var ok bool
	err = storage.WithRetry(ctx, func() error {
		var casErr error
		ok, casErr = r.store.CompareAndPut(ctx, key, nil, raw)
		return casErr
	})
	return ok, err
}

// mutateJSON runs fn over the entity at key and commits with compare-and-put,
// retrying from a fresh read on conflict. fn errors abort without retry.
// Returns the committed entity.
func mutateJSON[T any](ctx context.Context, r *Room, key string, missing error, fn func(*T) error) (*T, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, raw, err := getJSON[T](ctx, r, key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, missing
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		newRaw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var ok bool
		err = storage.WithRetry(ctx, func() error {
			var casErr error
			ok, casErr = r.store.CompareAndPut(ctx, key, raw, newRaw)
			return casErr
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
	return nil, ErrConflict
}

// scanJSON decodes every entity under prefix.
func scanJSON[T any](ctx context.Context, r *Room, prefix string) ([]T, error) {
	entries, err := r.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", storage.ErrCorruptValue, e.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// sanitizeID rejects ids that would escape their key subspace.
func sanitizeID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
