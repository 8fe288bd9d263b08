// Package orchestrator runs the room's background maintenance loop on an
// adaptive interval: tight while urgent tasks are open, relaxed when the
// room is idle. One loop runs per room.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// Tempo intervals. A priority at or below urgentPriority counts as urgent.
const (
	IntervalUrgent = 60 * time.Second
	IntervalActive = 300 * time.Second
	IntervalIdle   = 600 * time.Second

	urgentPriority = 2
)

// SessionSweeper expires idle sessions; implemented by hub.Hub.
type SessionSweeper interface {
	SweepSessions(idle time.Duration) int
}

// BucketSweeper drops idle rate-limit buckets; implemented by
// ratelimit.Limiter.
type BucketSweeper interface {
	Sweep(idle time.Duration) int
}

// Loop is the per-room maintenance task. Start/Stop follow the usual
// background-service shape: Stop cancels and waits for the run goroutine.
type Loop struct {
	room     *room.Room
	store    storage.Store
	sessions SessionSweeper
	buckets  BucketSweeper

	checkpointTimeout time.Duration
	keepMessages      int
	sessionIdle       time.Duration

	mu       sync.Mutex
	interval time.Duration
	override bool

	cancel context.CancelFunc
	done   chan struct{}
	// kick wakes the loop early after a manual override.
	kick chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithCheckpointTimeout sets how long an interrupt may wait before the sweep
// auto-rejects it. Zero disables the sweep.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(l *Loop) { l.checkpointTimeout = d }
}

// WithMessageRetention sets how many messages the sweep keeps.
func WithMessageRetention(keep int) Option {
	return func(l *Loop) { l.keepMessages = keep }
}

// WithSessionIdle sets the idle session expiry.
func WithSessionIdle(d time.Duration) Option {
	return func(l *Loop) { l.sessionIdle = d }
}

// New creates the loop. sessions and buckets may be nil.
func New(r *room.Room, store storage.Store, sessions SessionSweeper, buckets BucketSweeper, opts ...Option) *Loop {
	l := &Loop{
		room:              r,
		store:             store,
		sessions:          sessions,
		buckets:           buckets,
		checkpointTimeout: 60 * time.Minute,
		keepMessages:      1000,
		sessionIdle:       time.Hour,
		interval:          IntervalIdle,
		kick:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	slog.Info("Orchestrator loop started", "interval", l.Interval())
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Orchestrator loop stopped")
}

// Interval returns the current wake interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval overrides the interval until the next automatic
// recomputation. Implements tools.TempoController.
func (l *Loop) SetInterval(d time.Duration) {
	l.mu.Lock()
	l.interval = d
	l.override = true
	l.mu.Unlock()
	select {
	case l.kick <- struct{}{}:
	default:
	}
	slog.Info("Orchestrator interval overridden", "interval", d)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	l.tick(ctx)
	for {
		timer := time.NewTimer(l.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}
		l.tick(ctx)
	}
}

// tick runs one maintenance pass: backend expiry, agent aging, message
// retention, checkpoint timeouts, session and bucket sweeps, then interval
// recomputation (clearing any manual override).
func (l *Loop) tick(ctx context.Context) {
	if err := l.store.Tick(ctx); err != nil {
		slog.Error("Backend tick failed", "error", err)
	}

	if swept, err := l.room.SweepAgents(ctx); err != nil {
		slog.Error("Agent sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("Swept stale agents", "count", swept)
	}

	if dropped, err := l.room.SweepMessages(ctx, l.keepMessages); err != nil {
		slog.Error("Message sweep failed", "error", err)
	} else if dropped > 0 {
		slog.Info("Expired old messages", "count", dropped)
	}

	if l.checkpointTimeout > 0 {
		if _, err := l.room.PendingInterrupts(ctx, l.checkpointTimeout); err != nil {
			slog.Error("Checkpoint timeout sweep failed", "error", err)
		}
	}

	if l.sessions != nil {
		if swept := l.sessions.SweepSessions(l.sessionIdle); swept > 0 {
			slog.Info("Expired idle sessions", "count", swept)
		}
	}
	if l.buckets != nil {
		l.buckets.Sweep(l.sessionIdle)
	}

	next := l.computeInterval(ctx)
	l.mu.Lock()
	l.interval = next
	l.override = false
	l.mu.Unlock()
}

// computeInterval picks the tempo from task urgency: 60 s with urgent open
// tasks, 300 s with any open task, 600 s when idle.
func (l *Loop) computeInterval(ctx context.Context) time.Duration {
	tasks, err := l.room.GetTasks(ctx)
	if err != nil {
		slog.Error("Tempo recomputation failed, keeping interval", "error", err)
		return l.Interval()
	}
	anyOpen := false
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		anyOpen = true
		if t.Priority <= urgentPriority {
			return IntervalUrgent
		}
	}
	if anyOpen {
		return IntervalActive
	}
	return IntervalIdle
}
