package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// fakeClock is a settable time source shared by a test and its room.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// capturedEvent is one notification recorded by captureNotifier.
type capturedEvent struct {
	Agent   string
	Kind    string
	Payload any
}

type captureNotifier struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (n *captureNotifier) Notify(kind string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, capturedEvent{Kind: kind, Payload: payload})
}

func (n *captureNotifier) NotifyAgent(agent, kind string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, capturedEvent{Agent: agent, Kind: kind, Payload: payload})
}

func (n *captureNotifier) all() []capturedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]capturedEvent, len(n.events))
	copy(out, n.events)
	return out
}

func (n *captureNotifier) forAgent(agent string) []capturedEvent {
	var out []capturedEvent
	for _, e := range n.all() {
		if e.Agent == agent {
			out = append(out, e)
		}
	}
	return out
}

func newTestRoom(t *testing.T, opts ...Option) (*Room, *captureNotifier, *fakeClock) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	notifier := &captureNotifier{}
	all := append([]Option{WithClock(clock.Now), WithNotifier(notifier)}, opts...)
	r := New(store, all...)
	require.NoError(t, r.Init(context.Background(), "test"))
	return r, notifier, clock
}

func TestRoomRequiresInit(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	r := New(store)
	_, err = r.GetAgents(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = r.Broadcast(context.Background(), "alice", "hi")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestValidateAgentName(t *testing.T) {
	valid := []string{"alice", "agent-1", "A_b-2", "x"}
	for _, name := range valid {
		assert.NoError(t, ValidateAgentName(name), name)
	}
	invalid := []string{"", "with space", "a/b", "é", "x\x00y", string(make([]byte, 65))}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateAgentName(name), ErrInvalidAgentName, name)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r, _, clock := newTestRoom(t)
	ctx := context.Background()

	first, err := r.Join(ctx, "alice", []string{"go"}, "")
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, first.Role)
	assert.Equal(t, AgentJoined, first.Status)

	clock.Advance(time.Minute)
	second, err := r.Join(ctx, "alice", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, second.Capabilities, "re-join without capabilities keeps the old ones")
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestHeartbeatRevivesZombie(t *testing.T) {
	r, _, clock := newTestRoom(t)
	ctx := context.Background()

	_, err := r.Join(ctx, "alice", nil, RoleWorker)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	agent, err := r.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, AgentZombie, agent.Status)

	agent, err = r.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, AgentJoined, agent.Status)
}

func TestLeaveUnknownAgentIsNoop(t *testing.T) {
	r, _, _ := newTestRoom(t)
	assert.NoError(t, r.Leave(context.Background(), "ghost"))
}

func TestSweepAgentsReleasesResources(t *testing.T) {
	r, _, clock := newTestRoom(t)
	ctx := context.Background()

	_, err := r.Join(ctx, "alice", nil, RoleWorker)
	require.NoError(t, err)
	task, err := r.AddTask(ctx, "build", 1, "")
	require.NoError(t, err)
	_, err = r.Claim(ctx, task.ID, "alice")
	require.NoError(t, err)
	_, err = r.LockFile(ctx, "src/main.go", "alice", time.Hour)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	swept, err := r.SweepAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	agent, err := r.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, AgentLeft, agent.Status)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskBacklog, got.Status)
	assert.Empty(t, got.Assignee)

	locks, err := r.GetLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	// The freed path is lockable again by someone else.
	_, err = r.LockFile(ctx, "src/main.go", "bob", time.Hour)
	assert.NoError(t, err)
}
