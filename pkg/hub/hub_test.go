package hub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscription, n int) []Event {
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case e := <-sub.Events:
			out = append(out, e)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}

func TestEventEncode(t *testing.T) {
	e := Event{ID: 7, Kind: "message", Data: []byte(`{"seq":1}`)}
	assert.Equal(t, "id: 7\nevent: message\ndata: {\"seq\":1}\n\n", string(e.Encode()))

	plain := Event{ID: 8, Data: []byte("x")}
	assert.Equal(t, "id: 8\ndata: x\n\n", string(plain.Encode()))
}

func TestPriming(t *testing.T) {
	assert.Equal(t, "retry: 3000\nid: 42\n\n", string(Priming(42)))
}

func TestEnsureSessionHonorsClientID(t *testing.T) {
	h := New()
	s := h.EnsureSession("client-chosen")
	assert.Equal(t, "client-chosen", s.ID)
	assert.Same(t, s, h.EnsureSession("client-chosen"))

	generated := h.EnsureSession("")
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, 2, h.ActiveSessions())
}

func TestNotifyReachesSubscriber(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	h.Notify("message", map[string]any{"seq": 1})
	h.Notify("message", map[string]any{"seq": 2})

	events := collect(sub, 2)
	require.Len(t, events, 2)
	assert.Less(t, events[0].ID, events[1].ID, "event ids are strictly increasing")
	assert.Equal(t, "message", events[0].Kind)

	var env struct {
		JSONRPC string         `json:"jsonrpc"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal(events[0].Data, &env))
	assert.Equal(t, "2.0", env.JSONRPC)
	assert.Equal(t, "notifications/message", env.Method)
}

func TestNotifyAgentTargetsBoundSessions(t *testing.T) {
	h := New()
	alice := h.EnsureSession("")
	h.UpdateSession(alice.ID, func(s *Session) { s.Agent = "alice" })
	bob := h.EnsureSession("")
	h.UpdateSession(bob.ID, func(s *Session) { s.Agent = "bob" })

	aliceSub, err := h.Subscribe(alice.ID, 0)
	require.NoError(t, err)
	defer aliceSub.Close()
	bobSub, err := h.Subscribe(bob.ID, 0)
	require.NoError(t, err)
	defer bobSub.Close()

	h.NotifyAgent("alice", "mention", map[string]any{"seq": 1})

	got := collect(aliceSub, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "mention", got[0].Kind)

	select {
	case e := <-bobSub.Events:
		t.Fatalf("bob should not receive alice's mention, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyAgentReachesLateBoundSession(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")

	// Stream opens before the session names an agent (open first, join later).
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	h.UpdateSession(sess.ID, func(s *Session) { s.Agent = "alice" })
	h.NotifyAgent("alice", "mention", map[string]any{"seq": 1})

	got := collect(sub, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "mention", got[0].Kind)
}

func TestReplayAfterReconnect(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")

	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		h.Notify("message", map[string]any{"seq": i})
	}
	events := collect(sub, 10)
	require.Len(t, events, 10)
	cursor := events[6].ID // client saw 1..7
	sub.Close()

	resub, err := h.Subscribe(sess.ID, cursor)
	require.NoError(t, err)
	defer resub.Close()
	require.Len(t, resub.Replay, 3)
	assert.Equal(t, events[7].ID, resub.Replay[0].ID)
	assert.Equal(t, events[9].ID, resub.Replay[2].ID)
}

func TestReplayCursorPastHeadYieldsNothing(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	h.Notify("message", map[string]any{"seq": 1})

	sub, err := h.Subscribe(sess.ID, 1<<40)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, sub.Replay)
	assert.Greater(t, sub.NextID, int64(0))
}

func TestRingEvictsOldest(t *testing.T) {
	h := New(WithRingSize(MinRingSize))
	sess := h.EnsureSession("")
	for i := 0; i < MinRingSize+50; i++ {
		h.Notify("message", map[string]any{"seq": i})
	}
	assert.Equal(t, MinRingSize, h.RingDepth())

	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Replay, MinRingSize)
	// The oldest 50 events were evicted and are lost to replay.
	assert.Equal(t, int64(51), sub.Replay[0].ID)
}

func TestSecondSubscribeSupersedesFirst(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")

	first, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	second, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer second.Close()

	select {
	case <-first.Closed:
	case <-time.After(time.Second):
		t.Fatal("first connection was not closed by the second")
	}

	h.Notify("message", map[string]any{"seq": 1})
	assert.Len(t, collect(second, 1), 1)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)

	// Never read; overflow the delivery buffer.
	for i := 0; i < queueDepth+10; i++ {
		h.Notify("message", map[string]any{"seq": i})
	}
	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	// The events remain available for replay after reconnect.
	resub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer resub.Close()
	assert.Len(t, resub.Replay, queueDepth+10)
}

func TestPushTargetsSingleSession(t *testing.T) {
	h := New()
	a := h.EnsureSession("")
	b := h.EnsureSession("")
	subA, err := h.Subscribe(a.ID, 0)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := h.Subscribe(b.ID, 0)
	require.NoError(t, err)
	defer subB.Close()

	require.True(t, h.Push(a.ID, "", []byte(`{"id":1}`)))
	got := collect(subA, 1)
	require.Len(t, got, 1)
	assert.Equal(t, `{"id":1}`, string(got[0].Data))

	select {
	case <-subB.Events:
		t.Fatal("push leaked to another session")
	case <-time.After(50 * time.Millisecond):
	}

	assert.False(t, h.Push("no-such-session", "", []byte("x")))
}

func TestDeleteSessionClosesStream(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)

	require.True(t, h.DeleteSession(sess.ID))
	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Fatal("stream not closed on session delete")
	}
	assert.False(t, h.DeleteSession(sess.ID), "second delete is a miss")
	assert.Nil(t, h.GetSession(sess.ID))
}

func TestSweepSessionsSkipsConnected(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := New(WithClock(func() time.Time { return now }))

	connected := h.EnsureSession("")
	sub, err := h.Subscribe(connected.ID, 0)
	require.NoError(t, err)
	defer sub.Close()
	h.EnsureSession("idle-one")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, h.SweepSessions(time.Hour))
	assert.NotNil(t, h.GetSession(connected.ID))
	assert.Nil(t, h.GetSession("idle-one"))
}

func TestShutdownBroadcastsAndCloses(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)

	h.Shutdown()

	got := collect(sub, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "shutdown", got[0].Kind)
	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Fatal("stream not closed on shutdown")
	}

	// Publishes after shutdown are discarded; repeated shutdown is safe.
	h.Notify("message", map[string]any{"seq": 1})
	h.Shutdown()
	_, err = h.Subscribe(sess.ID, 0)
	assert.Error(t, err)
}

func TestEventIDsStrictlyIncreasePerSession(t *testing.T) {
	h := New()
	sess := h.EnsureSession("")
	sub, err := h.Subscribe(sess.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		h.Notify("message", map[string]any{"seq": i})
	}
	events := collect(sub, 20)
	require.Len(t, events, 20)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID,
			fmt.Sprintf("event %d not greater than predecessor", i))
	}
}
