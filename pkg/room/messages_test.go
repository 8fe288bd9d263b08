package room

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{content: "hello world", want: nil},
		{content: "ping @alice", want: []string{"alice"}},
		{content: "@alice and @bob please review", want: []string{"alice", "bob"}},
		{content: "stateless run @worker/solo now", want: []string{"worker/solo"}},
		{content: "email a@b is not a mention of b alone", want: []string{"b"}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractMentions(tc.content), tc.content)
	}
}

func TestBroadcastSequencing(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		msg, err := r.Broadcast(ctx, "alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq, "sequence numbers are gap-free from 1")
	}
}

func TestBroadcastConcurrent(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Broadcast(ctx, "alice", fmt.Sprintf("concurrent %d", i))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	msgs, err := r.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestBroadcastMentionRouting(t *testing.T) {
	r, notifier, _ := newTestRoom(t)
	ctx := context.Background()

	_, err := r.Broadcast(ctx, "alice", "please review @bob/solo and @carol")
	require.NoError(t, err)

	// Variant mentions route to the base agent.
	assert.Len(t, notifier.forAgent("bob"), 1)
	assert.Len(t, notifier.forAgent("carol"), 1)
	assert.Empty(t, notifier.forAgent("bob/solo"))

	var broadcasts int
	for _, e := range notifier.all() {
		if e.Kind == NotifyMessage {
			broadcasts++
		}
	}
	assert.Equal(t, 1, broadcasts)
}

func TestBroadcastRejectsEmpty(t *testing.T) {
	r, _, _ := newTestRoom(t)
	_, err := r.Broadcast(context.Background(), "alice", "")
	assert.Error(t, err)
}

func TestGetMessagesSince(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Broadcast(ctx, "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	msgs, err := r.GetMessages(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)
	assert.Equal(t, int64(5), msgs[1].Seq)

	msgs, err = r.GetMessages(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Seq)
}

func TestSweepMessages(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := r.Broadcast(ctx, "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	dropped, err := r.SweepMessages(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)

	msgs, err := r.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(5), msgs[0].Seq)

	// New broadcasts continue past the swept range, not from zero.
	msg, err := r.Broadcast(ctx, "alice", "after sweep")
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.Seq)
}

func TestMessageEscapedContent(t *testing.T) {
	m := &Message{Content: `<script>alert("x")</script>`}
	assert.Equal(t, "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;", m.EscapedContent())
}
