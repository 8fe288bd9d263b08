package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCheckpointLinksParent(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	first, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "plan", json.RawMessage(`{"n":1}`), "")
	require.NoError(t, err)
	assert.Equal(t, CheckpointInProgress, first.Status)
	assert.Empty(t, first.ParentID)

	second, err := r.SaveCheckpoint(ctx, "task-1", "alice", 2, "execute", json.RawMessage(`{"n":2}`), CheckpointCompleted)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ParentID)

	cps, err := r.GetCheckpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].Step)
	assert.Equal(t, 2, cps[1].Step)
}

func TestSaveCheckpointValidation(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	_, err := r.SaveCheckpoint(ctx, "task-1", "alice", 0, "plan", nil, "")
	assert.Error(t, err, "step below 1")

	_, err = r.SaveCheckpoint(ctx, "task-1", "alice", 1, "plan", nil, CheckpointRejected)
	assert.Error(t, err, "rejected is a decision outcome, not a save status")
}

func TestInterruptApprove(t *testing.T) {
	r, notifier, _ := newTestRoom(t)
	ctx := context.Background()

	cp, err := r.Interrupt(ctx, "task-1", "alice", 1, "rm -rf build", json.RawMessage(`{"cwd":"/"}`), "destructive command, confirm?")
	require.NoError(t, err)
	assert.Equal(t, CheckpointInterrupted, cp.Status)
	assert.Equal(t, "destructive command, confirm?", cp.Message)
	assert.NotEmpty(t, notifier.forAgent("alice"))

	approved, err := r.Approve(ctx, "task-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CheckpointCompleted, approved.Status)
	assert.False(t, approved.StateEdited)

	// Nothing left to decide: the second approve is a transition attempt
	// from the already-completed checkpoint, not a missing entity.
	_, err = r.Approve(ctx, "task-1", nil)
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "checkpoint", transition.Entity)
	assert.Equal(t, string(CheckpointCompleted), transition.From)
	assert.Equal(t, string(CheckpointCompleted), transition.To)
}

func TestApproveWithEditedState(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	_, err := r.Interrupt(ctx, "task-1", "alice", 1, "call api", json.RawMessage(`{"retries":1}`), "check parameters")
	require.NoError(t, err)

	edited := json.RawMessage(`{"retries":3}`)
	approved, err := r.Approve(ctx, "task-1", edited)
	require.NoError(t, err)
	assert.True(t, approved.StateEdited)
	assert.JSONEq(t, `{"retries":3}`, string(approved.State))
}

func TestReject(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	_, err := r.Interrupt(ctx, "task-1", "alice", 1, "deploy", nil, "prod deploy, confirm?")
	require.NoError(t, err)

	rejected, err := r.Reject(ctx, "task-1", "not during freeze")
	require.NoError(t, err)
	assert.Equal(t, CheckpointRejected, rejected.Status)
	assert.Equal(t, "not during freeze", rejected.Reason)

	_, err = r.Reject(ctx, "task-1", "again")
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, string(CheckpointRejected), transition.From)
}

func TestDecisionWithoutCheckpoints(t *testing.T) {
	r, _, _ := newTestRoom(t)

	_, err := r.Approve(context.Background(), "task-9", nil)
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "none", transition.From)
}

func TestApproveActsOnLatestInterrupted(t *testing.T) {
	r, _, clock := newTestRoom(t)
	ctx := context.Background()

	older, err := r.Interrupt(ctx, "task-1", "alice", 1, "a", nil, "first")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	newer, err := r.Interrupt(ctx, "task-1", "alice", 2, "b", nil, "second")
	require.NoError(t, err)

	approved, err := r.Approve(ctx, "task-1", nil)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, approved.ID)

	got, err := r.GetCheckpoint(ctx, "task-1", older.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointInterrupted, got.Status)
}

func TestBranch(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	source, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "draft", json.RawMessage(`{"v":1}`), CheckpointCompleted)
	require.NoError(t, err)

	branch, err := r.Branch(ctx, "task-1", source.ID, "alt-approach")
	require.NoError(t, err)
	assert.Equal(t, source.Step+1, branch.Step)
	assert.Equal(t, source.ID, branch.ParentID)
	assert.Equal(t, "alt-approach", branch.BranchName)
	assert.Equal(t, CheckpointPending, branch.Status)
	assert.JSONEq(t, `{"v":1}`, string(branch.State))

	got, err := r.GetCheckpoint(ctx, "task-1", source.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointBranched, got.Status)
}

func TestBranchAtStep(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	source, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "draft", json.RawMessage(`{"v":1}`), CheckpointCompleted)
	require.NoError(t, err)

	branch, err := r.BranchAtStep(ctx, "task-1", 1, "alt-approach")
	require.NoError(t, err)
	assert.Equal(t, source.ID, branch.ParentID)
	assert.Equal(t, 2, branch.Step)

	_, err = r.BranchAtStep(ctx, "task-1", 9, "nowhere")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestBranchTwiceFromSameSource(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	source, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "draft", json.RawMessage(`{"v":1}`), CheckpointCompleted)
	require.NoError(t, err)

	first, err := r.Branch(ctx, "task-1", source.ID, "plan-a")
	require.NoError(t, err)
	second, err := r.Branch(ctx, "task-1", source.ID, "plan-b")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, source.ID, second.ParentID)

	got, err := r.GetCheckpoint(ctx, "task-1", source.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointBranched, got.Status)
}

func TestBranchRequiresName(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	source, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "draft", nil, "")
	require.NoError(t, err)
	_, err = r.Branch(ctx, "task-1", source.ID, "")
	assert.Error(t, err)
}

func TestRevert(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()

	target, err := r.SaveCheckpoint(ctx, "task-1", "alice", 1, "one", json.RawMessage(`{"s":1}`), CheckpointCompleted)
	require.NoError(t, err)
	_, err = r.SaveCheckpoint(ctx, "task-1", "alice", 2, "two", nil, CheckpointCompleted)
	require.NoError(t, err)
	_, err = r.SaveCheckpoint(ctx, "task-1", "alice", 3, "three", nil, "")
	require.NoError(t, err)

	got, err := r.Revert(ctx, "task-1", 1)
	require.NoError(t, err)
	assert.Equal(t, target.ID, got.ID)
	assert.JSONEq(t, `{"s":1}`, string(got.State))

	cps, err := r.GetCheckpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for _, c := range cps {
		if c.Step > 1 {
			assert.Equal(t, CheckpointReverted, c.Status, "step %d", c.Step)
			assert.NotNil(t, c.RevertedAt)
		} else {
			assert.Equal(t, CheckpointCompleted, c.Status)
		}
	}
}

func TestRevertUnknownStep(t *testing.T) {
	r, _, _ := newTestRoom(t)
	_, err := r.Revert(context.Background(), "task-1", 7)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPendingInterruptsTimeout(t *testing.T) {
	r, _, clock := newTestRoom(t)
	ctx := context.Background()

	stale, err := r.Interrupt(ctx, "task-1", "alice", 1, "a", nil, "old")
	require.NoError(t, err)
	clock.Advance(40 * time.Minute)
	fresh, err := r.Interrupt(ctx, "task-2", "bob", 1, "b", nil, "new")
	require.NoError(t, err)

	pending, err := r.PendingInterrupts(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)

	got, err := r.GetCheckpoint(ctx, "task-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointRejected, got.Status)
	assert.Equal(t, "timeout", got.Reason)
}
