package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// checkpointKey embeds the zero-padded step so a prefix scan over a task's
// checkpoints comes back in step order.
func checkpointKey(taskID string, step int, id string) string {
	return fmt.Sprintf("checkpoints/%s/%06d-%s", taskID, step, id)
}

func checkpointPrefix(taskID string) string {
	return "checkpoints/" + taskID + "/"
}

// canTransition is the checkpoint state machine. Branching is allowed from
// every state, an already branched source included, so one checkpoint can
// seed several lineages; reverted is reachable from every other state; the
// rest is the interrupt workflow.
func canTransition(from, to CheckpointStatus) bool {
	if to == CheckpointBranched {
		return true
	}
	if from == to {
		return false
	}
	if to == CheckpointReverted {
		return true
	}
	switch from {
	case CheckpointPending:
		return to == CheckpointInProgress || to == CheckpointCompleted || to == CheckpointInterrupted
	case CheckpointInProgress:
		return to == CheckpointCompleted || to == CheckpointInterrupted
	case CheckpointInterrupted:
		return to == CheckpointCompleted || to == CheckpointRejected
	default:
		return false
	}
}

// SaveCheckpoint persists an agent's progress on a task at the given step.
// When step > 1 the checkpoint is linked to the latest checkpoint of the
// previous step. An empty status defaults to in_progress.
func (r *Room) SaveCheckpoint(ctx context.Context, taskID, agent string, step int, action string, state json.RawMessage, status CheckpointStatus) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	if err := sanitizeID(taskID); err != nil {
		return nil, err
	}
	if step < 1 {
		return nil, fmt.Errorf("checkpoint step must be >= 1, got %d", step)
	}
	if status == "" {
		status = CheckpointInProgress
	}
	switch status {
	case CheckpointPending, CheckpointInProgress, CheckpointCompleted, CheckpointInterrupted:
	default:
		return nil, fmt.Errorf("cannot save checkpoint with status %q", status)
	}

	now := r.now().UTC()
	cp := &Checkpoint{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Step:      step,
		Action:    action,
		State:     state,
		Agent:     agent,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if step > 1 {
		if parent, err := r.latestAtStep(ctx, taskID, step-1); err != nil {
			return nil, err
		} else if parent != nil {
			cp.ParentID = parent.ID
		}
	}
	created, err := createJSON(ctx, r, checkpointKey(taskID, step, cp.ID), cp)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrConflict
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_saved", "task_id": taskID, "checkpoint_id": cp.ID,
		"step": step, "status": string(status),
	})
	return cp, nil
}

// Interrupt saves an interrupted checkpoint and alerts subscribers that a
// human decision is required. The agent is expected to stop until Approve or
// Reject resolves it.
func (r *Room) Interrupt(ctx context.Context, taskID, agent string, step int, action string, state json.RawMessage, message string) (*Checkpoint, error) {
	cp, err := r.SaveCheckpoint(ctx, taskID, agent, step, action, state, CheckpointInterrupted)
	if err != nil {
		return nil, err
	}
	_, err = r.mutateCheckpoint(ctx, taskID, cp.ID, func(c *Checkpoint) error {
		c.Message = message
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp.Message = message
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_interrupted", "task_id": taskID,
		"checkpoint_id": cp.ID, "agent": agent, "message": message,
	})
	r.notifier.NotifyAgent(agent, NotifyProgress, map[string]any{
		"event": "awaiting_decision", "task_id": taskID, "checkpoint_id": cp.ID,
	})
	return cp, nil
}

// Approve resolves the latest interrupted checkpoint of a task to completed.
// A non-nil editedState replaces the stored state and marks the checkpoint
// edited, so the resuming agent knows its context was altered.
func (r *Room) Approve(ctx context.Context, taskID string, editedState json.RawMessage) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	target, err := r.latestInterrupted(ctx, taskID, CheckpointCompleted)
	if err != nil {
		return nil, err
	}
	cp, err := r.mutateCheckpoint(ctx, taskID, target.ID, func(c *Checkpoint) error {
		if !canTransition(c.Status, CheckpointCompleted) {
			return &InvalidTransitionError{Entity: "checkpoint", From: string(c.Status), To: string(CheckpointCompleted)}
		}
		c.Status = CheckpointCompleted
		if editedState != nil {
			c.State = editedState
			c.StateEdited = true
		}
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_approved", "task_id": taskID,
		"checkpoint_id": cp.ID, "state_edited": cp.StateEdited,
	})
	r.notifier.NotifyAgent(cp.Agent, NotifyProgress, map[string]any{
		"event": "decision_approved", "task_id": taskID, "checkpoint_id": cp.ID,
	})
	return cp, nil
}

// Reject resolves the latest interrupted checkpoint of a task to rejected
// with a reason. The agent should abandon the interrupted step.
func (r *Room) Reject(ctx context.Context, taskID, reason string) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	target, err := r.latestInterrupted(ctx, taskID, CheckpointRejected)
	if err != nil {
		return nil, err
	}
	return r.rejectByID(ctx, taskID, target.ID, reason)
}

func (r *Room) rejectByID(ctx context.Context, taskID, checkpointID, reason string) (*Checkpoint, error) {
	cp, err := r.mutateCheckpoint(ctx, taskID, checkpointID, func(c *Checkpoint) error {
		if !canTransition(c.Status, CheckpointRejected) {
			return &InvalidTransitionError{Entity: "checkpoint", From: string(c.Status), To: string(CheckpointRejected)}
		}
		c.Status = CheckpointRejected
		c.Reason = reason
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_rejected", "task_id": taskID,
		"checkpoint_id": cp.ID, "reason": reason,
	})
	r.notifier.NotifyAgent(cp.Agent, NotifyProgress, map[string]any{
		"event": "decision_rejected", "task_id": taskID, "checkpoint_id": cp.ID,
	})
	return cp, nil
}

// Branch forks a new line of work from an existing checkpoint: the successor
// clones the source state at step+1 under the given branch name, and the
// source is marked branched.
func (r *Room) Branch(ctx context.Context, taskID, checkpointID, branchName string) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if branchName == "" {
		return nil, fmt.Errorf("branch name must not be empty")
	}
	source, err := r.GetCheckpoint(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	successor := &Checkpoint{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Step:       source.Step + 1,
		Action:     source.Action,
		State:      source.State,
		Agent:      source.Agent,
		Status:     CheckpointPending,
		ParentID:   source.ID,
		BranchName: branchName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := createJSON(ctx, r, checkpointKey(taskID, successor.Step, successor.ID), successor)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrConflict
	}

	if _, err := r.mutateCheckpoint(ctx, taskID, source.ID, func(c *Checkpoint) error {
		if !canTransition(c.Status, CheckpointBranched) {
			return &InvalidTransitionError{Entity: "checkpoint", From: string(c.Status), To: string(CheckpointBranched)}
		}
		c.Status = CheckpointBranched
		c.UpdatedAt = r.now().UTC()
		return nil
	}); err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_branched", "task_id": taskID,
		"source_id": source.ID, "branch_id": successor.ID, "branch": branchName,
	})
	return successor, nil
}

// BranchAtStep forks from the latest checkpoint at the given step.
func (r *Room) BranchAtStep(ctx context.Context, taskID string, sourceStep int, branchName string) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	source, err := r.latestAtStep(ctx, taskID, sourceStep)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: task %s step %d", ErrCheckpointNotFound, taskID, sourceStep)
	}
	return r.Branch(ctx, taskID, source.ID, branchName)
}

// Revert rolls a task back to targetStep: every checkpoint past the target is
// marked reverted and the state of the latest checkpoint at the target step is
// returned for the agent to resume from.
func (r *Room) Revert(ctx context.Context, taskID string, targetStep int) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	target, err := r.latestAtStep(ctx, taskID, targetStep)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("%w: task %s step %d", ErrCheckpointNotFound, taskID, targetStep)
	}
	all, err := r.GetCheckpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	for i := range all {
		c := &all[i]
		if c.Step <= targetStep || c.Status == CheckpointReverted {
			continue
		}
		if _, err := r.mutateCheckpoint(ctx, taskID, c.ID, func(cur *Checkpoint) error {
			if cur.Status == CheckpointReverted {
				return nil
			}
			cur.Status = CheckpointReverted
			cur.RevertedAt = &now
			cur.UpdatedAt = now
			return nil
		}); err != nil {
			return nil, err
		}
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "checkpoint_reverted", "task_id": taskID,
		"target_step": targetStep, "target_id": target.ID,
	})
	return target, nil
}

// PendingInterrupts lists interrupted checkpoints awaiting a decision. Any
// interrupted checkpoint older than timeout is auto-rejected first, so a
// forgotten decision cannot park an agent forever. timeout <= 0 disables
// auto-rejection.
func (r *Room) PendingInterrupts(ctx context.Context, timeout time.Duration) ([]Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	entries, err := r.store.Scan(ctx, "checkpoints/")
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	var pending []Checkpoint
	for _, e := range entries {
		var c Checkpoint
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", storage.ErrCorruptValue, e.Key, err)
		}
		if c.Status != CheckpointInterrupted {
			continue
		}
		if timeout > 0 && now.Sub(c.UpdatedAt) > timeout {
			if _, err := r.rejectByID(ctx, c.TaskID, c.ID, "timeout"); err != nil {
				return nil, err
			}
			continue
		}
		pending = append(pending, c)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	return pending, nil
}

// GetCheckpoint returns one checkpoint of a task by id.
func (r *Room) GetCheckpoint(ctx context.Context, taskID, checkpointID string) (*Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	_, cp, err := r.findCheckpoint(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetCheckpoints returns a task's checkpoints in step order.
func (r *Room) GetCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := sanitizeID(taskID); err != nil {
		return nil, err
	}
	return scanJSON[Checkpoint](ctx, r, checkpointPrefix(taskID))
}

// latestAtStep returns the newest checkpoint of a task at exactly step, or
// nil when the step has none.
func (r *Room) latestAtStep(ctx context.Context, taskID string, step int) (*Checkpoint, error) {
	cps, err := scanJSON[Checkpoint](ctx, r, checkpointPrefix(taskID))
	if err != nil {
		return nil, err
	}
	var latest *Checkpoint
	for i := range cps {
		c := &cps[i]
		if c.Step != step {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest, nil
}

// latestInterrupted finds the newest interrupted checkpoint of a task; the
// decision operations act on it. A decision against a task with nothing
// interrupted is an invalid transition from whatever state the newest
// checkpoint is in, not a lookup failure.
func (r *Room) latestInterrupted(ctx context.Context, taskID string, decision CheckpointStatus) (*Checkpoint, error) {
	cps, err := r.GetCheckpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var latest, newest *Checkpoint
	for i := range cps {
		c := &cps[i]
		if newest == nil || c.UpdatedAt.After(newest.UpdatedAt) {
			newest = c
		}
		if c.Status != CheckpointInterrupted {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	if latest == nil {
		from := "none"
		if newest != nil {
			from = string(newest.Status)
		}
		return nil, &InvalidTransitionError{Entity: "checkpoint", From: from, To: string(decision)}
	}
	return latest, nil
}

// findCheckpoint locates a checkpoint's storage key by id within a task.
func (r *Room) findCheckpoint(ctx context.Context, taskID, checkpointID string) (string, *Checkpoint, error) {
	if err := sanitizeID(taskID); err != nil {
		return "", nil, err
	}
	entries, err := r.store.Scan(ctx, checkpointPrefix(taskID))
	if err != nil {
		return "", nil, err
	}
	for _, e := range entries {
		var c Checkpoint
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return "", nil, fmt.Errorf("%w: key %s: %v", storage.ErrCorruptValue, e.Key, err)
		}
		if c.ID == checkpointID {
			return e.Key, &c, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
}

// mutateCheckpoint applies fn to the checkpoint with the given id under the
// usual compare-and-put retry discipline.
func (r *Room) mutateCheckpoint(ctx context.Context, taskID, checkpointID string, fn func(*Checkpoint) error) (*Checkpoint, error) {
	key, _, err := r.findCheckpoint(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}
	return mutateJSON(ctx, r, key, ErrCheckpointNotFound, fn)
}
