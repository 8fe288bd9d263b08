package room

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

func taskKey(id string) string { return "tasks/" + id }

// AddTask appends a task to the backlog. The id is caller-chosen or
// server-generated when empty.
func (r *Room) AddTask(ctx context.Context, title string, priority int, id string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, errors.New("task title must not be empty")
	}
	if id == "" {
		id = uuid.New().String()
	} else if err := sanitizeID(id); err != nil {
		return nil, err
	}
	task := &Task{
		ID:        id,
		Title:     title,
		Priority:  priority,
		Status:    TaskBacklog,
		CreatedAt: r.now().UTC(),
	}
	created, err := createJSON(ctx, r, taskKey(id), task)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrTaskExists
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "task_added", "task_id": id, "title": title, "priority": priority,
	})
	return task, nil
}

// Claim transitions a backlog task to claimed by agent. Claiming a task the
// agent already holds is idempotent.
func (r *Room) Claim(ctx context.Context, taskID, agent string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	task, err := mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		switch {
		case t.Status == TaskBacklog:
			t.Status = TaskClaimed
			t.Assignee = agent
			t.ClaimedAt = &now
			return nil
		case t.Status == TaskClaimed && t.Assignee == agent:
			return nil // idempotent re-claim
		case (t.Status == TaskClaimed || t.Status == TaskInProgress) && t.Assignee != agent:
			return &TaskAlreadyClaimedError{TaskID: taskID, By: t.Assignee}
		default:
			return &InvalidTransitionError{Entity: "task", From: string(t.Status), To: string(TaskClaimed)}
		}
	})
	if err != nil {
		return nil, err
	}
	r.setAgentTask(ctx, agent, taskID)
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "task_claimed", "task_id": taskID, "agent": agent,
	})
	return task, nil
}

// ClaimNext claims the most urgent backlog task: ascending priority, then
// ascending creation time, ties broken by id. Returns (nil, nil) when the
// backlog is empty — an empty backlog is not an error.
func (r *Room) ClaimNext(ctx context.Context, agent string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	tasks, err := scanJSON[Task](ctx, r, "tasks/")
	if err != nil {
		return nil, err
	}
	backlog := tasks[:0]
	for _, t := range tasks {
		if t.Status == TaskBacklog {
			backlog = append(backlog, t)
		}
	}
	sort.Slice(backlog, func(i, j int) bool {
		if backlog[i].Priority != backlog[j].Priority {
			return backlog[i].Priority < backlog[j].Priority
		}
		if !backlog[i].CreatedAt.Equal(backlog[j].CreatedAt) {
			return backlog[i].CreatedAt.Before(backlog[j].CreatedAt)
		}
		return backlog[i].ID < backlog[j].ID
	})
	// Another agent may win any individual claim; move down the list.
	for _, candidate := range backlog {
		task, err := r.Claim(ctx, candidate.ID, agent)
		if err == nil {
			return task, nil
		}
		var claimed *TaskAlreadyClaimedError
		if errors.As(err, &claimed) || errors.Is(err, ErrConflict) {
			continue
		}
		var transition *InvalidTransitionError
		if errors.As(err, &transition) {
			continue
		}
		return nil, err
	}
	return nil, nil
}

// Start transitions claimed -> in_progress for the claiming agent.
func (r *Room) Start(ctx context.Context, taskID, agent string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	task, err := mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		if t.Status != TaskClaimed || t.Assignee != agent {
			return &InvalidTransitionError{Entity: "task", From: string(t.Status), To: string(TaskInProgress)}
		}
		t.Status = TaskInProgress
		t.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "task_started", "task_id": taskID, "agent": agent,
	})
	return task, nil
}

// Done completes a task held by agent, from claimed or in_progress. The
// deliverable, when given, records what the task produced (a path, a URL, a
// summary) for whoever consumes the result.
func (r *Room) Done(ctx context.Context, taskID, agent, notes, deliverable string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	task, err := mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		if (t.Status != TaskClaimed && t.Status != TaskInProgress) || t.Assignee != agent {
			return &InvalidTransitionError{Entity: "task", From: string(t.Status), To: string(TaskDone)}
		}
		t.Status = TaskDone
		t.FinishedAt = &now
		if notes != "" {
			t.Notes = append(t.Notes, notes)
		}
		if deliverable != "" {
			t.Deliverable = deliverable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.setAgentTask(ctx, agent, "")
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "task_done", "task_id": taskID, "agent": agent,
	})
	return task, nil
}

// Cancel terminates a task with a reason. Admin-only; the permission check
// happens at tool dispatch, this enforces only the state machine.
func (r *Room) Cancel(ctx context.Context, taskID, reason string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	task, err := mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		if t.Status.Terminal() {
			return &InvalidTransitionError{Entity: "task", From: string(t.Status), To: string(TaskCancelled)}
		}
		t.Status = TaskCancelled
		t.Reason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "task_cancelled", "task_id": taskID, "reason": reason,
	})
	return task, nil
}

// SetPriority changes a task's priority. Priority is mutable only while the
// task sits in the backlog.
func (r *Room) SetPriority(ctx context.Context, taskID string, priority int) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		if t.Status != TaskBacklog {
			return &InvalidTransitionError{Entity: "task", From: string(t.Status), To: "priority change"}
		}
		t.Priority = priority
		return nil
	})
}

// SetPlan attaches or replaces a task's plan.
func (r *Room) SetPlan(ctx context.Context, taskID, plan string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		t.Plan = plan
		return nil
	})
}

// AddNote appends to a task's append-only notes.
func (r *Room) AddNote(ctx context.Context, taskID, note string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return mutateJSON(ctx, r, taskKey(taskID), ErrTaskNotFound, func(t *Task) error {
		t.Notes = append(t.Notes, note)
		return nil
	})
}

// GetTask returns one task.
func (r *Room) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	task, _, err := getJSON[Task](ctx, r, taskKey(taskID))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// GetTasks returns every task, ordered by id. This is the read-only snapshot
// consumed by the dashboard projection.
func (r *Room) GetTasks(ctx context.Context) ([]Task, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return scanJSON[Task](ctx, r, "tasks/")
}

// setAgentTask updates the agent's current-task binding; best effort, the
// task record is authoritative.
func (r *Room) setAgentTask(ctx context.Context, agent, taskID string) {
	_, _ = mutateJSON(ctx, r, agentKey(agent), ErrAgentNotFound, func(a *Agent) error {
		a.CurrentTask = taskID
		if taskID == "" {
			a.Status = AgentIdle
		} else {
			a.Status = AgentWorking
		}
		a.LastSeen = r.now().UTC()
		return nil
	})
}
