package room

import (
	"context"
)

func agentKey(name string) string { return "agents/" + name }

// Join registers an agent or refreshes an existing one. Idempotent: a second
// Join refreshes last-seen and resets status to joined without losing the
// agent's role or capabilities (unless new ones are supplied).
func (r *Room) Join(ctx context.Context, name string, capabilities []string, role Role) (*Agent, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(name); err != nil {
		return nil, err
	}
	if role == "" {
		role = RoleWorker
	}
	now := r.now().UTC()

	fresh := &Agent{
		Name:         name,
		Capabilities: capabilities,
		Status:       AgentJoined,
		Role:         role,
		JoinedAt:     now,
		LastSeen:     now,
	}
	created, err := createJSON(ctx, r, agentKey(name), fresh)
	if err != nil {
		return nil, err
	}
	if created {
		r.notifier.Notify(NotifyProgress, map[string]any{
			"event": "agent_joined", "agent": name,
		})
		return fresh, nil
	}

	agent, err := mutateJSON(ctx, r, agentKey(name), ErrAgentNotFound, func(a *Agent) error {
		a.Status = AgentJoined
		a.LastSeen = now
		if len(capabilities) > 0 {
			a.Capabilities = capabilities
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Leave removes the agent's active bindings. Historical references (messages
// sent, tasks completed) keep the name as a plain string.
func (r *Room) Leave(ctx context.Context, name string) error {
	if err := r.checkInitialized(); err != nil {
		return err
	}
	if err := ValidateAgentName(name); err != nil {
		return err
	}
	agent, _, err := getJSON[Agent](ctx, r, agentKey(name))
	if err != nil {
		return err
	}
	if agent == nil {
		return nil // leave of an unknown agent is a no-op
	}
	if err := r.releaseAgentResources(ctx, name); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, agentKey(name)); err != nil {
		return err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "agent_left", "agent": name,
	})
	return nil
}

// Heartbeat refreshes the agent's last-seen timestamp.
func (r *Room) Heartbeat(ctx context.Context, name string) (*Agent, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(name); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	return mutateJSON(ctx, r, agentKey(name), ErrAgentNotFound, func(a *Agent) error {
		a.LastSeen = now
		if a.Status == AgentZombie {
			a.Status = AgentJoined
		}
		return nil
	})
}

// GetAgent returns one agent with zombie detection applied on read.
func (r *Room) GetAgent(ctx context.Context, name string) (*Agent, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	agent, _, err := getJSON[Agent](ctx, r, agentKey(name))
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	r.applyLiveness(agent)
	return agent, nil
}

// GetAgents returns all agents, zombie detection applied on read. This is
// the read-only snapshot consumed by the dashboard projection.
func (r *Room) GetAgents(ctx context.Context) ([]Agent, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	agents, err := scanJSON[Agent](ctx, r, "agents/")
	if err != nil {
		return nil, err
	}
	for i := range agents {
		r.applyLiveness(&agents[i])
	}
	return agents, nil
}

// applyLiveness reports agents past the liveness threshold as zombies
// without writing; promotion to left happens in the GC sweep.
func (r *Room) applyLiveness(a *Agent) {
	if a.Status == AgentLeft {
		return
	}
	if r.now().Sub(a.LastSeen) > r.zombieAfter {
		a.Status = AgentZombie
	}
}

// SweepAgents promotes zombies past the second threshold to left and clears
// their held resources: locks released, claimed tasks returned to backlog.
// Called by the orchestrator loop; safe to run concurrently.
func (r *Room) SweepAgents(ctx context.Context) (int, error) {
	if err := r.checkInitialized(); err != nil {
		return 0, err
	}
	agents, err := scanJSON[Agent](ctx, r, "agents/")
	if err != nil {
		return 0, err
	}
	swept := 0
	now := r.now()
	for i := range agents {
		a := &agents[i]
		if a.Status == AgentLeft || now.Sub(a.LastSeen) <= r.leftAfter {
			continue
		}
		if err := r.releaseAgentResources(ctx, a.Name); err != nil {
			return swept, err
		}
		_, err := mutateJSON(ctx, r, agentKey(a.Name), ErrAgentNotFound, func(cur *Agent) error {
			cur.Status = AgentLeft
			cur.CurrentTask = ""
			return nil
		})
		if err != nil {
			return swept, err
		}
		swept++
		r.notifier.Notify(NotifyProgress, map[string]any{
			"event": "agent_gc", "agent": a.Name,
		})
	}
	return swept, nil
}

// releaseAgentResources unlocks files held by the agent and returns its
// claimed or in-progress tasks to the backlog.
func (r *Room) releaseAgentResources(ctx context.Context, name string) error {
	locks, err := scanJSON[FileLockInfo](ctx, r, "locks/")
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.Owner != name {
			continue
		}
		// Best effort: the authoritative lock may already have expired.
		_ = r.store.Unlock(ctx, fileLockName(l.Path), name)
		_ = r.store.Delete(ctx, fileLockMirrorKey(l.Path))
	}

	tasks, err := scanJSON[Task](ctx, r, "tasks/")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Assignee != name || t.Status.Terminal() {
			continue
		}
		_, err := mutateJSON(ctx, r, taskKey(t.ID), ErrTaskNotFound, func(cur *Task) error {
			if cur.Assignee != name || cur.Status.Terminal() {
				return nil
			}
			cur.Status = TaskBacklog
			cur.Assignee = ""
			cur.ClaimedAt = nil
			cur.StartedAt = nil
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
