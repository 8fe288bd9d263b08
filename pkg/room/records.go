package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Auxiliary owned records: votes, worktrees, portal subscriptions and the
// cost log. They share the room's storage discipline but have no state
// machines beyond open/closed.

func voteKey(id string) string         { return "votes/" + id }
func worktreeKey(name string) string   { return "worktrees/" + name }
func portalKey(agent, topic string) string {
	return "portal/" + agent + "/" + topic
}
func costKey(seq int64) string { return fmt.Sprintf("costs/c%020d", seq) }

// ErrVoteNotFound is returned when a vote id does not exist.
var ErrVoteNotFound = errors.New("vote not found")

// ErrVoteClosed is returned for ballots cast after the vote closed.
var ErrVoteClosed = errors.New("vote already closed")

// StartVote opens a poll among agents.
func (r *Room) StartVote(ctx context.Context, startedBy, topic string, options []string) (*Vote, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(startedBy); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("vote topic must not be empty")
	}
	if len(options) < 2 {
		return nil, errors.New("vote needs at least two options")
	}
	vote := &Vote{
		ID:        uuid.New().String(),
		Topic:     topic,
		Options:   options,
		Ballots:   map[string]string{},
		StartedBy: startedBy,
		CreatedAt: r.now().UTC(),
	}
	created, err := createJSON(ctx, r, voteKey(vote.ID), vote)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrConflict
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "vote_started", "vote_id": vote.ID, "topic": topic, "options": options,
	})
	return vote, nil
}

// CastVote records an agent's ballot. Re-voting overwrites the previous
// ballot while the vote is open.
func (r *Room) CastVote(ctx context.Context, voteID, agent, option string) (*Vote, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	vote, err := mutateJSON(ctx, r, voteKey(voteID), ErrVoteNotFound, func(v *Vote) error {
		if v.ClosedAt != nil {
			return ErrVoteClosed
		}
		valid := false
		for _, o := range v.Options {
			if o == option {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("option %q is not on the ballot", option)
		}
		if v.Ballots == nil {
			v.Ballots = map[string]string{}
		}
		v.Ballots[agent] = option
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "vote_cast", "vote_id": voteID, "agent": agent,
	})
	return vote, nil
}

// TallyVote closes the vote and returns the count per option. Tallying an
// already-closed vote returns the final counts without error.
func (r *Room) TallyVote(ctx context.Context, voteID string) (*Vote, map[string]int, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, nil, err
	}
	now := r.now().UTC()
	vote, err := mutateJSON(ctx, r, voteKey(voteID), ErrVoteNotFound, func(v *Vote) error {
		if v.ClosedAt == nil {
			v.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	counts := make(map[string]int, len(vote.Options))
	for _, o := range vote.Options {
		counts[o] = 0
	}
	for _, option := range vote.Ballots {
		counts[option]++
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "vote_tallied", "vote_id": voteID, "counts": counts,
	})
	return vote, counts, nil
}

// GetVotes returns every vote record.
func (r *Room) GetVotes(ctx context.Context) ([]Vote, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return scanJSON[Vote](ctx, r, "votes/")
}

// RegisterWorktree records an agent's worktree. The core tracks metadata
// only; creating the tree is the agent's job.
func (r *Room) RegisterWorktree(ctx context.Context, name, agent, path, branch string) (*Worktree, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	if err := sanitizeID(name); err != nil {
		return nil, err
	}
	wt := &Worktree{
		Name:      name,
		Agent:     agent,
		Path:      path,
		Branch:    branch,
		CreatedAt: r.now().UTC(),
	}
	if err := putJSON(ctx, r, worktreeKey(name), wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// ListWorktrees returns every registered worktree.
func (r *Room) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return scanJSON[Worktree](ctx, r, "worktrees/")
}

// RemoveWorktree drops a worktree record. Removing an unknown record is a
// no-op.
func (r *Room) RemoveWorktree(ctx context.Context, name string) error {
	if err := r.checkInitialized(); err != nil {
		return err
	}
	if err := sanitizeID(name); err != nil {
		return err
	}
	return r.store.Delete(ctx, worktreeKey(name))
}

// Subscribe records an agent's interest in a portal topic. Idempotent.
func (r *Room) Subscribe(ctx context.Context, agent, topic string) (*PortalSubscription, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	if err := sanitizeID(topic); err != nil {
		return nil, err
	}
	sub := &PortalSubscription{
		Agent:     agent,
		Topic:     topic,
		CreatedAt: r.now().UTC(),
	}
	if err := putJSON(ctx, r, portalKey(agent, topic), sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a portal subscription. Unknown subscriptions are a
// no-op.
func (r *Room) Unsubscribe(ctx context.Context, agent, topic string) error {
	if err := r.checkInitialized(); err != nil {
		return err
	}
	if err := ValidateAgentName(agent); err != nil {
		return err
	}
	if err := sanitizeID(topic); err != nil {
		return err
	}
	return r.store.Delete(ctx, portalKey(agent, topic))
}

// Subscribers returns the agents subscribed to a topic.
func (r *Room) Subscribers(ctx context.Context, topic string) ([]string, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	subs, err := scanJSON[PortalSubscription](ctx, r, "portal/")
	if err != nil {
		return nil, err
	}
	var agents []string
	for _, s := range subs {
		if s.Topic == topic {
			agents = append(agents, s.Agent)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// PortalPublish broadcasts a payload to every subscriber of a topic.
func (r *Room) PortalPublish(ctx context.Context, sender, topic string, payload any) (int, error) {
	if err := r.checkInitialized(); err != nil {
		return 0, err
	}
	if err := ValidateAgentName(sender); err != nil {
		return 0, err
	}
	agents, err := r.Subscribers(ctx, topic)
	if err != nil {
		return 0, err
	}
	for _, a := range agents {
		r.notifier.NotifyAgent(a, NotifyProgress, map[string]any{
			"event": "portal", "topic": topic, "sender": sender, "payload": payload,
		})
	}
	return len(agents), nil
}

// LogCost appends one line to the token-cost log. The log is append-only;
// entries get strictly increasing keys the same way messages do.
func (r *Room) LogCost(ctx context.Context, entry CostEntry) error {
	if err := r.checkInitialized(); err != nil {
		return err
	}
	if err := ValidateAgentName(entry.Agent); err != nil {
		return err
	}
	entry.Timestamp = r.now().UTC()

	existing, err := r.store.Scan(ctx, "costs/")
	if err != nil {
		return err
	}
	next := int64(len(existing)) + 1
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < casAttempts*4; attempt++ {
		ok, err := r.store.CompareAndPut(ctx, costKey(next), nil, raw)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		next++
	}
	return ErrConflict
}

// GetCosts returns the cost log in append order, optionally filtered to one
// agent. An empty agent returns every entry.
func (r *Room) GetCosts(ctx context.Context, agent string) ([]CostEntry, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	entries, err := scanJSON[CostEntry](ctx, r, "costs/")
	if err != nil {
		return nil, err
	}
	if agent == "" {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Agent == agent {
			out = append(out, e)
		}
	}
	return out, nil
}
