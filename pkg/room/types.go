package room

import (
	"encoding/json"
	"html"
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentJoined  AgentStatus = "joined"
	AgentWorking AgentStatus = "working"
	AgentIdle    AgentStatus = "idle"
	AgentZombie  AgentStatus = "zombie"
	AgentLeft    AgentStatus = "left"
)

// Role orders capability grants: reader ⊂ worker ⊂ admin.
type Role string

const (
	RoleReader Role = "reader"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// Agent is a participant in the room, keyed by its unique name.
type Agent struct {
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	Role         Role        `json:"role"`
	JoinedAt     time.Time   `json:"joined_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskBacklog    TaskStatus = "backlog"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// Task is a unit of work in the shared backlog. At most one non-terminal
// assignee exists at any time; priority is mutable only while backlog.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Plan        string     `json:"plan,omitempty"`
	Notes       []string   `json:"notes,omitempty"`
	Deliverable string     `json:"deliverable,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Message is one entry in the room's ordered broadcast log. Seq is strictly
// increasing and gap-free within a room.
type Message struct {
	Seq       int64     `json:"seq"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EscapedContent returns the content HTML-escaped for downstream HTML
// rendering. Storage keeps the raw UTF-8.
func (m *Message) EscapedContent() string {
	return html.EscapeString(m.Content)
}

// FileLockInfo mirrors a held file lock for enumeration; the authoritative
// lock lives in the storage backend's lock namespace.
type FileLockInfo struct {
	Path       string        `json:"path"`
	Owner      string        `json:"owner"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// CheckpointStatus is the state of a checkpoint in the interrupt workflow.
type CheckpointStatus string

const (
	CheckpointPending     CheckpointStatus = "pending"
	CheckpointInProgress  CheckpointStatus = "in_progress"
	CheckpointCompleted   CheckpointStatus = "completed"
	CheckpointInterrupted CheckpointStatus = "interrupted"
	CheckpointRejected    CheckpointStatus = "rejected"
	CheckpointBranched    CheckpointStatus = "branched"
	CheckpointReverted    CheckpointStatus = "reverted"
)

// Checkpoint is a durable record of an agent's progress on a task at a given
// step, possibly interrupted for a human decision. Lineage is a DAG: linear
// successor edges plus branch forks, traversed by id.
type Checkpoint struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Step        int              `json:"step"`
	Action      string           `json:"action"`
	State       json.RawMessage  `json:"state,omitempty"`
	Agent       string           `json:"agent"`
	Status      CheckpointStatus `json:"status"`
	Message     string           `json:"message,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	ParentID    string           `json:"parent_id,omitempty"`
	BranchName  string           `json:"branch_name,omitempty"`
	StateEdited bool             `json:"state_edited,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	RevertedAt  *time.Time       `json:"reverted_at,omitempty"`
}

// Vote is an auxiliary owned record: a poll among agents.
type Vote struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Options   []string          `json:"options"`
	Ballots   map[string]string `json:"ballots,omitempty"` // agent -> option
	StartedBy string            `json:"started_by"`
	CreatedAt time.Time         `json:"created_at"`
	ClosedAt  *time.Time        `json:"closed_at,omitempty"`
}

// Worktree is metadata about an agent's filesystem isolation; the core never
// touches the tree itself.
type Worktree struct {
	Name      string    `json:"name"`
	Agent     string    `json:"agent"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PortalSubscription records an agent's interest in a portal topic.
type PortalSubscription struct {
	Agent     string    `json:"agent"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// CostEntry is one line of the append-only token-cost log.
type CostEntry struct {
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}
