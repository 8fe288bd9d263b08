package room

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors are values. Handlers map them onto JSON-RPC error codes at
// the transport boundary; nothing in this package panics on bad input.
var (
	// ErrNotInitialized is returned when operations run before Room.Init.
	ErrNotInitialized = errors.New("room not initialized")

	// ErrInvalidAgentName is returned for names outside [A-Za-z0-9_-]{1,64}.
	ErrInvalidAgentName = errors.New("invalid agent name")

	// ErrInvalidFilePath is returned for absolute paths, parent traversal
	// or embedded null bytes.
	ErrInvalidFilePath = errors.New("invalid file path")

	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound is returned when an agent name does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTaskExists is returned when a caller-chosen task id is taken.
	ErrTaskExists = errors.New("task id already exists")

	// ErrCheckpointNotFound is returned when a checkpoint lookup fails.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNotOwner is returned when an agent releases a lock it does not hold.
	ErrNotOwner = errors.New("not the lock owner")

	// ErrConflict is returned when optimistic concurrency retries are
	// exhausted. Callers may retry the whole operation.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrPermissionDenied is returned when the caller's capabilities do not
	// cover the operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// TaskAlreadyClaimedError reports a claim on a task held by another agent.
type TaskAlreadyClaimedError struct {
	TaskID string
	By     string
}

func (e *TaskAlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.TaskID, e.By)
}

// FileLockedError reports a lock attempt on a path held by another agent.
type FileLockedError struct {
	Path string
	By   string
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("file %s locked by %s", e.Path, e.By)
}

// InvalidTransitionError reports a status transition outside the allowed
// state machine (tasks and checkpoints alike).
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// RateLimitedError reports throttling, with the wait the caller should honor.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
