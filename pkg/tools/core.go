package tools

import (
	"context"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// coreModule covers agents, tasks and file locks — the tools every mode
// enables.
func coreModule() Resolver {
	agentField := Field{Name: "agent", Type: TypeString, Required: true, Description: "acting agent name"}

	return newModule(
		Tool{
			Name:        "join",
			Description: "Register an agent in the room or refresh its liveness. Idempotent.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Schema: []Field{
				agentField,
				{Name: "capabilities", Type: TypeArray, Description: "capability strings advertised by the agent"},
				{Name: "role", Type: TypeString, Enum: []string{"reader", "worker", "admin"}},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				a, err := inv.Room.Join(ctx, inv.Agent(), inv.Args.Strings("capabilities"), room.Role(inv.Args.String("role")))
				if err != nil {
					return nil, err
				}
				// Bind the session to the joining agent so targeted
				// notifications reach its stream.
				if inv.Session != nil && inv.Session.Agent == "" {
					inv.Registry.hub.UpdateSession(inv.Session.ID, func(s *hub.Session) {
						s.Agent = a.Name
					})
				}
				return a, nil
			},
		},
		Tool{
			Name:        "leave",
			Description: "Remove an agent's active bindings from the room.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Schema:      []Field{agentField},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				if err := inv.Room.Leave(ctx, inv.Agent()); err != nil {
					return nil, err
				}
				return map[string]any{"left": true}, nil
			},
		},
		Tool{
			Name:        "heartbeat",
			Description: "Refresh an agent's last-seen timestamp.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Schema:      []Field{agentField},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Heartbeat(ctx, inv.Agent())
			},
		},
		Tool{
			Name:        "get_agents",
			Description: "List every agent with liveness applied.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetAgents(ctx)
			},
		},
		Tool{
			Name:        "add_task",
			Description: "Append a task to the shared backlog.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "title", Type: TypeString, Required: true},
				{Name: "priority", Type: TypeInteger, Description: "lower is more urgent"},
				{Name: "id", Type: TypeString, Description: "caller-chosen id; generated when empty"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.AddTask(ctx, inv.Args.String("title"), inv.Args.Int("priority"), inv.Args.String("id"))
			},
		},
		Tool{
			Name:        "claim",
			Description: "Claim a backlog task. Re-claiming a held task is idempotent.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				agentField,
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Claim(ctx, inv.Args.String("task_id"), inv.Agent())
			},
		},
		Tool{
			Name:        "claim_next",
			Description: "Claim the most urgent backlog task. Returns null when the backlog is empty.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema:      []Field{agentField},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				task, err := inv.Room.ClaimNext(ctx, inv.Agent())
				if err != nil {
					return nil, err
				}
				if task == nil {
					return map[string]any{"task": nil}, nil
				}
				return task, nil
			},
		},
		Tool{
			Name:        "start_task",
			Description: "Transition a claimed task to in_progress.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				agentField,
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Start(ctx, inv.Args.String("task_id"), inv.Agent())
			},
		},
		Tool{
			Name:        "done_task",
			Description: "Complete a task held by the agent, with optional notes and deliverable.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				agentField,
				{Name: "notes", Type: TypeString},
				{Name: "deliverable", Type: TypeString, Description: "what the task produced: a path, URL or summary"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Done(ctx, inv.Args.String("task_id"), inv.Agent(),
					inv.Args.String("notes"), inv.Args.String("deliverable"))
			},
		},
		Tool{
			Name:        "cancel_task",
			Description: "Terminally cancel a task with a reason. Admin only.",
			Category:    CategoryCore,
			Permission:  auth.CanAdmin,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				{Name: "reason", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Cancel(ctx, inv.Args.String("task_id"), inv.Args.String("reason"))
			},
		},
		Tool{
			Name:        "set_priority",
			Description: "Change a backlog task's priority.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				{Name: "priority", Type: TypeInteger, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.SetPriority(ctx, inv.Args.String("task_id"), inv.Args.Int("priority"))
			},
		},
		Tool{
			Name:        "set_plan",
			Description: "Attach or replace a task's plan.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				{Name: "plan", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.SetPlan(ctx, inv.Args.String("task_id"), inv.Args.String("plan"))
			},
		},
		Tool{
			Name:        "add_note",
			Description: "Append to a task's notes.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "task_id", Type: TypeString, Required: true},
				{Name: "note", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.AddNote(ctx, inv.Args.String("task_id"), inv.Args.String("note"))
			},
		},
		Tool{
			Name:        "get_tasks",
			Description: "List every task.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetTasks(ctx)
			},
		},
		Tool{
			Name:        "lock_file",
			Description: "Reserve a room-relative file path with a TTL.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "path", Type: TypeString, Required: true},
				agentField,
				{Name: "ttl_seconds", Type: TypeInteger, Description: "lock lifetime; default 300"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				ttl := time.Duration(inv.Args.Int("ttl_seconds")) * time.Second
				return inv.Room.LockFile(ctx, inv.Args.String("path"), inv.Agent(), ttl)
			},
		},
		Tool{
			Name:        "unlock_file",
			Description: "Release a file lock held by the agent.",
			Category:    CategoryCore,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "path", Type: TypeString, Required: true},
				agentField,
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				if err := inv.Room.UnlockFile(ctx, inv.Args.String("path"), inv.Agent()); err != nil {
					return nil, err
				}
				return map[string]any{"unlocked": true}, nil
			},
		},
		Tool{
			Name:        "get_locks",
			Description: "List currently held file locks.",
			Category:    CategoryCore,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetLocks(ctx)
			},
		},
	)
}
