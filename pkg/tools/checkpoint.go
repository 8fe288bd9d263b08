package tools

import (
	"context"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// checkpointModule is the human-in-the-loop interrupt surface over the
// checkpoint engine.
func checkpointModule() Resolver {
	agentField := Field{Name: "agent", Type: TypeString, Required: true, Description: "acting agent name"}
	taskField := Field{Name: "task_id", Type: TypeString, Required: true}

	return newModule(
		Tool{
			Name:        "checkpoint_save",
			Description: "Persist an agent's progress on a task at a step.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanClaim,
			Schema: []Field{
				taskField,
				agentField,
				{Name: "step", Type: TypeInteger, Required: true},
				{Name: "action", Type: TypeString, Required: true},
				{Name: "state", Type: TypeObject, Description: "serialized workflow state"},
				{Name: "status", Type: TypeString, Enum: []string{"pending", "in_progress", "completed", "interrupted"}},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.SaveCheckpoint(ctx,
					inv.Args.String("task_id"), inv.Agent(), inv.Args.Int("step"),
					inv.Args.String("action"), inv.Args.Object("state"),
					room.CheckpointStatus(inv.Args.String("status")))
			},
		},
		Tool{
			Name:        "checkpoint_interrupt",
			Description: "Save an interrupted checkpoint and wait for a human decision.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanClaim,
			Schema: []Field{
				taskField,
				agentField,
				{Name: "step", Type: TypeInteger, Required: true},
				{Name: "action", Type: TypeString, Required: true},
				{Name: "message", Type: TypeString, Required: true, Description: "question for the human reviewer"},
				{Name: "state", Type: TypeObject},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Interrupt(ctx,
					inv.Args.String("task_id"), inv.Agent(), inv.Args.Int("step"),
					inv.Args.String("action"), inv.Args.Object("state"),
					inv.Args.String("message"))
			},
		},
		Tool{
			Name:        "checkpoint_approve",
			Description: "Approve the task's latest interrupted checkpoint, optionally with an edited state.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanManageAgents,
			Schema: []Field{
				taskField,
				{Name: "state", Type: TypeObject, Description: "edited state replacing the stored one"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Approve(ctx, inv.Args.String("task_id"), inv.Args.Object("state"))
			},
		},
		Tool{
			Name:        "checkpoint_reject",
			Description: "Reject the task's latest interrupted checkpoint.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanManageAgents,
			Schema: []Field{
				taskField,
				{Name: "reason", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Reject(ctx, inv.Args.String("task_id"), inv.Args.String("reason"))
			},
		},
		Tool{
			Name:        "checkpoint_branch",
			Description: "Fork a new lineage from an existing checkpoint, addressed by step or by id.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanClaim,
			Schema: []Field{
				taskField,
				{Name: "source_step", Type: TypeInteger, Description: "fork from the latest checkpoint at this step"},
				{Name: "checkpoint_id", Type: TypeString, Description: "fork from this exact checkpoint"},
				{Name: "branch_name", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				if id := inv.Args.String("checkpoint_id"); id != "" {
					return inv.Room.Branch(ctx, inv.Args.String("task_id"), id, inv.Args.String("branch_name"))
				}
				if !inv.Args.Has("source_step") {
					return nil, &InvalidParamsError{Field: "source_step", Reason: "either source_step or checkpoint_id is required"}
				}
				return inv.Room.BranchAtStep(ctx, inv.Args.String("task_id"), inv.Args.Int("source_step"), inv.Args.String("branch_name"))
			},
		},
		Tool{
			Name:        "checkpoint_revert",
			Description: "Roll a task back to a step; later checkpoints become reverted.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanManageAgents,
			Schema: []Field{
				taskField,
				{Name: "target_step", Type: TypeInteger, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Revert(ctx, inv.Args.String("task_id"), inv.Args.Int("target_step"))
			},
		},
		Tool{
			Name:        "checkpoint_pending",
			Description: "List interrupted checkpoints awaiting a decision; stale ones are auto-rejected first.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanReadState,
			Schema: []Field{
				{Name: "timeout_min", Type: TypeInteger, Description: "auto-reject interrupts older than this; 0 disables"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				timeout := time.Duration(inv.Args.Int("timeout_min")) * time.Minute
				return inv.Room.PendingInterrupts(ctx, timeout)
			},
		},
		Tool{
			Name:        "checkpoint_list",
			Description: "List a task's checkpoints in step order.",
			Category:    CategoryInterrupt,
			Permission:  auth.CanReadState,
			Schema:      []Field{taskField},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetCheckpoints(ctx, inv.Args.String("task_id"))
			},
		},
	)
}
