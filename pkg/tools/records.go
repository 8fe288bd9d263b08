package tools

import (
	"context"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// recordsModule covers worktree metadata and the token-cost log.
func recordsModule() Resolver {
	agentField := Field{Name: "agent", Type: TypeString, Required: true, Description: "acting agent name"}

	return newModule(
		Tool{
			Name:        "worktree_register",
			Description: "Record an agent's worktree. The server stores metadata only.",
			Category:    CategoryWorktree,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "name", Type: TypeString, Required: true},
				agentField,
				{Name: "path", Type: TypeString, Required: true},
				{Name: "branch", Type: TypeString},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.RegisterWorktree(ctx,
					inv.Args.String("name"), inv.Agent(),
					inv.Args.String("path"), inv.Args.String("branch"))
			},
		},
		Tool{
			Name:        "worktree_list",
			Description: "List registered worktrees.",
			Category:    CategoryWorktree,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.ListWorktrees(ctx)
			},
		},
		Tool{
			Name:        "worktree_remove",
			Description: "Drop a worktree record.",
			Category:    CategoryWorktree,
			Permission:  auth.CanClaim,
			Schema: []Field{
				{Name: "name", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				if err := inv.Room.RemoveWorktree(ctx, inv.Args.String("name")); err != nil {
					return nil, err
				}
				return map[string]any{"removed": true}, nil
			},
		},
		Tool{
			Name:        "log_cost",
			Description: "Append one entry to the token-cost log.",
			Category:    CategoryCost,
			Permission:  auth.CanReadState,
			Schema: []Field{
				agentField,
				{Name: "model", Type: TypeString, Required: true},
				{Name: "tokens_in", Type: TypeInteger, Required: true},
				{Name: "tokens_out", Type: TypeInteger, Required: true},
				{Name: "cost", Type: TypeNumber, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				entry := room.CostEntry{
					Agent:     inv.Agent(),
					Model:     inv.Args.String("model"),
					TokensIn:  inv.Args.Int64("tokens_in"),
					TokensOut: inv.Args.Int64("tokens_out"),
					Cost:      inv.Args.Float("cost"),
				}
				if err := inv.Room.LogCost(ctx, entry); err != nil {
					return nil, err
				}
				return map[string]any{"logged": true}, nil
			},
		},
		Tool{
			Name:        "get_costs",
			Description: "Read the cost log, optionally for one agent.",
			Category:    CategoryCost,
			Permission:  auth.CanReadState,
			Schema: []Field{
				{Name: "agent", Type: TypeString},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetCosts(ctx, inv.Args.String("agent"))
			},
		},
	)
}
