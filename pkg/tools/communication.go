package tools

import (
	"context"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
)

// communicationModule covers the broadcast log and the portal pub/sub
// surface.
func communicationModule() Resolver {
	agentField := Field{Name: "agent", Type: TypeString, Required: true, Description: "acting agent name"}

	return newModule(
		Tool{
			Name:        "broadcast",
			Description: "Append a message to the room log. @name tokens become directed mentions.",
			Category:    CategoryCommunication,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "content", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Broadcast(ctx, inv.Agent(), inv.Args.String("content"))
			},
		},
		Tool{
			Name:        "get_messages",
			Description: "Read messages after a sequence number, oldest first.",
			Category:    CategoryCommunication,
			Permission:  auth.CanReadState,
			Schema: []Field{
				{Name: "since_seq", Type: TypeInteger},
				{Name: "limit", Type: TypeInteger},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.GetMessages(ctx, inv.Args.Int64("since_seq"), inv.Args.Int("limit"))
			},
		},
		Tool{
			Name:        "portal_subscribe",
			Description: "Subscribe the agent to a portal topic.",
			Category:    CategoryPortal,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "topic", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.Subscribe(ctx, inv.Agent(), inv.Args.String("topic"))
			},
		},
		Tool{
			Name:        "portal_unsubscribe",
			Description: "Drop the agent's subscription to a portal topic.",
			Category:    CategoryPortal,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "topic", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				if err := inv.Room.Unsubscribe(ctx, inv.Agent(), inv.Args.String("topic")); err != nil {
					return nil, err
				}
				return map[string]any{"unsubscribed": true}, nil
			},
		},
		Tool{
			Name:        "portal_publish",
			Description: "Deliver a payload to every subscriber of a topic.",
			Category:    CategoryPortal,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "topic", Type: TypeString, Required: true},
				{Name: "payload", Type: TypeObject},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				n, err := inv.Room.PortalPublish(ctx, inv.Agent(), inv.Args.String("topic"), inv.Args["payload"])
				if err != nil {
					return nil, err
				}
				return map[string]any{"delivered": n}, nil
			},
		},
		Tool{
			Name:        "vote_start",
			Description: "Open a poll among agents.",
			Category:    CategoryVoting,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "topic", Type: TypeString, Required: true},
				{Name: "options", Type: TypeArray, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.StartVote(ctx, inv.Agent(), inv.Args.String("topic"), inv.Args.Strings("options"))
			},
		},
		Tool{
			Name:        "vote_cast",
			Description: "Cast or change the agent's ballot while the vote is open.",
			Category:    CategoryVoting,
			Permission:  auth.CanBroadcast,
			Schema: []Field{
				agentField,
				{Name: "vote_id", Type: TypeString, Required: true},
				{Name: "option", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return inv.Room.CastVote(ctx, inv.Args.String("vote_id"), inv.Agent(), inv.Args.String("option"))
			},
		},
		Tool{
			Name:        "vote_tally",
			Description: "Close a vote and count the ballots.",
			Category:    CategoryVoting,
			Permission:  auth.CanReadState,
			Schema: []Field{
				{Name: "vote_id", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				vote, counts, err := inv.Room.TallyVote(ctx, inv.Args.String("vote_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"vote": vote, "counts": counts}, nil
			},
		},
	)
}
