package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// adminModule covers the operational surface: health, service discovery,
// token administration, rate-limit introspection, encryption status and the
// orchestrator override.
func adminModule() Resolver {
	return newModule(
		Tool{
			Name:        "health_check",
			Description: "Server liveness, backend and in-process counters.",
			Category:    CategoryHealth,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				reg := inv.Registry
				return map[string]any{
					"status":           "ok",
					"server_name":      reg.info.Name,
					"version":          reg.info.Version,
					"backend":          reg.info.Backend,
					"active_sessions":  reg.hub.ActiveSessions(),
					"event_ring_depth": reg.hub.RingDepth(),
					"tool_calls":       reg.ToolCalls(),
				}, nil
			},
		},
		Tool{
			Name:        "discover",
			Description: "Service-discovery card: name, version, endpoints, capabilities.",
			Category:    CategoryDiscovery,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				reg := inv.Registry
				caps := make([]string, 0, len(allCategories))
				for _, c := range allCategories {
					caps = append(caps, string(c))
				}
				return map[string]any{
					"server_name":  reg.info.Name,
					"version":      reg.info.Version,
					"endpoints":    reg.info.Endpoints,
					"capabilities": caps,
				}, nil
			},
		},
		Tool{
			Name:        "orchestrator_set_interval",
			Description: "Override the maintenance interval until the next automatic recomputation.",
			Category:    CategoryHealth,
			Permission:  auth.CanAdmin,
			Schema: []Field{
				{Name: "interval_seconds", Type: TypeInteger, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				tempo := inv.Registry.tempoController()
				if tempo == nil {
					return nil, fmt.Errorf("orchestrator is not running")
				}
				secs := inv.Args.Int("interval_seconds")
				if secs < 1 {
					return nil, &InvalidParamsError{Field: "interval_seconds", Reason: "must be >= 1"}
				}
				tempo.SetInterval(time.Duration(secs) * time.Second)
				return map[string]any{"interval_seconds": secs}, nil
			},
		},
		Tool{
			Name:        "auth_issue_token",
			Description: "Mint a token for an agent with a role and optional expiry. Admin only.",
			Category:    CategoryAuth,
			Permission:  auth.CanAdmin,
			Schema: []Field{
				{Name: "agent", Type: TypeString, Required: true},
				{Name: "role", Type: TypeString, Required: true, Enum: []string{"reader", "worker", "admin"}},
				{Name: "ttl_hours", Type: TypeInteger, Description: "expiry; 0 means no expiry"},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				ttl := time.Duration(inv.Args.Int("ttl_hours")) * time.Hour
				token, err := inv.Registry.gate.Issue(ctx,
					inv.Args.String("agent"), room.Role(inv.Args.String("role")), ttl)
				if err != nil {
					return nil, err
				}
				return map[string]any{"token": token}, nil
			},
		},
		Tool{
			Name:        "auth_revoke_token",
			Description: "Revoke every token issued to an agent. Admin only.",
			Category:    CategoryAuth,
			Permission:  auth.CanAdmin,
			Schema: []Field{
				{Name: "agent", Type: TypeString, Required: true},
			},
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				n, err := inv.Registry.gate.Revoke(ctx, inv.Args.String("agent"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"revoked": n}, nil
			},
		},
		Tool{
			Name:        "rate_limit_status",
			Description: "The caller's effective rate per category.",
			Category:    CategoryRateLimit,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return map[string]any{
					"role":       string(inv.Identity.Role),
					"categories": inv.Registry.limiter.Effective(inv.Identity.Role),
				}, nil
			},
		},
		Tool{
			Name:        "encryption_status",
			Description: "Whether values are sealed at rest.",
			Category:    CategoryEncryption,
			Permission:  auth.CanReadState,
			Handler: func(ctx context.Context, inv *Invocation) (any, error) {
				return map[string]any{"enabled": inv.Registry.info.Encrypted}, nil
			},
		},
	)
}
