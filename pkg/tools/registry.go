// Package tools is the registry and dispatcher for the room's named
// operations. Tools are first-class values (schema, category, required
// capability, handler) organised as a chain of resolver modules; the
// registry grows by appending modules, never by touching a central switch.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/ratelimit"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// Category groups tools for per-session enablement.
type Category string

const (
	CategoryCore          Category = "core"
	CategoryCommunication Category = "communication"
	CategoryPortal        Category = "portal"
	CategoryWorktree      Category = "worktree"
	CategoryHealth        Category = "health"
	CategoryDiscovery     Category = "discovery"
	CategoryVoting        Category = "voting"
	CategoryInterrupt     Category = "interrupt"
	CategoryCost          Category = "cost"
	CategoryAuth          Category = "auth"
	CategoryRateLimit     Category = "rate_limit"
	CategoryEncryption    Category = "encryption"
)

// allCategories is the full set, in presentation order.
var allCategories = []Category{
	CategoryCore, CategoryCommunication, CategoryPortal, CategoryWorktree,
	CategoryHealth, CategoryDiscovery, CategoryVoting, CategoryInterrupt,
	CategoryCost, CategoryAuth, CategoryRateLimit, CategoryEncryption,
}

// Tool modes select which categories a session sees.
const (
	ModeFull     = "full"
	ModeStandard = "standard"
	ModeMinimal  = "minimal"
	ModeSolo     = "solo"
	ModeParallel = "parallel"
	ModeCustom   = "custom"
)

// modeCategories maps each named mode to its enabled set. Custom modes carry
// their categories on the session instead.
var modeCategories = map[string][]Category{
	ModeFull: allCategories,
	ModeStandard: {
		CategoryCore, CategoryCommunication, CategoryPortal, CategoryWorktree,
		CategoryHealth, CategoryDiscovery, CategoryVoting, CategoryInterrupt,
		CategoryCost,
	},
	ModeMinimal:  {CategoryCore, CategoryHealth},
	ModeSolo:     {CategoryCore, CategoryInterrupt, CategoryHealth},
	ModeParallel: {CategoryCore, CategoryCommunication, CategoryWorktree, CategoryInterrupt, CategoryHealth},
}

// EnabledCategories resolves a session's mode config into its category set.
// An empty mode means standard.
func EnabledCategories(mode string, custom []string) map[Category]bool {
	enabled := make(map[Category]bool)
	if mode == "" {
		mode = ModeStandard
	}
	if mode == ModeCustom {
		for _, c := range custom {
			enabled[Category(c)] = true
		}
		return enabled
	}
	cats, ok := modeCategories[mode]
	if !ok {
		cats = modeCategories[ModeStandard]
	}
	for _, c := range cats {
		enabled[c] = true
	}
	return enabled
}

// Handler executes one tool call against the room.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Tool binds a name to its schema, category, required capability and handler.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Permission  auth.Capability
	Schema      []Field
	Handler     Handler
}

// Invocation is the context a handler runs with.
type Invocation struct {
	Room     *room.Room
	Args     Args
	Identity auth.Identity
	Session  *hub.Session
	Registry *Registry
}

// Agent returns the acting agent: the authenticated identity when bound,
// otherwise the "agent" argument.
func (inv *Invocation) Agent() string {
	if inv.Identity.Agent != "" {
		return inv.Identity.Agent
	}
	return inv.Args.String("agent")
}

// Resolver is one module of the dispatch chain. Resolve returns (nil, false)
// for names that are not its concern, letting the next module try.
type Resolver interface {
	Resolve(name string) (*Tool, bool)
	Tools() []Tool
}

// module is the common Resolver implementation backing every tool group.
type module struct {
	tools []Tool
	index map[string]*Tool
}

func newModule(tools ...Tool) *module {
	m := &module{tools: tools, index: make(map[string]*Tool, len(tools))}
	for i := range m.tools {
		m.index[m.tools[i].Name] = &m.tools[i]
	}
	return m
}

func (m *module) Resolve(name string) (*Tool, bool) {
	t, ok := m.index[name]
	return t, ok
}

func (m *module) Tools() []Tool { return m.tools }

// ErrMethodNotFound is the tail of the resolver chain.
var ErrMethodNotFound = errors.New("unknown tool")

// ServerInfo feeds the health and discovery tools.
type ServerInfo struct {
	Name      string
	Version   string
	Backend   string
	Endpoints []string
	Encrypted bool
}

// TempoController is the orchestrator surface the manual-override tool
// drives. Wired after construction, like the loop itself.
type TempoController interface {
	SetInterval(d time.Duration)
	Interval() time.Duration
}

// Registry dispatches tool calls. Read-only after startup except for the
// call counters; mode configuration lives on the session.
type Registry struct {
	chain   []Resolver
	room    *room.Room
	gate    *auth.Gate
	limiter *ratelimit.Limiter
	hub     *hub.Hub
	info    ServerInfo

	tempoMu sync.RWMutex
	tempo   TempoController

	callMu    sync.Mutex
	toolCalls map[string]int64 // "name|status" -> count
}

// New builds the registry with the standard resolver chain.
func New(r *room.Room, gate *auth.Gate, limiter *ratelimit.Limiter, h *hub.Hub, info ServerInfo) *Registry {
	reg := &Registry{
		room:      r,
		gate:      gate,
		limiter:   limiter,
		hub:       h,
		info:      info,
		toolCalls: make(map[string]int64),
	}
	reg.chain = []Resolver{
		coreModule(),
		communicationModule(),
		checkpointModule(),
		recordsModule(),
		adminModule(),
	}
	return reg
}

// SetTempo wires the orchestrator loop once it exists.
func (reg *Registry) SetTempo(t TempoController) {
	reg.tempoMu.Lock()
	defer reg.tempoMu.Unlock()
	reg.tempo = t
}

func (reg *Registry) tempoController() TempoController {
	reg.tempoMu.RLock()
	defer reg.tempoMu.RUnlock()
	return reg.tempo
}

// Info returns the server's service-discovery card data.
func (reg *Registry) Info() ServerInfo { return reg.info }

// resolve walks the chain; the tail is ErrMethodNotFound.
func (reg *Registry) resolve(name string) (*Tool, error) {
	for _, r := range reg.chain {
		if t, ok := r.Resolve(name); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
}

// ToolInfo is the list_tools projection of a Tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	InputSchema map[string]any `json:"inputSchema"`
}

// List returns the tools visible to the session's mode, sorted by name.
func (reg *Registry) List(sess *hub.Session) []ToolInfo {
	var mode string
	var custom []string
	if sess != nil {
		mode = sess.Mode
		custom = sess.Categories
	}
	enabled := EnabledCategories(mode, custom)
	var out []ToolInfo
	for _, r := range reg.chain {
		for _, t := range r.Tools() {
			if !enabled[t.Category] {
				continue
			}
			out = append(out, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				Category:    string(t.Category),
				InputSchema: schemaJSON(t.Schema),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates, permission-checks, throttles and runs the named tool.
func (reg *Registry) Call(ctx context.Context, sess *hub.Session, ident auth.Identity, name string, rawArgs map[string]any) (result any, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		reg.countCall(name, status)
	}()

	tool, err := reg.resolve(name)
	if err != nil {
		return nil, err
	}

	// A tool outside the session's enabled categories is indistinguishable
	// from an unknown one.
	var mode string
	var custom []string
	if sess != nil {
		mode = sess.Mode
		custom = sess.Categories
	}
	if !EnabledCategories(mode, custom)[tool.Category] {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}

	args, err := ValidateArgs(tool.Schema, rawArgs)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		Room:     reg.room,
		Args:     args,
		Identity: ident,
		Session:  sess,
		Registry: reg,
	}

	// With auth disabled the claimed agent's stored role applies; unknown
	// agents act as workers.
	if !reg.gate.Enabled() {
		inv.Identity.Role = reg.lookupRole(ctx, inv.Agent())
	}
	if err := inv.Identity.Require(tool.Permission); err != nil {
		return nil, err
	}

	if agent := inv.Agent(); agent != "" {
		if err := reg.limiter.Allow(agent, inv.Identity.Role, string(tool.Category)); err != nil {
			return nil, err
		}
	}

	return tool.Handler(ctx, inv)
}

func (reg *Registry) lookupRole(ctx context.Context, agent string) room.Role {
	if agent == "" {
		return room.RoleWorker
	}
	a, err := reg.room.GetAgent(ctx, agent)
	if err != nil || a == nil {
		return room.RoleWorker
	}
	return a.Role
}

func (reg *Registry) countCall(name, status string) {
	reg.callMu.Lock()
	defer reg.callMu.Unlock()
	reg.toolCalls[name+"|"+status]++
}

// ToolCalls returns a copy of the per-tool call counters, keyed
// "name|status". Read-only metrics surface.
func (reg *Registry) ToolCalls() map[string]int64 {
	reg.callMu.Lock()
	defer reg.callMu.Unlock()
	out := make(map[string]int64, len(reg.toolCalls))
	for k, v := range reg.toolCalls {
		out[k] = v
	}
	return out
}
