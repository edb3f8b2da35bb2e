// Package tools implements the in-process tool registry backing the agent loop.
//
// Tools are either built-in Go functions (closures over session-scoped state
// such as the skill set and the identity store) or tools imported from
// external MCP servers via [Registry.AttachServer]. Execution failures of any
// kind (unknown tool, malformed arguments, handler error, panic, timeout)
// come back as an error-flagged [Result] rather than a Go error, so a single
// bad call never aborts a reasoning round: the model sees the failure text
// and can recover.
//
// Typical usage:
//
//	r := tools.New(tools.WithTimeout(30 * time.Second))
//
//	// Register the built-in set for this session.
//	err := tools.RegisterDefaults(r, tools.Deps{Skills: set, Identity: store}, cfg.Tools)
//
//	// Optionally import tools from an external MCP server.
//	err = r.AttachServer(ctx, "dice", "/usr/local/bin/mcp-dice-server")
//
//	// Offer the catalogue to the LLM.
//	defs := r.Describe()
//
//	// Execute a call requested by the model.
//	res := r.Execute(ctx, call)
//
//	// Shut down when the session ends.
//	r.Close()
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loquilabs/loqui/pkg/types"
)

// defaultTimeout bounds a single tool execution when no WithTimeout option
// is given.
const defaultTimeout = 30 * time.Second

// Tool is a single callable unit offered to the LLM.
type Tool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is invoked when the model calls this tool. args is a JSON
	// object string (e.g. "{}" or `{"key":"value"}`). A non-nil error marks
	// the result as an error; the error text is what the model sees.
	Handler func(ctx context.Context, args string) (string, error)
}

// Result is the outcome of a single tool execution.
type Result struct {
	// Content is the text handed back to the model.
	Content string

	// IsError reports whether the execution failed. The failure text is in
	// Content.
	IsError bool

	// Elapsed is the wall clock duration of the execution.
	Elapsed time.Duration
}

// entry pairs a registered tool with the MCP server it came from, if any.
type entry struct {
	tool   Tool
	server string // empty for built-in tools
}

// Registry holds the tools available to one session.
//
// The zero value is not usable; create instances with [New]. All methods are
// safe for concurrent use.
type Registry struct {
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	byName  map[string]entry
	order   []string // registration order, drives Describe
	servers map[string]*mcpsdk.ClientSession

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTimeout sets the per-call wall clock budget. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.Default(),
		timeout: defaultTimeout,
		byName:  make(map[string]entry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "loqui", Version: "1.0.0"},
			nil,
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry. A tool with the same name replaces
// the previous one, keeping its position in the catalogue order.
func (r *Registry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a non-nil handler", tool.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(entry{tool: tool})
	return nil
}

// registerLocked inserts or replaces an entry. Callers hold r.mu.
func (r *Registry) registerLocked(e entry) {
	name := e.tool.Definition.Name
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = e
	r.log.Debug("registered tool", "tool", name)
}

// Describe returns the definitions of all registered tools in registration
// order, ready to be offered to the LLM.
func (r *Registry) Describe() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byName[name].tool.Definition)
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Execute runs the tool named by call and returns its result.
//
// The call is bounded by the registry timeout. Handlers must honor ctx;
// a handler that ignores cancellation keeps its goroutine alive past the
// deadline, but the caller gets the timeout result immediately.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) Result {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.byName[call.Name]
	r.mu.RUnlock()

	if !ok {
		return Result{
			Content: fmt.Sprintf("unknown tool: %s", call.Name),
			IsError: true,
			Elapsed: time.Since(start),
		}
	}
	if call.ArgumentsInvalid {
		return Result{
			Content: fmt.Sprintf("tool %s received arguments that are not valid JSON", call.Name),
			IsError: true,
			Elapsed: time.Since(start),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		content, err := e.tool.Handler(ctx, call.Arguments)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			r.log.Warn("tool failed", "tool", call.Name, "err", out.err, "elapsed", elapsed)
			return Result{Content: out.err.Error(), IsError: true, Elapsed: elapsed}
		}
		return Result{Content: out.content, Elapsed: elapsed}

	case <-ctx.Done():
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.log.Warn("tool timed out", "tool", call.Name, "timeout", r.timeout)
			return Result{
				Content: fmt.Sprintf("tool %s timed out after %s", call.Name, r.timeout),
				IsError: true,
				Elapsed: elapsed,
			}
		}
		return Result{
			Content: fmt.Sprintf("tool %s cancelled", call.Name),
			IsError: true,
			Elapsed: elapsed,
		}
	}
}

// Close shuts down all MCP server connections and empties the registry.
// After Close returns the Registry must not be used again.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, session := range r.servers {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: closing server %q: %w", name, err))
		}
		delete(r.servers, name)
	}

	r.byName = make(map[string]entry)
	r.order = nil

	return errors.Join(errs...)
}
