package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loquilabs/loqui/pkg/types"
)

// AttachServer connects to an external MCP server and imports its tools.
//
// command is either an executable invocation ("npx weather-server --city X"),
// launched as a subprocess over the stdio transport, or an http(s) URL for
// the streamable HTTP transport. Imported tools are registered under
// "<name>.<tool>" so they can never shadow a built-in tool. If a server with
// the same name is already attached, its connection is closed and its tools
// are replaced.
func (r *Registry) AttachServer(ctx context.Context, name, command string) error {
	if name == "" {
		return fmt.Errorf("tools: mcp server must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch {
	case strings.HasPrefix(command, "http://"), strings.HasPrefix(command, "https://"):
		transport = &mcpsdk.StreamableClientTransport{Endpoint: command}
	default:
		executable, args := splitCommand(command)
		if executable == "" {
			return fmt.Errorf("tools: mcp server %q requires a non-empty command", name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		transport = &mcpsdk.CommandTransport{Command: cmd}
	}

	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: failed to connect to mcp server %q: %w", name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: failed to list tools for mcp server %q: %w", name, err)
		}
		discovered = append(discovered, *tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Close the old connection if it exists and drop its tools.
	if old, ok := r.servers[name]; ok {
		_ = old.Close()
		r.removeServerToolsLocked(name)
	}
	r.servers[name] = session

	for _, tool := range discovered {
		r.registerLocked(entry{tool: r.serverTool(name, tool), server: name})
	}

	r.log.Info("attached mcp server", "server", name, "tools", len(discovered))
	return nil
}

// serverTool converts an official SDK tool into a registry Tool whose handler
// routes through the named server's session.
func (r *Registry) serverTool(server string, t mcpsdk.Tool) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        server + "." + t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		},
		Handler: r.mcpHandler(server, t.Name),
	}
}

// mcpHandler returns a handler that calls the named tool on the named server.
// The session is looked up at call time so a reattached server takes over
// without re-registering handlers.
func (r *Registry) mcpHandler(server, tool string) func(ctx context.Context, args string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		r.mu.RLock()
		session, ok := r.servers[server]
		r.mu.RUnlock()

		if !ok {
			return "", fmt.Errorf("tools: mcp server %q is not attached", server)
		}

		// Decode args into a map for the SDK.
		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("tools: invalid args JSON for %q: %w", tool, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("tools: call to %q failed: %w", tool, err)
		}

		// Concatenate all text content from the result.
		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}

		if result.IsError {
			if sb.Len() == 0 {
				return "", errors.New("tool reported an error")
			}
			return "", errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// removeServerToolsLocked drops every tool imported from the named server.
// Callers hold r.mu.
func (r *Registry) removeServerToolsLocked(server string) {
	kept := r.order[:0]
	for _, name := range r.order {
		if e, ok := r.byName[name]; ok && e.server == server {
			delete(r.byName, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
