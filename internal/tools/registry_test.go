package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loquilabs/loqui/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// echoTool returns a Tool that echoes its args back as the result.
func echoTool(name string) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name, Description: "echoes args"},
		Handler: func(_ context.Context, args string) (string, error) {
			return args, nil
		},
	}
}

// failTool returns a Tool that always returns an error.
func failTool(name string) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name},
		Handler: func(_ context.Context, _ string) (string, error) {
			return "", fmt.Errorf("always fails")
		},
	}
}

// slowTool returns a Tool that sleeps for delay before responding, honoring
// context cancellation.
func slowTool(name string, delay time.Duration) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name},
		Handler: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
				return "ok", nil
			}
		},
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

// TestRegister verifies that a registered tool appears in Describe.
func TestRegister(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(echoTool("greet")))

	defs := r.Describe()
	if len(defs) != 1 || defs[0].Name != "greet" {
		t.Errorf("Describe = %+v, want single tool %q", defs, "greet")
	}
}

// TestRegisterEmptyName verifies that an empty name is rejected.
func TestRegisterEmptyName(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	err := r.Register(Tool{
		Handler: func(_ context.Context, _ string) (string, error) { return "", nil },
	})
	if err == nil {
		t.Error("expected error for empty name, got nil")
	}
}

// TestRegisterNilHandler verifies that a nil handler is rejected.
func TestRegisterNilHandler(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	err := r.Register(Tool{
		Definition: types.ToolDefinition{Name: "no-handler"},
	})
	if err == nil {
		t.Error("expected error for nil handler, got nil")
	}
}

// TestRegisterReplaceKeepsOrder verifies that re-registering a name replaces
// the tool without moving it in the catalogue.
func TestRegisterReplaceKeepsOrder(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(echoTool("a")))
	must(t, r.Register(echoTool("b")))

	replacement := echoTool("a")
	replacement.Definition.Description = "replaced"
	must(t, r.Register(replacement))

	defs := r.Describe()
	if len(defs) != 2 {
		t.Fatalf("Describe returned %d tools, want 2", len(defs))
	}
	if defs[0].Name != "a" || defs[1].Name != "b" {
		t.Errorf("order = [%s %s], want [a b]", defs[0].Name, defs[1].Name)
	}
	if defs[0].Description != "replaced" {
		t.Errorf("Description = %q, want %q", defs[0].Description, "replaced")
	}
}

// TestDescribeOrder verifies that Describe preserves registration order.
func TestDescribeOrder(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		must(t, r.Register(echoTool(name)))
	}

	defs := r.Describe()
	got := make([]string, len(defs))
	for i, d := range defs {
		got[i] = d.Name
	}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// TestExecute verifies that Execute calls the handler and returns its output.
func TestExecute(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(echoTool("echo")))

	res := r.Execute(context.Background(), types.ToolCall{Name: "echo", Arguments: `{"msg":"hello"}`})
	if res.IsError {
		t.Fatalf("IsError = true, content: %s", res.Content)
	}
	if res.Content != `{"msg":"hello"}` {
		t.Errorf("Content = %q, want %q", res.Content, `{"msg":"hello"}`)
	}
	if res.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}
}

// TestExecuteUnknownTool verifies that an unknown name yields an error-flagged
// result, not a crash.
func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	res := r.Execute(context.Background(), types.ToolCall{Name: "nonexistent", Arguments: "{}"})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("Content = %q, want mention of unknown tool", res.Content)
	}
}

// TestExecuteHandlerError verifies that a handler error becomes an
// error-flagged result carrying the error text.
func TestExecuteHandlerError(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(failTool("boom")))

	res := r.Execute(context.Background(), types.ToolCall{Name: "boom", Arguments: "{}"})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if res.Content != "always fails" {
		t.Errorf("Content = %q, want %q", res.Content, "always fails")
	}
}

// TestExecuteInvalidArgumentsFlag verifies that a call flagged by the LLM
// adapter as malformed is never executed.
func TestExecuteInvalidArgumentsFlag(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	called := false
	must(t, r.Register(Tool{
		Definition: types.ToolDefinition{Name: "probe"},
		Handler: func(_ context.Context, _ string) (string, error) {
			called = true
			return "ran", nil
		},
	}))

	res := r.Execute(context.Background(), types.ToolCall{
		Name:             "probe",
		Arguments:        `{"broken`,
		ArgumentsInvalid: true,
	})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if called {
		t.Error("handler ran despite ArgumentsInvalid")
	}
	if !strings.Contains(res.Content, "not valid JSON") {
		t.Errorf("Content = %q, want mention of invalid JSON", res.Content)
	}
}

// TestExecutePanicRecovered verifies that a panicking handler is contained.
func TestExecutePanicRecovered(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(Tool{
		Definition: types.ToolDefinition{Name: "kaboom"},
		Handler: func(_ context.Context, _ string) (string, error) {
			panic("unexpected state")
		},
	}))

	res := r.Execute(context.Background(), types.ToolCall{Name: "kaboom", Arguments: "{}"})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "panicked") {
		t.Errorf("Content = %q, want mention of panic", res.Content)
	}
}

// TestExecuteTimeout verifies that a slow tool is cut off at the registry
// timeout and reported as an error result.
func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	r := New(WithTimeout(50 * time.Millisecond))
	defer r.Close()

	must(t, r.Register(slowTool("slow", 5*time.Second)))

	start := time.Now()
	res := r.Execute(context.Background(), types.ToolCall{Name: "slow", Arguments: "{}"})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "timed out") {
		t.Errorf("Content = %q, want mention of timeout", res.Content)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute took %s, should return at the timeout", elapsed)
	}
}

// TestExecuteCancelled verifies that cancelling the caller context aborts the
// call with an error result.
func TestExecuteCancelled(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	must(t, r.Register(slowTool("slow", 5*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := r.Execute(ctx, types.ToolCall{Name: "slow", Arguments: "{}"})
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "cancelled") {
		t.Errorf("Content = %q, want mention of cancellation", res.Content)
	}
}

// TestClose verifies that Close empties the registry.
func TestClose(t *testing.T) {
	t.Parallel()
	r := New()

	must(t, r.Register(echoTool("x")))

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := r.Len(); n != 0 {
		t.Errorf("tools after Close: %d, want 0", n)
	}
}

// TestConcurrentRegisterAndDescribe verifies no data races under concurrent
// registration and catalogue listing.
func TestConcurrentRegisterAndDescribe(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	done := make(chan struct{})
	go func() {
		for i := range 50 {
			_ = r.Register(echoTool(fmt.Sprintf("tool-%d", i)))
		}
		close(done)
	}()

	for range 50 {
		r.Describe()
		r.Names()
	}
	<-done

	if n := r.Len(); n != 50 {
		t.Errorf("Len = %d, want 50", n)
	}
}
