package llm

import (
	"testing"

	"github.com/loquilabs/loqui/pkg/types"
)

func TestNormalizeToolCall_EmptyArguments(t *testing.T) {
	tc := types.ToolCall{ID: "c1", Name: "get_datetime"}
	NormalizeToolCall(&tc)
	if tc.Arguments != "{}" {
		t.Errorf("expected empty arguments to become {}, got %q", tc.Arguments)
	}
	if tc.ArgumentsInvalid {
		t.Error("empty arguments must not be flagged invalid")
	}
}

func TestNormalizeToolCall_ValidObject(t *testing.T) {
	tc := types.ToolCall{ID: "c1", Name: "calculate", Arguments: `{"expression":"2+2"}`}
	NormalizeToolCall(&tc)
	if tc.ArgumentsInvalid {
		t.Error("valid JSON object flagged invalid")
	}
	if tc.Arguments != `{"expression":"2+2"}` {
		t.Errorf("arguments rewritten unexpectedly: %q", tc.Arguments)
	}
}

func TestNormalizeToolCall_Invalid(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{"truncated object", `{"expression":"2+`},
		{"array payload", `[1,2,3]`},
		{"bare string", `"hello"`},
		{"garbage", `not json at all`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tc := types.ToolCall{ID: "c1", Name: "calculate", Arguments: tt.args}
			NormalizeToolCall(&tc)
			if !tc.ArgumentsInvalid {
				t.Errorf("expected %q to be flagged invalid", tt.args)
			}
		})
	}
}

func TestAssembleToolCalls_Empty(t *testing.T) {
	if got := AssembleToolCalls(nil); got != nil {
		t.Errorf("expected nil for empty accumulator, got %v", got)
	}
	if got := AssembleToolCalls(map[int]*types.ToolCall{}); got != nil {
		t.Errorf("expected nil for empty map, got %v", got)
	}
}

func TestAssembleToolCalls_OrderedByIndex(t *testing.T) {
	accum := map[int]*types.ToolCall{
		2: {ID: "c", Name: "third", Arguments: `{}`},
		0: {ID: "a", Name: "first", Arguments: `{}`},
		1: {ID: "b", Name: "second", Arguments: `{}`},
	}
	out := AssembleToolCalls(accum)
	if len(out) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(out))
	}
	for i, want := range []string{"first", "second", "third"} {
		if out[i].Name != want {
			t.Errorf("position %d: expected %q, got %q", i, want, out[i].Name)
		}
	}
}

func TestAssembleToolCalls_SparseIndices(t *testing.T) {
	// Indices need not be contiguous; assembly must not drop calls.
	accum := map[int]*types.ToolCall{
		0: {ID: "a", Name: "first", Arguments: `{}`},
		5: {ID: "b", Name: "second", Arguments: `{}`},
	}
	out := AssembleToolCalls(accum)
	if len(out) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(out))
	}
	if out[0].Name != "first" || out[1].Name != "second" {
		t.Errorf("unexpected order: %v", out)
	}
}

func TestAssembleToolCalls_NormalizesEach(t *testing.T) {
	accum := map[int]*types.ToolCall{
		0: {ID: "a", Name: "ok", Arguments: `{"x":1}`},
		1: {ID: "b", Name: "broken", Arguments: `{"x":`},
		2: {ID: "c", Name: "bare"},
	}
	out := AssembleToolCalls(accum)
	if out[0].ArgumentsInvalid {
		t.Error("valid call flagged invalid")
	}
	if !out[1].ArgumentsInvalid {
		t.Error("truncated call not flagged invalid")
	}
	if out[2].Arguments != "{}" {
		t.Errorf("bare call arguments not defaulted, got %q", out[2].Arguments)
	}
	// The accumulator entries themselves must not be mutated.
	if accum[2].Arguments != "" {
		t.Error("assembly mutated the accumulator entry")
	}
}
