package turns

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendIsCopiedIn(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "double", Arguments: json.RawMessage(`{"x":21}`)}
	msg := NewAssistantMessage("", call)

	h := NewHistory(NewUserMessage("hi"))
	h.Append(msg)

	// mutating the caller's copy must not leak into the history
	msg.Parts[0].ToolCall.Name = "mutated"

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, RoleUser, snap[0].Role)
	require.Equal(t, "hi", snap[0].Text())
	calls := snap[1].ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "double", calls[0].Name)
	require.JSONEq(t, `{"x":21}`, string(calls[0].Arguments))
}

func TestHistory_SnapshotIsIndependent(t *testing.T) {
	h := NewHistory(NewToolResultMessage(ToolResult{ID: "c1", Name: "double", Content: json.RawMessage(`{"result":42}`)}))

	snap := h.Snapshot()
	snap[0].Parts[0].ToolResult.Name = "changed"

	again := h.Snapshot()
	require.Equal(t, "double", again[0].ToolResults()[0].Name)
}

func TestHistory_Since(t *testing.T) {
	h := NewHistoryBuilder().WithSystemPrompt("sys").WithUserPrompt("q").Build()
	require.Equal(t, 2, h.Len())

	h.Append(NewAssistantMessage("a"))
	tail := h.Since(2)
	require.Len(t, tail, 1)
	require.Equal(t, RoleAssistant, tail[0].Role)
	require.Empty(t, h.Since(10))

	last, ok := h.Last()
	require.True(t, ok)
	require.Equal(t, "a", last.Text())
}

func TestHistory_ConcurrentReadersSeePrefix(t *testing.T) {
	h := NewHistory()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Append(NewUserMessage("m"))
		}
	}()
	go func() {
		defer wg.Done()
		prev := 0
		for i := 0; i < 200; i++ {
			n := len(h.Snapshot())
			assert.GreaterOrEqual(t, n, prev)
			prev = n
		}
	}()
	wg.Wait()
	require.Equal(t, 200, h.Len())
}

func TestToolResult_IsError(t *testing.T) {
	require.False(t, ToolResult{ID: "1", Content: json.RawMessage(`1`)}.IsError())
	require.True(t, ToolResult{ID: "1", ErrorKind: "unknown_tool"}.IsError())
}
