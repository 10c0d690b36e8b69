package turns

import (
	"fmt"
	"io"
)

// FprintHistory prints messages in a readable transcript form to the provided writer.
func FprintHistory(w io.Writer, msgs []Message) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.Kind {
			case PartKindText:
				fmt.Fprintf(w, "%s: %s\n", m.Role, p.Text)
			case PartKindToolCall:
				if p.ToolCall == nil {
					continue
				}
				fmt.Fprintf(w, "tool_call[%s]: %s %s\n", p.ToolCall.ID, p.ToolCall.Name, string(p.ToolCall.Arguments))
			case PartKindToolResult:
				if p.ToolResult == nil {
					continue
				}
				if p.ToolResult.IsError() {
					fmt.Fprintf(w, "tool_result[%s]: error (%s): %s\n", p.ToolResult.ID, p.ToolResult.ErrorKind, p.ToolResult.Error)
					continue
				}
				fmt.Fprintf(w, "tool_result[%s]: %s\n", p.ToolResult.ID, string(p.ToolResult.Content))
			default:
				fmt.Fprintf(w, "%s: <unknown part %q>\n", m.Role, p.Kind)
			}
		}
	}
}
