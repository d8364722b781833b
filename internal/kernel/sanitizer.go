package kernel

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// Sanitizer is L5: applies a closed, idempotent set of structural repairs to
// a reconstructed message list before it is shipped to a provider (§4.5).
type Sanitizer struct{}

// NewSanitizer constructs a Message Sanitizer. It holds no state: every call
// to Sanitize is independent and idempotent.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Sanitize applies the five closed-set repairs in order and returns the
// repaired list alongside a log of the fixes applied.
func (s *Sanitizer) Sanitize(messages []kernel.Message) ([]kernel.Message, []kernel.Fix) {
	var fixes []kernel.Fix

	messages, fixes = dropUnsignedThinkingOnly(messages, fixes)
	messages, fixes = dropEmptyAssistant(messages, fixes)
	messages, fixes = dropDanglingToolUse(messages, fixes)
	messages, fixes = dropOrphanToolResult(messages, fixes)
	messages, fixes = mergeAlternationViolations(messages, fixes)

	return messages, fixes
}

// rule 1: remove thinking-only assistant messages without a signature; a
// signed thinking block is preserved even if it is the message's only block.
func dropUnsignedThinkingOnly(messages []kernel.Message, fixes []kernel.Fix) ([]kernel.Message, []kernel.Fix) {
	out := make([]kernel.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == kernel.RoleAssistant && isUnsignedThinkingOnly(m) {
			fixes = append(fixes, kernel.Fix{Type: "removed_thinking_only_message", Detail: "removed thinking-only assistant message with no signature (event " + m.SourceEventID + ")"})
			continue
		}
		out = append(out, m)
	}
	return out, fixes
}

func isUnsignedThinkingOnly(m kernel.Message) bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		tb, ok := b.(kernel.ThinkingBlock)
		if !ok || tb.Signature != "" {
			return false
		}
	}
	return true
}

// rule 2: drop assistant messages left empty by rule 1 (or otherwise empty).
func dropEmptyAssistant(messages []kernel.Message, fixes []kernel.Fix) ([]kernel.Message, []kernel.Fix) {
	out := make([]kernel.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == kernel.RoleAssistant && len(m.Content) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out, fixes
}

// rule 3: strip (or drop) tool_use blocks whose id never appears in any
// following tool_result in the list.
func dropDanglingToolUse(messages []kernel.Message, fixes []kernel.Fix) ([]kernel.Message, []kernel.Fix) {
	out := make([]kernel.Message, 0, len(messages))
	for i, m := range messages {
		if m.Role != kernel.RoleAssistant || !m.HasToolUse() {
			out = append(out, m)
			continue
		}

		kept := make([]kernel.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			tu, ok := b.(kernel.ToolUseBlock)
			if !ok {
				kept = append(kept, b)
				continue
			}
			if hasLaterToolResult(messages, i, tu.ID) {
				kept = append(kept, b)
				continue
			}
			fixes = append(fixes, kernel.Fix{Type: "dangling_tool_use", Detail: "stripped orphan tool_use " + tu.ID + " (event " + m.SourceEventID + ")"})
		}

		if len(kept) == 0 {
			continue
		}
		m.Content = kept
		out = append(out, m)
	}
	return out, fixes
}

// rule 4: drop tool_result blocks whose id never appeared in a preceding
// assistant tool_use; drop the synthetic message entirely if left empty.
func dropOrphanToolResult(messages []kernel.Message, fixes []kernel.Fix) ([]kernel.Message, []kernel.Fix) {
	announced := make(map[string]bool)
	out := make([]kernel.Message, 0, len(messages))

	for _, m := range messages {
		if m.Role == kernel.RoleAssistant {
			for _, id := range m.ToolUseIDs() {
				announced[id] = true
			}
			out = append(out, m)
			continue
		}

		if !m.IsToolResultOnly() {
			out = append(out, m)
			continue
		}

		kept := make([]kernel.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			tr := b.(kernel.ToolResultBlock)
			if announced[tr.ToolCallID] {
				kept = append(kept, b)
			} else {
				fixes = append(fixes, kernel.Fix{Type: "orphan_tool_result", Detail: "dropped orphan tool_result " + tr.ToolCallID + " (event " + m.SourceEventID + ")"})
			}
		}
		if len(kept) == 0 {
			continue
		}
		m.Content = kept
		out = append(out, m)
	}
	return out, fixes
}

// rule 5: merge consecutive same-role messages, excluding synthetic
// tool-result-only user messages (L4 already merges those on ingestion).
func mergeAlternationViolations(messages []kernel.Message, fixes []kernel.Fix) ([]kernel.Message, []kernel.Fix) {
	if len(messages) == 0 {
		return messages, fixes
	}

	out := make([]kernel.Message, 0, len(messages))
	cur := messages[0]

	for _, next := range messages[1:] {
		if cur.Role == next.Role && !cur.IsToolResultOnly() && !next.IsToolResultOnly() {
			if cur.Role == kernel.RoleAssistant {
				cur.Content = append(cur.Content, next.Content...)
			} else {
				cur.Content = []kernel.ContentBlock{kernel.TextBlock{Text: joinText(cur) + "\n" + joinText(next)}}
			}
			fixes = append(fixes, kernel.Fix{Type: "merged_alternation", Detail: "merged consecutive " + string(cur.Role) + " messages (event " + next.SourceEventID + ")"})
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out, fixes
}

func joinText(m kernel.Message) string {
	var parts []string
	for _, b := range m.Content {
		if tb, ok := b.(kernel.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n")
}
