package kernel

import (
	"context"

	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/pkg/kernel"
)

// Reconstructor is L4: replays an ancestor chain into a canonical ordered
// message list (§4.4).
type Reconstructor struct {
	nav *Navigator

	// flight coalesces concurrent ancestor walks at the same event: the
	// chain above a fixed event is immutable, so every concurrent caller
	// can share one walk. Entries clear on completion — this is pure
	// coalescing, not a cache.
	flight infra.Group[string, []*kernel.Event]
}

// NewReconstructor constructs a Message Reconstructor over the given
// Navigator.
func NewReconstructor(nav *Navigator) *Reconstructor {
	return &Reconstructor{nav: nav}
}

// MessagesAt walks ancestors(eventId) and collapses them into a canonical
// message list per the eight collapse rules in §4.4. If an assistant
// tool_use has no matching tool.result anywhere after it on the chain, the
// structurally-valid prefix is returned along with a non-nil diagnostic; the
// caller decides whether to discard the tail (use the returned prefix) or
// raise (treat diag as fatal).
func (r *Reconstructor) MessagesAt(ctx context.Context, eventID string) ([]kernel.Message, *kernel.DanglingToolUseError, error) {
	// Coalesced callers ride the winning caller's walk, including its
	// context: a cancelled winner fails the shared walk for everyone, and
	// the losers simply retry on their next call.
	chain, err, _ := r.flight.Do(eventID, func() ([]*kernel.Event, error) {
		return r.nav.Ancestors(ctx, eventID)
	})
	if err != nil {
		return nil, nil, err
	}

	var messages []kernel.Message
	eventIndex := make(map[string]int)
	pendingToolResult := -1

	for _, ev := range chain {
		switch ev.Type {
		case kernel.EventMessageUser:
			p := ev.Payload.(kernel.MessageUserPayload)
			messages = append(messages, kernel.Message{Role: kernel.RoleUser, Content: p.Content, SourceEventID: ev.ID})
			eventIndex[ev.ID] = len(messages) - 1
			pendingToolResult = -1

		case kernel.EventMessageAssist:
			p := ev.Payload.(kernel.MessageAssistantPayload)
			messages = append(messages, kernel.Message{Role: kernel.RoleAssistant, Content: p.Content, SourceEventID: ev.ID})
			eventIndex[ev.ID] = len(messages) - 1
			pendingToolResult = -1

		case kernel.EventToolCall:
			// Contributes nothing: the tool_use block already rode in on
			// the preceding assistant message.

		case kernel.EventToolResult:
			p := ev.Payload.(kernel.ToolResultPayload)
			block := kernel.ToolResultBlock{ToolCallID: p.ToolCallID, Content: p.Content, IsError: p.IsError}
			if pendingToolResult >= 0 && pendingToolResult == len(messages)-1 {
				messages[pendingToolResult].Content = append(messages[pendingToolResult].Content, block)
			} else {
				messages = append(messages, kernel.Message{Role: kernel.RoleUser, Content: []kernel.ContentBlock{block}, SourceEventID: ev.ID})
				pendingToolResult = len(messages) - 1
			}
			eventIndex[ev.ID] = pendingToolResult

		case kernel.EventMessageDeleted:
			p := ev.Payload.(kernel.MessageDeletedPayload)
			if idx, ok := eventIndex[p.TargetEventID]; ok {
				messages[idx] = kernel.Message{} // logical delete: leave a hole, compacted below
				messages[idx].SourceEventID = deletedMarker
				delete(eventIndex, p.TargetEventID)
				if pendingToolResult == idx {
					pendingToolResult = -1
				}
			}
			// Target not yet contributed: deletion is ignored per §4.4 rule 6.

		case kernel.EventCompactBoundary:
			p := ev.Payload.(kernel.CompactBoundaryPayload)
			messages = []kernel.Message{{
				Role:          kernel.RoleUser,
				Content:       []kernel.ContentBlock{kernel.TextBlock{Text: p.Summary}},
				SourceEventID: ev.ID,
			}}
			eventIndex = map[string]int{ev.ID: 0}
			pendingToolResult = -1

		case kernel.EventContextCleared:
			messages = nil
			eventIndex = make(map[string]int)
			pendingToolResult = -1

		default:
			// All other types are control-plane (§4.4 rule 1): contribute nothing.
		}
	}

	messages = compactDeleted(messages)

	if diag := findDanglingToolUse(messages); diag != nil {
		return truncateBefore(messages, diag.EventID), diag, nil
	}

	return messages, nil, nil
}

const deletedMarker = "\x00deleted"

func compactDeleted(messages []kernel.Message) []kernel.Message {
	out := make([]kernel.Message, 0, len(messages))
	for _, m := range messages {
		if m.SourceEventID == deletedMarker {
			continue
		}
		out = append(out, m)
	}
	return out
}

// findDanglingToolUse returns the first tool_use id with no matching
// tool_result anywhere later in the list, along with the assistant message's
// source event id.
func findDanglingToolUse(messages []kernel.Message) *kernel.DanglingToolUseError {
	for i, m := range messages {
		if m.Role != kernel.RoleAssistant {
			continue
		}
		for _, id := range m.ToolUseIDs() {
			if !hasLaterToolResult(messages, i, id) {
				return &kernel.DanglingToolUseError{ToolCallID: id, EventID: m.SourceEventID}
			}
		}
	}
	return nil
}

func hasLaterToolResult(messages []kernel.Message, fromIdx int, toolCallID string) bool {
	for _, m := range messages[fromIdx+1:] {
		for _, b := range m.Content {
			if tr, ok := b.(kernel.ToolResultBlock); ok && tr.ToolCallID == toolCallID {
				return true
			}
		}
	}
	return false
}

func truncateBefore(messages []kernel.Message, eventID string) []kernel.Message {
	for i, m := range messages {
		if m.SourceEventID == eventID {
			return messages[:i]
		}
	}
	return messages
}
