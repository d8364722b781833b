package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

func appendEvent(t *testing.T, ctx context.Context, log *EventLog, sessionID string, typ kernel.EventType, payload kernel.EventPayload) *kernel.Event {
	t.Helper()
	ev, err := log.Append(ctx, sessionID, typ, payload, AppendOpts{})
	if err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
	return ev
}

// TestBasicTurnWithOneToolCall is scenario S1.
func TestBasicTurnWithOneToolCall(t *testing.T) {
	ctx := context.Background()
	log, registry := newTestLog()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	appendEvent(t, ctx, log, sess.ID, kernel.EventMessageUser, kernel.MessageUserPayload{
		Content: []kernel.ContentBlock{kernel.TextBlock{Text: "Read test.ts"}},
	})
	appendEvent(t, ctx, log, sess.ID, kernel.EventStreamTurnStart, kernel.StreamTurnStartPayload{Turn: 1})
	appendEvent(t, ctx, log, sess.ID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{
		Content: []kernel.ContentBlock{
			kernel.TextBlock{Text: "Reading..."},
			kernel.ToolUseBlock{ID: "tc_1", Name: "Read", Input: json.RawMessage(`{"file_path":"test.ts"}`)},
		},
	})
	appendEvent(t, ctx, log, sess.ID, kernel.EventToolCall, kernel.ToolCallPayload{ToolCallID: "tc_1", Name: "Read"})
	head := appendEvent(t, ctx, log, sess.ID, kernel.EventToolResult, kernel.ToolResultPayload{ToolCallID: "tc_1", Content: "FILE"})
	appendEvent(t, ctx, log, sess.ID, kernel.EventStreamTurnEnd, kernel.StreamTurnEndPayload{Turn: 1})

	recon := NewReconstructor(NewNavigator(log))
	sess2, _ := registry.Get(sess.ID)
	messages, dangling, err := recon.MessagesAt(ctx, sess2.HeadEventID)
	if err != nil {
		t.Fatalf("messages at: %v", err)
	}
	if dangling != nil {
		t.Fatalf("unexpected dangling tool_use: %v", dangling)
	}

	sanitizer := NewSanitizer()
	sanitized, _ := sanitizer.Sanitize(messages)

	if len(sanitized) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(sanitized), sanitized)
	}
	if sanitized[0].Role != kernel.RoleUser || len(sanitized[0].Content) != 1 {
		t.Fatalf("expected first message to be the user prompt, got %+v", sanitized[0])
	}
	if sanitized[1].Role != kernel.RoleAssistant || len(sanitized[1].Content) != 2 {
		t.Fatalf("expected second message to be assistant(text,tool_use), got %+v", sanitized[1])
	}
	if !sanitized[1].HasToolUse() {
		t.Fatalf("expected assistant message to carry a tool_use block")
	}
	if !sanitized[2].IsToolResultOnly() {
		t.Fatalf("expected third message to be a synthetic tool-result-only user message, got %+v", sanitized[2])
	}
	trb, ok := sanitized[2].Content[0].(kernel.ToolResultBlock)
	if !ok || trb.ToolCallID != "tc_1" || trb.Content != "FILE" {
		t.Fatalf("unexpected tool result content: %+v", sanitized[2].Content[0])
	}

	_ = head
}

// TestParallelToolCallsPreserveOrder is scenario S3.
func TestParallelToolCallsPreserveOrder(t *testing.T) {
	ctx := context.Background()
	log, registry := newTestLog()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids := []string{"tc_1", "tc_2", "tc_3"}
	blocks := make([]kernel.ContentBlock, 0, len(ids))
	for _, id := range ids {
		blocks = append(blocks, kernel.ToolUseBlock{ID: id, Name: "Tool"})
	}
	appendEvent(t, ctx, log, sess.ID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{Content: blocks})
	for _, id := range ids {
		appendEvent(t, ctx, log, sess.ID, kernel.EventToolCall, kernel.ToolCallPayload{ToolCallID: id, Name: "Tool"})
	}
	for _, id := range ids {
		appendEvent(t, ctx, log, sess.ID, kernel.EventToolResult, kernel.ToolResultPayload{ToolCallID: id, Content: "ok " + id})
	}

	recon := NewReconstructor(NewNavigator(log))
	sess2, _ := registry.Get(sess.ID)
	messages, dangling, err := recon.MessagesAt(ctx, sess2.HeadEventID)
	if err != nil {
		t.Fatalf("messages at: %v", err)
	}
	if dangling != nil {
		t.Fatalf("unexpected dangling tool_use: %v", dangling)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages (assistant, synthetic tool-result user), got %d", len(messages))
	}
	if len(messages[0].Content) != 3 {
		t.Fatalf("expected assistant message to carry all 3 tool_use blocks, got %d", len(messages[0].Content))
	}
	if len(messages[1].Content) != 3 {
		t.Fatalf("expected synthetic user message to carry all 3 tool_result blocks, got %d", len(messages[1].Content))
	}
	for i, id := range ids {
		tr := messages[1].Content[i].(kernel.ToolResultBlock)
		if tr.ToolCallID != id {
			t.Fatalf("expected tool_result order to match announcement order, got %q at index %d, want %q", tr.ToolCallID, i, id)
		}
	}
}

// TestCompactionBoundaryReplacesPriorMessages is scenario S6.
func TestCompactionBoundaryReplacesPriorMessages(t *testing.T) {
	ctx := context.Background()
	log, registry := newTestLog()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		appendEvent(t, ctx, log, sess.ID, kernel.EventMessageUser, kernel.MessageUserPayload{Content: []kernel.ContentBlock{kernel.TextBlock{Text: "prior"}}})
		appendEvent(t, ctx, log, sess.ID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{Content: []kernel.ContentBlock{kernel.TextBlock{Text: "reply"}}})
	}
	appendEvent(t, ctx, log, sess.ID, kernel.EventCompactBoundary, kernel.CompactBoundaryPayload{Summary: "S", OriginalTokens: 1000, CompactedTokens: 100})
	appendEvent(t, ctx, log, sess.ID, kernel.EventMessageUser, kernel.MessageUserPayload{Content: []kernel.ContentBlock{kernel.TextBlock{Text: "after"}}})

	recon := NewReconstructor(NewNavigator(log))
	sess2, _ := registry.Get(sess.ID)
	messages, _, err := recon.MessagesAt(ctx, sess2.HeadEventID)
	if err != nil {
		t.Fatalf("messages at: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected [summary, after], got %d messages: %+v", len(messages), messages)
	}
	tb, ok := messages[0].Content[0].(kernel.TextBlock)
	if !ok || tb.Text != "S" {
		t.Fatalf("expected first message to be the compaction summary, got %+v", messages[0])
	}
}

// TestCanonicalToolOrdering verifies invariant 5: a tool.call for id T is
// always preceded by the message.assistant announcing tool_use{id=T}, and a
// tool.result for T is always preceded by its tool.call.
func TestCanonicalToolOrdering(t *testing.T) {
	ctx := context.Background()
	log, registry := newTestLog()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	appendEvent(t, ctx, log, sess.ID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{
		Content: []kernel.ContentBlock{kernel.ToolUseBlock{ID: "tc_1", Name: "Tool"}},
	})
	appendEvent(t, ctx, log, sess.ID, kernel.EventToolCall, kernel.ToolCallPayload{ToolCallID: "tc_1", Name: "Tool"})
	appendEvent(t, ctx, log, sess.ID, kernel.EventToolResult, kernel.ToolResultPayload{ToolCallID: "tc_1", Content: "ok"})

	sess2, _ := registry.Get(sess.ID)
	nav := NewNavigator(log)
	chain, err := nav.Ancestors(ctx, sess2.HeadEventID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}

	var assistantIdx, callIdx, resultIdx = -1, -1, -1
	for i, ev := range chain {
		switch ev.Type {
		case kernel.EventMessageAssist:
			assistantIdx = i
		case kernel.EventToolCall:
			if ev.Payload.(kernel.ToolCallPayload).ToolCallID == "tc_1" {
				callIdx = i
			}
		case kernel.EventToolResult:
			if ev.Payload.(kernel.ToolResultPayload).ToolCallID == "tc_1" {
				resultIdx = i
			}
		}
	}
	if assistantIdx < 0 || callIdx < 0 || resultIdx < 0 {
		t.Fatalf("expected all three events on the chain")
	}
	if !(assistantIdx < callIdx && callIdx < resultIdx) {
		t.Fatalf("expected strict order assistant < call < result, got %d, %d, %d", assistantIdx, callIdx, resultIdx)
	}
}
