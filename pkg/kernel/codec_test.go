package kernel

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalUnmarshalEventRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cases := []struct {
		name    string
		typ     EventType
		payload EventPayload
	}{
		{"session.start", EventSessionStart, SessionStartPayload{WorkingDirectory: "/work", Model: "test-model"}},
		{"session.fork", EventSessionFork, SessionForkPayload{Name: "branch-a"}},
		{"session.end", EventSessionEnd, SessionEndPayload{Reason: "done"}},
		{"message.user", EventMessageUser, MessageUserPayload{Content: []ContentBlock{TextBlock{Text: "hello"}}}},
		{"message.assistant", EventMessageAssist, MessageAssistantPayload{
			Content: []ContentBlock{
				ThinkingBlock{Text: "thinking", Signature: "sig-1"},
				TextBlock{Text: "reply"},
				ToolUseBlock{ID: "tc_1", Name: "Read", Input: json.RawMessage(`{"path":"a.go"}`)},
			},
			Interrupted: true,
			RunInfo:     RunInfo{RunID: "run-1", ParentRunID: "run-0", Depth: 1},
		}},
		{"message.deleted", EventMessageDeleted, MessageDeletedPayload{TargetEventID: "e1"}},
		{"tool.call", EventToolCall, ToolCallPayload{ToolCallID: "tc_1", Name: "Read", Arguments: json.RawMessage(`{"path":"a.go"}`), RunInfo: RunInfo{RunID: "run-1"}}},
		{"tool.result", EventToolResult, ToolResultPayload{ToolCallID: "tc_1", Content: "FILE", IsError: false, RunInfo: RunInfo{RunID: "run-1"}}},
		{"stream.turn_start", EventStreamTurnStart, StreamTurnStartPayload{Turn: 2, RunInfo: RunInfo{RunID: "run-1"}}},
		{"stream.turn_end", EventStreamTurnEnd, StreamTurnEndPayload{Turn: 2, Interrupted: true, RunInfo: RunInfo{RunID: "run-1"}}},
		{"compact.boundary", EventCompactBoundary, CompactBoundaryPayload{Summary: "S", OriginalTokens: 900, CompactedTokens: 90}},
		{"context.cleared", EventContextCleared, ContextClearedPayload{}},
		{"config.model_switch", EventConfigModelSwitch, ConfigModelSwitchPayload{Model: "new-model"}},
		{"skill.added", EventSkillAdded, SkillAddedPayload{Name: "skill-a"}},
		{"skill.removed", EventSkillRemoved, SkillRemovedPayload{Name: "skill-a"}},
		{"rules.loaded", EventRulesLoaded, RulesLoadedPayload{Names: []string{"r1", "r2"}}},
		{"hook.triggered", EventHookTriggered, HookTriggeredPayload{Name: "pre-commit"}},
		{"hook.completed", EventHookCompleted, HookCompletedPayload{Name: "pre-commit", Success: true}},
		{"error.provider", EventErrorProvider, ErrorProviderPayload{Message: "rate limited", Retryable: true, RunInfo: RunInfo{RunID: "run-1"}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev := &Event{
				ID:        "e-" + c.name,
				SessionID: "s1",
				ParentID:  "e-parent",
				Sequence:  7,
				Type:      c.typ,
				Timestamp: base,
				Payload:   c.payload,
			}

			data, err := MarshalEvent(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			got, err := UnmarshalEvent(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if got.ID != ev.ID || got.SessionID != ev.SessionID || got.ParentID != ev.ParentID || got.Sequence != ev.Sequence || got.Type != ev.Type {
				t.Fatalf("envelope mismatch: got %+v, want %+v", got, ev)
			}
			if !got.Timestamp.Equal(ev.Timestamp) {
				t.Fatalf("timestamp mismatch: got %v, want %v", got.Timestamp, ev.Timestamp)
			}

			wantJSON, err := json.Marshal(ev.Payload)
			if err != nil {
				t.Fatalf("marshal want payload: %v", err)
			}
			gotJSON, err := json.Marshal(got.Payload)
			if err != nil {
				t.Fatalf("marshal got payload: %v", err)
			}
			if string(wantJSON) != string(gotJSON) {
				t.Fatalf("payload mismatch after round trip:\n got:  %s\n want: %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestUnmarshalPayloadMatchesUnmarshalEvent(t *testing.T) {
	ev := &Event{
		ID:        "e1",
		SessionID: "s1",
		Sequence:  1,
		Type:      EventToolResult,
		Timestamp: time.Now(),
		Payload:   ToolResultPayload{ToolCallID: "tc_1", Content: "ok", IsError: true},
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	got, err := UnmarshalPayload(ev.Type, raw)
	if err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	trp, ok := got.(ToolResultPayload)
	if !ok {
		t.Fatalf("expected ToolResultPayload, got %T", got)
	}
	if trp.ToolCallID != "tc_1" || trp.Content != "ok" || !trp.IsError {
		t.Fatalf("unexpected decoded payload: %+v", trp)
	}
}

func TestUnmarshalEventRejectsUnknownType(t *testing.T) {
	ev := &Event{ID: "e1", SessionID: "s1", Type: EventType("bogus.type"), Timestamp: time.Now(), Payload: SessionStartPayload{}}
	data, err := MarshalEvent(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalEvent(data); err == nil {
		t.Fatalf("expected an error decoding an unknown event type")
	}
}

func TestContentBlockRoundTripViaMessagePayload(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock{Text: "hi"},
		ThinkingBlock{Text: "reasoning", Signature: "sig"},
		ToolUseBlock{ID: "tc_1", Name: "Tool", Input: json.RawMessage(`{"a":1}`)},
		ToolResultBlock{ToolCallID: "tc_1", Content: "result", IsError: true},
	}

	data, err := json.Marshal(MessageUserPayload{Content: blocks})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := decodePayload(EventMessageUser, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := got.(MessageUserPayload)
	if !ok {
		t.Fatalf("expected MessageUserPayload, got %T", got)
	}
	if len(p.Content) != len(blocks) {
		t.Fatalf("expected %d blocks, got %d", len(blocks), len(p.Content))
	}

	tb, ok := p.Content[0].(TextBlock)
	if !ok || tb.Text != "hi" {
		t.Fatalf("block 0 mismatch: got %+v", p.Content[0])
	}
	th, ok := p.Content[1].(ThinkingBlock)
	if !ok || th.Text != "reasoning" || th.Signature != "sig" {
		t.Fatalf("block 1 mismatch: got %+v", p.Content[1])
	}
	tu, ok := p.Content[2].(ToolUseBlock)
	if !ok || tu.ID != "tc_1" || tu.Name != "Tool" || string(tu.Input) != `{"a":1}` {
		t.Fatalf("block 2 mismatch: got %+v", p.Content[2])
	}
	tr, ok := p.Content[3].(ToolResultBlock)
	if !ok || tr.ToolCallID != "tc_1" || tr.Content != "result" || !tr.IsError {
		t.Fatalf("block 3 mismatch: got %+v", p.Content[3])
	}
}
