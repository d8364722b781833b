package kernel

import (
	"testing"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// TestForkWithInterruptedThinkingOnlyMessage is scenario S2: a fork lands
// right after an interrupted assistant turn consisting of a single unsigned
// thinking block. Sanitize must remove it and report a
// removed_thinking_only_message fix, leaving an alternation-valid result.
func TestForkWithInterruptedThinkingOnlyMessage(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "think about it"}}, SourceEventID: "e1"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.ThinkingBlock{Text: "hmm, still reasoning"}}, SourceEventID: "e2"},
	}

	s := NewSanitizer()
	out, fixes := s.Sanitize(messages)

	if len(out) != 1 {
		t.Fatalf("expected the interrupted thinking-only message to be removed, got %d messages: %+v", len(out), out)
	}
	if out[0].Role != kernel.RoleUser {
		t.Fatalf("expected only the user message to remain, got %+v", out[0])
	}

	found := false
	for _, f := range fixes {
		if f.Type == "removed_thinking_only_message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a removed_thinking_only_message fix, got %+v", fixes)
	}
}

// TestSignedThinkingOnlyMessageSurvives confirms the exception carved out by
// rule 1: a signed thinking block is kept even as the message's only block.
func TestSignedThinkingOnlyMessageSurvives(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.ThinkingBlock{Text: "signed reasoning", Signature: "sig-1"}}, SourceEventID: "e1"},
	}

	s := NewSanitizer()
	out, fixes := s.Sanitize(messages)

	if len(out) != 1 {
		t.Fatalf("expected the signed thinking-only message to survive, got %+v", out)
	}
	for _, f := range fixes {
		if f.Type == "removed_thinking_only_message" {
			t.Fatalf("did not expect a removal fix for a signed thinking block, got %+v", fixes)
		}
	}
}

// TestSanitizeIsIdempotent verifies sanitize(sanitize(x)) == sanitize(x): a
// second pass over an already-sanitized list reports no further fixes and
// returns an identical message list.
func TestSanitizeIsIdempotent(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "hi"}}, SourceEventID: "e1"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.ThinkingBlock{Text: "unsigned"}}, SourceEventID: "e2"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.ToolUseBlock{ID: "tc_1", Name: "Tool"}}, SourceEventID: "e3"},
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.ToolResultBlock{ToolCallID: "tc_1", Content: "ok"}}, SourceEventID: "e4"},
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "more"}}, SourceEventID: "e5"},
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "even more"}}, SourceEventID: "e6"},
	}

	s := NewSanitizer()
	once, firstFixes := s.Sanitize(messages)
	if len(firstFixes) == 0 {
		t.Fatalf("expected the first pass to report fixes (unsigned thinking + merged alternation)")
	}

	twice, secondFixes := s.Sanitize(once)
	if len(secondFixes) != 0 {
		t.Fatalf("expected a second pass over already-sanitized output to report no fixes, got %+v", secondFixes)
	}
	if len(once) != len(twice) {
		t.Fatalf("expected sanitize(sanitize(x)) to equal sanitize(x) in length: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Role != twice[i].Role || len(once[i].Content) != len(twice[i].Content) {
			t.Fatalf("expected identical message at index %d, got %+v vs %+v", i, once[i], twice[i])
		}
	}
}

// TestAlternationIsRestored verifies invariant 6: after sanitization no two
// consecutive non-synthetic messages share the same role.
func TestAlternationIsRestored(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "a"}}, SourceEventID: "e1"},
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "b"}}, SourceEventID: "e2"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "c"}}, SourceEventID: "e3"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "d"}}, SourceEventID: "e4"},
	}

	s := NewSanitizer()
	out, _ := s.Sanitize(messages)

	for i := 1; i < len(out); i++ {
		if out[i].Role == out[i-1].Role && !out[i].IsToolResultOnly() && !out[i-1].IsToolResultOnly() {
			t.Fatalf("expected no consecutive same-role messages after sanitize, got %+v at %d and %d", out, i-1, i)
		}
	}
	if len(out) != 2 {
		t.Fatalf("expected the two user and two assistant messages to merge into one each, got %d: %+v", len(out), out)
	}
}

// TestDanglingToolUseIsStripped covers rule 3 and its pairing with rule 2:
// an assistant message whose only block is an unmatched tool_use is dropped
// entirely once the dangling block is stripped.
func TestDanglingToolUseIsStripped(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "go"}}, SourceEventID: "e1"},
		{Role: kernel.RoleAssistant, Content: []kernel.ContentBlock{kernel.ToolUseBlock{ID: "tc_orphan", Name: "Tool"}}, SourceEventID: "e2"},
	}

	s := NewSanitizer()
	out, fixes := s.Sanitize(messages)

	if len(out) != 1 {
		t.Fatalf("expected the orphan tool_use assistant message to be dropped, got %+v", out)
	}
	found := false
	for _, f := range fixes {
		if f.Type == "dangling_tool_use" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dangling_tool_use fix, got %+v", fixes)
	}
}

// TestOrphanToolResultIsDropped covers rule 4: a synthetic tool-result-only
// message whose id was never announced by a preceding assistant message is
// dropped in its entirety.
func TestOrphanToolResultIsDropped(t *testing.T) {
	messages := []kernel.Message{
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.ToolResultBlock{ToolCallID: "tc_ghost", Content: "nope"}}, SourceEventID: "e1"},
		{Role: kernel.RoleUser, Content: []kernel.ContentBlock{kernel.TextBlock{Text: "next"}}, SourceEventID: "e2"},
	}

	s := NewSanitizer()
	out, fixes := s.Sanitize(messages)

	if len(out) != 1 || out[0].SourceEventID != "e2" {
		t.Fatalf("expected the orphan tool_result message to be dropped, got %+v", out)
	}
	found := false
	for _, f := range fixes {
		if f.Type == "orphan_tool_result" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an orphan_tool_result fix, got %+v", fixes)
	}
}
