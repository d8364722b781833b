package kernel

import (
	"context"
	"strings"

	agentcontext "github.com/haasonsaas/nexus/internal/agent/context"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/pkg/kernel"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Compactor is the mechanical half of compaction (§1's carve-out: the
// compact.boundary event is in scope, deciding what to put in its summary is
// not). It reconstructs a session's canonical history, prunes stale tool
// result content the same way the teacher's context packer does, and
// records the reduction as a compact.boundary event. It never generates a
// narrative summary of the pruned content — Summary instead records the
// mechanical reduction that was applied.
type Compactor struct {
	reconstructor *Reconstructor
	linearizer    *Linearizer
	settings      agentcontext.ContextPruningSettings
	charWindow    int
	auditLog      *audit.Logger
}

// SetAuditLogger attaches an audit trail; every compaction that reduced
// content is recorded as a session.compact audit event. Nil-safe.
func (c *Compactor) SetAuditLogger(l *audit.Logger) { c.auditLog = l }

// NewCompactor constructs a Compactor over the given Reconstructor and
// Linearizer, using the teacher's default pruning settings.
func NewCompactor(reconstructor *Reconstructor, linearizer *Linearizer, charWindow int) *Compactor {
	if charWindow <= 0 {
		charWindow = 30000
	}
	return &Compactor{
		reconstructor: reconstructor,
		linearizer:    linearizer,
		settings:      agentcontext.DefaultContextPruningSettings(),
		charWindow:    charWindow,
	}
}

// Compact reconstructs sessionID's history up to headEventID, prunes stale
// tool result content, and — if anything was actually pruned — appends a
// compact.boundary event recording the before/after character counts. It
// returns the appended event, or nil if nothing needed pruning.
func (c *Compactor) Compact(ctx context.Context, sessionID, headEventID string) (*kernel.Event, error) {
	messages, _, err := c.reconstructor.MessagesAt(ctx, headEventID)
	if err != nil {
		return nil, err
	}

	legacy := toLegacyMessages(messages)
	before := sumMessageChars(legacy)

	pruned := agentcontext.PruneContextMessages(legacy, c.settings, c.charWindow)
	after := sumMessageChars(pruned)
	if after == before {
		return nil, nil
	}

	summary := strings.Join([]string{
		"mechanical prune only, no summarization strategy applied:",
		"stale tool result content soft-trimmed/hard-cleared per the default pruning settings.",
	}, " ")

	ev, err := c.linearizer.AppendLinearized(ctx, sessionID, kernel.EventCompactBoundary, kernel.CompactBoundaryPayload{
		Summary:         summary,
		OriginalTokens:  before,
		CompactedTokens: after,
	}, nil)
	if err != nil {
		return nil, err
	}
	if c.auditLog != nil {
		c.auditLog.LogSessionCompact(ctx, sessionID, before, after, "tool_result_pruning")
	}
	return ev, nil
}

// toLegacyMessages flattens reconstructed kernel.Message content blocks into
// the flat *models.Message shape internal/agent/context's pruning logic
// operates on — the same adaptation internal/providers/bridge.go performs
// for the Provider boundary, applied here for the compaction boundary.
func toLegacyMessages(messages []kernel.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		role := models.RoleUser
		if m.Role == kernel.RoleAssistant {
			role = models.RoleAssistant
		}
		lm := &models.Message{Role: role}
		for _, block := range m.Content {
			switch b := block.(type) {
			case kernel.TextBlock:
				lm.Content += b.Text
			case kernel.ThinkingBlock:
				lm.Content += b.Text
			case kernel.ToolUseBlock:
				lm.ToolCalls = append(lm.ToolCalls, models.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
			case kernel.ToolResultBlock:
				lm.ToolResults = append(lm.ToolResults, models.ToolResult{ToolCallID: b.ToolCallID, Content: b.Content, IsError: b.IsError})
			}
		}
		out = append(out, lm)
	}
	return out
}

func sumMessageChars(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		if m == nil {
			continue
		}
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Input)
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content)
		}
	}
	return total
}
