// Package providers bridges the reference agent.LLMProvider adapters
// (Anthropic, OpenAI, Bedrock, Venice — see the providers/ and
// agent/providers/ subpackages) to the kernel's own Provider capability
// (internal/kernel/provider.go, §6). The kernel never imports agent.LLMProvider
// directly; every concrete backend is reached through this adapter so the
// kernel's decision logic stays independent of any one SDK's request/response
// shape.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/kernel"
	pkgkernel "github.com/haasonsaas/nexus/pkg/kernel"
	"github.com/haasonsaas/nexus/pkg/models"
)

var errToolAdapterNotExecutable = errors.New("providers: tool adapter is declarative only; dispatch via kernel.ToolInvoker")

// Bridge adapts an agent.LLMProvider to kernel.Provider.
type Bridge struct {
	inner agent.LLMProvider
}

// NewBridge wraps an existing LLMProvider implementation (anthropic.go,
// openai.go, or the bedrock/venice adapters) for use by the Agent Run
// Coordinator.
func NewBridge(inner agent.LLMProvider) *Bridge {
	return &Bridge{inner: inner}
}

// Stream implements kernel.Provider.
func (b *Bridge) Stream(ctx context.Context, messages []pkgkernel.Message, config kernel.StreamConfig) (<-chan kernel.Delta, error) {
	req := &agent.CompletionRequest{
		Model:          config.Model,
		System:         config.System,
		Messages:       toCompletionMessages(messages),
		Tools:          toAgentTools(config.Tools),
		MaxTokens:      config.MaxTokens,
		EnableThinking: config.EnableThinking,
	}

	chunks, err := b.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan kernel.Delta)
	go translateChunks(chunks, out)
	return out, nil
}

func translateChunks(chunks <-chan *agent.CompletionChunk, out chan<- kernel.Delta) {
	defer close(out)

	sawToolCall := false
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			out <- kernel.ProviderErrorDelta{Retryable: false, Message: chunk.Error.Error()}
			return

		case chunk.ThinkingStart:
			// No distinct kernel delta for thinking-start; the first
			// ThinkingDelta implicitly opens the block.

		case chunk.Thinking != "":
			out <- kernel.ThinkingDelta{Text: chunk.Thinking}

		case chunk.ThinkingEnd:
			out <- kernel.ThinkingEndDelta{}

		case chunk.ToolCall != nil:
			sawToolCall = true
			out <- kernel.ToolUseBatchDelta{Calls: []kernel.ToolIntentSpec{{
				ID:   chunk.ToolCall.ID,
				Name: chunk.ToolCall.Name,
				Args: chunk.ToolCall.Input,
			}}}

		case chunk.Text != "":
			out <- kernel.TextDelta{Text: chunk.Text}
		}

		if chunk.Done {
			stop := kernel.StopEndTurn
			if sawToolCall {
				stop = kernel.StopToolUse
			}
			out <- kernel.ResponseCompleteDelta{
				TokenUsage: kernel.RawTokenUsage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens},
				StopReason: stop,
			}
			return
		}
	}
}

// toCompletionMessages converts a reconstructed+sanitized message list into
// the flat role/content shape agent.LLMProvider implementations expect.
// Thinking blocks are not re-sent (providers reconstruct their own context);
// synthetic tool-result-only messages become role "tool" entries.
func toCompletionMessages(messages []pkgkernel.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.IsToolResultOnly() {
			out = append(out, agent.CompletionMessage{Role: "tool", ToolResults: toToolResults(m)})
			continue
		}

		cm := agent.CompletionMessage{Role: string(m.Role), Content: joinTextBlocks(m)}
		if m.Role == pkgkernel.RoleAssistant {
			cm.ToolCalls = toToolCalls(m)
		}
		out = append(out, cm)
	}
	return out
}

func joinTextBlocks(m pkgkernel.Message) string {
	var parts []string
	for _, b := range m.Content {
		if tb, ok := b.(pkgkernel.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toToolCalls(m pkgkernel.Message) []models.ToolCall {
	var calls []models.ToolCall
	for _, b := range m.Content {
		if tu, ok := b.(pkgkernel.ToolUseBlock); ok {
			calls = append(calls, models.ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	return calls
}

func toToolResults(m pkgkernel.Message) []models.ToolResult {
	var results []models.ToolResult
	for _, b := range m.Content {
		if tr, ok := b.(pkgkernel.ToolResultBlock); ok {
			results = append(results, models.ToolResult{ToolCallID: tr.ToolCallID, Content: tr.Content, IsError: tr.IsError})
		}
	}
	return results
}

func toAgentTools(tools []kernel.ToolSpec) []agent.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]agent.Tool, len(tools))
	for i, t := range tools {
		out[i] = toolAdapter{t}
	}
	return out
}

// toolAdapter satisfies agent.Tool for a kernel.ToolSpec. Its declarative
// surface (name/description/schema) is what the provider request needs to
// build valid tool-call arguments; the coordinator dispatches the actual
// call through a kernel.ToolInvoker, not through Execute, so Execute here
// only exists to satisfy the interface and is never called on this path.
type toolAdapter struct{ spec kernel.ToolSpec }

func (t toolAdapter) Name() string               { return t.spec.Name }
func (t toolAdapter) Description() string        { return t.spec.Description }
func (t toolAdapter) Schema() json.RawMessage    { return t.spec.Schema }
func (t toolAdapter) Execute(_ context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	return nil, errToolAdapterNotExecutable
}
