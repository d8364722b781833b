package kernel

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// StopReason is the closed set of reasons a provider stream can end with (§6).
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopRefusal      StopReason = "refusal"
	StopError        StopReason = "error"
)

// RawTokenUsage is the as-reported-by-provider usage shape, before the Turn
// Content Tracker's normalization into kernel.TokenUsage.
type RawTokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// ToolIntentSpec is one entry of a tool_use_batch delta.
type ToolIntentSpec struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Delta is the sealed interface for the closed-set of delta kinds a
// provider stream yields (§6). Exactly one concrete type per kind.
type Delta interface {
	isDelta()
}

type TextDelta struct{ Text string }

func (TextDelta) isDelta() {}

type ThinkingDelta struct{ Text string }

func (ThinkingDelta) isDelta() {}

type ThinkingEndDelta struct{ Signature string }

func (ThinkingEndDelta) isDelta() {}

type ToolUseBatchDelta struct{ Calls []ToolIntentSpec }

func (ToolUseBatchDelta) isDelta() {}

type ToolArgumentDelta struct {
	ID        string
	DeltaJSON json.RawMessage
}

func (ToolArgumentDelta) isDelta() {}

type ResponseCompleteDelta struct {
	TokenUsage RawTokenUsage
	StopReason StopReason
}

func (ResponseCompleteDelta) isDelta() {}

type ProviderErrorDelta struct {
	Retryable    bool
	RetryAfterMs int
	Message      string
}

func (ProviderErrorDelta) isDelta() {}

// StreamConfig parameterizes a single provider stream call.
type StreamConfig struct {
	Model          string
	System         string
	Tools          []ToolSpec
	MaxTokens      int
	EnableThinking bool
}

// ToolSpec is the Tool capability's shape (§6): the core cares only about
// this, never about how a tool is implemented.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Provider is the §6 Provider capability consumed by the Agent Run
// Coordinator. Implementations adapt a concrete backend (Anthropic, OpenAI,
// Bedrock, ...) to this closed delta vocabulary.
type Provider interface {
	Stream(ctx context.Context, messages []kernel.Message, config StreamConfig) (<-chan Delta, error)
}

// ToolInvoker is the Tool capability: invoke(args, cancelToken) → result.
type ToolInvoker interface {
	Name() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (content string, isError bool, err error)
}
