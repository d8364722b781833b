// Package kernel defines the data model shared by every Session Kernel
// component: events, sessions, reconstructed messages, and the in-memory
// content-sequence items the turn tracker accumulates while streaming.
//
// Design principles (mirrors pkg/models.AgentEvent):
//   - Versioned and forward-compatible (add fields, don't rename/remove).
//   - Single Type discriminator with a closed set of payload variants.
//   - Monotonic Sequence for per-session ordering guarantees.
package kernel

import (
	"encoding/json"
	"time"
)

// EventType is the closed wire vocabulary of the event log.
type EventType string

const (
	EventSessionStart   EventType = "session.start"
	EventSessionFork    EventType = "session.fork"
	EventSessionEnd     EventType = "session.end"
	EventMessageUser    EventType = "message.user"
	EventMessageAssist  EventType = "message.assistant"
	EventMessageDeleted EventType = "message.deleted"
	EventToolCall       EventType = "tool.call"
	EventToolResult     EventType = "tool.result"
	EventStreamTurnStart EventType = "stream.turn_start"
	EventStreamTurnEnd   EventType = "stream.turn_end"
	EventCompactBoundary EventType = "compact.boundary"
	EventContextCleared  EventType = "context.cleared"
	EventConfigModelSwitch EventType = "config.model_switch"
	EventSkillAdded      EventType = "skill.added"
	EventSkillRemoved    EventType = "skill.removed"
	EventRulesLoaded     EventType = "rules.loaded"
	EventHookTriggered   EventType = "hook.triggered"
	EventHookCompleted   EventType = "hook.completed"
	EventErrorProvider   EventType = "error.provider"
)

// controlPlaneTypes contribute nothing to a reconstructed message list (§4.4 rule 1).
var controlPlaneTypes = map[EventType]bool{
	EventSessionStart:      true,
	EventSessionFork:       true,
	EventSessionEnd:        true,
	EventStreamTurnStart:   true,
	EventStreamTurnEnd:     true,
	EventConfigModelSwitch: true,
	EventSkillAdded:        true,
	EventSkillRemoved:      true,
	EventRulesLoaded:       true,
	EventHookTriggered:     true,
	EventHookCompleted:     true,
	EventErrorProvider:     true,
}

// IsControlPlane reports whether events of this type are pure log/lifecycle
// markers that the Message Reconstructor skips over.
func (t EventType) IsControlPlane() bool { return controlPlaneTypes[t] }

// EventPayload is the sealed interface implemented by every per-type payload
// record. Exactly one is attached to a given Event, selected by its Type.
type EventPayload interface {
	eventType() EventType
}

// Event is the atom of the log: immutable, parent-linked, sequence-numbered.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	ParentID  string    `json:"parentId,omitempty"`
	Sequence  int64     `json:"sequence"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// RunInfo tags the payloads emitted over the course of one Agent Run
// Coordinator invocation with that invocation's identity, embedded rather
// than duplicated per field across the payload variants it appears in
// (§4.8: "each invocation is tagged with a fresh runId threaded into every
// emitted event payload"). Zero value on payloads emitted outside a run
// (session lifecycle, config/skill/rule events).
type RunInfo struct {
	RunID       string `json:"runId,omitempty"`
	ParentRunID string `json:"parentRunId,omitempty"`
	Depth       int    `json:"depth,omitempty"`
}

// --- Event payload variants ---

type SessionStartPayload struct {
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Model            string `json:"model,omitempty"`
}

func (SessionStartPayload) eventType() EventType { return EventSessionStart }

type SessionForkPayload struct {
	Name string `json:"name,omitempty"`
}

func (SessionForkPayload) eventType() EventType { return EventSessionFork }

type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (SessionEndPayload) eventType() EventType { return EventSessionEnd }

type MessageUserPayload struct {
	Content []ContentBlock `json:"content"`
}

func (MessageUserPayload) eventType() EventType { return EventMessageUser }

type MessageAssistantPayload struct {
	Content     []ContentBlock `json:"content"`
	Interrupted bool           `json:"interrupted,omitempty"`
	RunInfo     `json:"runInfo"`
}

func (MessageAssistantPayload) eventType() EventType { return EventMessageAssist }

type MessageDeletedPayload struct {
	TargetEventID string `json:"targetEventId"`
}

func (MessageDeletedPayload) eventType() EventType { return EventMessageDeleted }

type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	RunInfo    `json:"runInfo"`
}

func (ToolCallPayload) eventType() EventType { return EventToolCall }

type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	RunInfo    `json:"runInfo"`
}

func (ToolResultPayload) eventType() EventType { return EventToolResult }

type StreamTurnStartPayload struct {
	Turn    int `json:"turn"`
	RunInfo `json:"runInfo"`
}

func (StreamTurnStartPayload) eventType() EventType { return EventStreamTurnStart }

type StreamTurnEndPayload struct {
	Turn        int  `json:"turn"`
	Interrupted bool `json:"interrupted,omitempty"`
	RunInfo     `json:"runInfo"`
}

func (StreamTurnEndPayload) eventType() EventType { return EventStreamTurnEnd }

type CompactBoundaryPayload struct {
	Summary         string `json:"summary"`
	OriginalTokens  int    `json:"originalTokens,omitempty"`
	CompactedTokens int    `json:"compactedTokens,omitempty"`
}

func (CompactBoundaryPayload) eventType() EventType { return EventCompactBoundary }

type ContextClearedPayload struct{}

func (ContextClearedPayload) eventType() EventType { return EventContextCleared }

type ConfigModelSwitchPayload struct {
	Model string `json:"model"`
}

func (ConfigModelSwitchPayload) eventType() EventType { return EventConfigModelSwitch }

type SkillAddedPayload struct {
	Name string `json:"name"`
}

func (SkillAddedPayload) eventType() EventType { return EventSkillAdded }

type SkillRemovedPayload struct {
	Name string `json:"name"`
}

func (SkillRemovedPayload) eventType() EventType { return EventSkillRemoved }

type RulesLoadedPayload struct {
	Names []string `json:"names,omitempty"`
}

func (RulesLoadedPayload) eventType() EventType { return EventRulesLoaded }

type HookTriggeredPayload struct {
	Name string `json:"name"`
}

func (HookTriggeredPayload) eventType() EventType { return EventHookTriggered }

type HookCompletedPayload struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

func (HookCompletedPayload) eventType() EventType { return EventHookCompleted }

type ErrorProviderPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	RunInfo   `json:"runInfo"`
}

func (ErrorProviderPayload) eventType() EventType { return EventErrorProvider }

// --- Content blocks (message shapes, §3) ---

// ContentBlock is the sealed interface for the blocks that make up a
// reconstructed message's content.
type ContentBlock interface {
	isContentBlock()
}

type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) isContentBlock() {}

type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

func (ThinkingBlock) isContentBlock() {}

type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolUseBlock) isContentBlock() {}

type ToolResultBlock struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

func (ToolResultBlock) isContentBlock() {}

// Role identifies the speaker of a reconstructed message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the reconstructed, wire-shippable view computed by the Message
// Reconstructor (L4) from a contiguous ancestor sub-chain. It is never stored
// directly.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// SourceEventID is the event that produced this message, or (for
	// synthetic tool-result/compaction/summary messages) the first event
	// folded into it. Used only for diagnostics; not part of the wire shape.
	SourceEventID string `json:"-"`
}

// HasToolUse reports whether any block in the message is a tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if _, ok := b.(ToolUseBlock); ok {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the ids of every tool_use block in the message, in order.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			ids = append(ids, tu.ID)
		}
	}
	return ids
}

// IsToolResultOnly reports whether every block is a tool_result block (the
// synthetic user message shape produced for L4 rule 5).
func (m Message) IsToolResultOnly() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if _, ok := b.(ToolResultBlock); !ok {
			return false
		}
	}
	return true
}

// Fix describes one structural repair applied by the Message Sanitizer (L5).
type Fix struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// --- Session (L2) ---

// Session maps a session identifier to its root/head event and metadata.
type Session struct {
	ID               string     `json:"id"`
	RootEventID      string     `json:"rootEventId"`
	HeadEventID      string     `json:"headEventId"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	CurrentModel     string     `json:"currentModel,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ParentSessionID  string     `json:"parentSessionId,omitempty"`
	ForkName         string     `json:"forkName,omitempty"`
}

// Ended reports whether the session has been terminated.
func (s Session) Ended() bool { return s.EndedAt != nil }

// --- Content sequence items (L6, in-memory only) ---

// ContentSequenceItem is the sealed interface for the flat sequence the Turn
// Content Tracker maintains per active session.
type ContentSequenceItem interface {
	isContentSequenceItem()
}

type TextItem struct {
	Text string
}

func (*TextItem) isContentSequenceItem() {}

type ToolRefItem struct {
	ToolCallID string
}

func (ToolRefItem) isContentSequenceItem() {}

// ToolCallStatus is the lifecycle state of an in-flight tool call tracked by L6.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall is the side-map record the tracker keeps per announced tool call.
type ToolCall struct {
	ID          string
	Name        string
	Arguments   json.RawMessage
	Status      ToolCallStatus
	Result      string
	IsError     bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// TokenUsage is the normalized usage contract the token tracker hands the
// coordinator once a turn's model streaming completes (§6).
type TokenUsage struct {
	NewInputTokens      int
	ContextWindowTokens int
	OutputTokens        int
}
