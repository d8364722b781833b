package kernel

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is Event's on-the-wire (and on-disk, for durable Backend
// implementations) shape: Payload stays a raw JSON blob until Type tells us
// which concrete struct to decode it into.
type wireEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	ParentID  string          `json:"parentId,omitempty"`
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalEvent encodes an Event for durable storage (Postgres/SQLite
// backends store this blob in an events table; the in-memory backend never
// needs it).
func MarshalEvent(ev *Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal payload for event %q: %w", ev.ID, err)
	}
	return json.Marshal(wireEvent{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		ParentID:  ev.ParentID,
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Payload:   payload,
	})
}

// UnmarshalEvent is MarshalEvent's inverse, dispatching Payload's decode on Type.
func UnmarshalEvent(data []byte) (*Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, fmt.Errorf("kernel: unmarshal event envelope: %w", err)
	}
	payload, err := decodePayload(we.Type, we.Payload)
	if err != nil {
		return nil, fmt.Errorf("kernel: unmarshal payload for event %q (%s): %w", we.ID, we.Type, err)
	}
	return &Event{
		ID:        we.ID,
		SessionID: we.SessionID,
		ParentID:  we.ParentID,
		Sequence:  we.Sequence,
		Type:      we.Type,
		Timestamp: we.Timestamp,
		Payload:   payload,
	}, nil
}

// UnmarshalPayload decodes a single payload blob given its event type,
// without the envelope wrapping MarshalEvent/UnmarshalEvent use. Durable
// backends that store envelope fields as their own columns (rather than one
// blob) marshal ev.Payload directly with encoding/json and use this as the
// inverse.
func UnmarshalPayload(t EventType, raw []byte) (EventPayload, error) {
	return decodePayload(t, raw)
}

func decodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	switch t {
	case EventSessionStart:
		var p SessionStartPayload
		return p, json.Unmarshal(raw, &p)
	case EventSessionFork:
		var p SessionForkPayload
		return p, json.Unmarshal(raw, &p)
	case EventSessionEnd:
		var p SessionEndPayload
		return p, json.Unmarshal(raw, &p)
	case EventMessageUser:
		var wp struct {
			Content []wireContentBlock `json:"content"`
		}
		if err := json.Unmarshal(raw, &wp); err != nil {
			return nil, err
		}
		blocks, err := decodeBlocks(wp.Content)
		if err != nil {
			return nil, err
		}
		return MessageUserPayload{Content: blocks}, nil
	case EventMessageAssist:
		var wp struct {
			Content     []wireContentBlock `json:"content"`
			Interrupted bool               `json:"interrupted,omitempty"`
			RunInfo
		}
		if err := json.Unmarshal(raw, &wp); err != nil {
			return nil, err
		}
		blocks, err := decodeBlocks(wp.Content)
		if err != nil {
			return nil, err
		}
		return MessageAssistantPayload{Content: blocks, Interrupted: wp.Interrupted, RunInfo: wp.RunInfo}, nil
	case EventMessageDeleted:
		var p MessageDeletedPayload
		return p, json.Unmarshal(raw, &p)
	case EventToolCall:
		var p ToolCallPayload
		return p, json.Unmarshal(raw, &p)
	case EventToolResult:
		var p ToolResultPayload
		return p, json.Unmarshal(raw, &p)
	case EventStreamTurnStart:
		var p StreamTurnStartPayload
		return p, json.Unmarshal(raw, &p)
	case EventStreamTurnEnd:
		var p StreamTurnEndPayload
		return p, json.Unmarshal(raw, &p)
	case EventCompactBoundary:
		var p CompactBoundaryPayload
		return p, json.Unmarshal(raw, &p)
	case EventContextCleared:
		var p ContextClearedPayload
		return p, json.Unmarshal(raw, &p)
	case EventConfigModelSwitch:
		var p ConfigModelSwitchPayload
		return p, json.Unmarshal(raw, &p)
	case EventSkillAdded:
		var p SkillAddedPayload
		return p, json.Unmarshal(raw, &p)
	case EventSkillRemoved:
		var p SkillRemovedPayload
		return p, json.Unmarshal(raw, &p)
	case EventRulesLoaded:
		var p RulesLoadedPayload
		return p, json.Unmarshal(raw, &p)
	case EventHookTriggered:
		var p HookTriggeredPayload
		return p, json.Unmarshal(raw, &p)
	case EventHookCompleted:
		var p HookCompletedPayload
		return p, json.Unmarshal(raw, &p)
	case EventErrorProvider:
		var p ErrorProviderPayload
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("kernel: unknown event type %q", t)
	}
}

// wireContentBlock is the tagged-union wire shape for ContentBlock: every
// variant's fields flattened into one struct, discriminated by Kind.
type wireContentBlock struct {
	Kind string `json:"kind"`

	Text      string          `json:"text,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

func encodeBlock(b ContentBlock) wireContentBlock {
	switch v := b.(type) {
	case TextBlock:
		return wireContentBlock{Kind: "text", Text: v.Text}
	case ThinkingBlock:
		return wireContentBlock{Kind: "thinking", Text: v.Text, Signature: v.Signature}
	case ToolUseBlock:
		return wireContentBlock{Kind: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input}
	case ToolResultBlock:
		return wireContentBlock{Kind: "tool_result", ToolCallID: v.ToolCallID, Content: v.Content, IsError: v.IsError}
	default:
		return wireContentBlock{}
	}
}

func decodeBlocks(wire []wireContentBlock) ([]ContentBlock, error) {
	if wire == nil {
		return nil, nil
	}
	out := make([]ContentBlock, len(wire))
	for i, w := range wire {
		switch w.Kind {
		case "text":
			out[i] = TextBlock{Text: w.Text}
		case "thinking":
			out[i] = ThinkingBlock{Text: w.Text, Signature: w.Signature}
		case "tool_use":
			out[i] = ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}
		case "tool_result":
			out[i] = ToolResultBlock{ToolCallID: w.ToolCallID, Content: w.Content, IsError: w.IsError}
		default:
			return nil, fmt.Errorf("kernel: unknown content block kind %q", w.Kind)
		}
	}
	return out, nil
}

// MarshalJSON implements the tagged-union encoding for a content block slice
// wherever a payload embeds one directly (the in-memory backend round-trips
// Go values and never calls this; durable backends and the wire API do).
func marshalBlocks(blocks []ContentBlock) ([]byte, error) {
	wire := make([]wireContentBlock, len(blocks))
	for i, b := range blocks {
		wire[i] = encodeBlock(b)
	}
	return json.Marshal(wire)
}

// MarshalJSON gives MessageUserPayload and MessageAssistantPayload's Content
// field the tagged-union shape decodePayload expects, since ContentBlock's
// concrete structs carry no discriminator of their own.
func (p MessageUserPayload) MarshalJSON() ([]byte, error) {
	wire, err := marshalBlocks(p.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Content json.RawMessage `json:"content"`
	}{Content: wire})
}

func (p MessageAssistantPayload) MarshalJSON() ([]byte, error) {
	wire, err := marshalBlocks(p.Content)
	if err != nil {
		return nil, err
	}
	type alias struct {
		Content     json.RawMessage `json:"content"`
		Interrupted bool            `json:"interrupted,omitempty"`
		RunInfo
	}
	return json.Marshal(alias{Content: wire, Interrupted: p.Interrupted, RunInfo: p.RunInfo})
}
