package kernel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// Tracker is L6: the streaming hot path. It owns two parallel views of
// in-flight content for one active session: the per-turn view, cleared at
// each turn boundary, which yields the blocks that become the turn's
// message.assistant event; and the accumulated view, which persists across
// every turn of the run so a late-joining subscriber can catch up to the
// current streaming state. The pre-tool flush that enforces the canonical
// ordering invariant is built from the per-turn view only.
type Tracker struct {
	mu sync.Mutex

	accumulatedSequence          []kernel.ContentSequenceItem
	accumulatedToolCalls         map[string]*kernel.ToolCall
	accumulatedOrder             []string
	accumulatedText              string
	accumulatedThinking          string
	accumulatedThinkingSignature string

	thisTurnSequence          []kernel.ContentSequenceItem
	thisTurnToolCalls         map[string]*kernel.ToolCall
	thisTurnOrder             []string // tool call ids, announcement order
	thisTurnThinking          string
	thisTurnThinkingSignature string
	// thisTurnPersistedResults marks tool call ids whose tool.result event has
	// already been appended to the log this turn (the normal runTools drain
	// path), so an interrupt landing afterward never re-emits them.
	thisTurnPersistedResults map[string]bool

	currentTurn           int
	currentTurnStartTime  time.Time
	preToolContentFlushed bool

	lastRawUsage        kernel.TokenUsage
	lastNormalizedUsage kernel.TokenUsage
	contextBaseline     int
	providerType        string
}

// NewTracker constructs an empty Turn Content Tracker for one session.
func NewTracker() *Tracker {
	return &Tracker{
		thisTurnToolCalls:    make(map[string]*kernel.ToolCall),
		accumulatedToolCalls: make(map[string]*kernel.ToolCall),
	}
}

// AddTextDelta appends text to both views, extending the last sequence item
// if it is text or pushing a new one.
func (t *Tracker) AddTextDelta(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.thisTurnSequence = appendTextItem(t.thisTurnSequence, s)
	t.accumulatedSequence = appendTextItem(t.accumulatedSequence, s)
	t.accumulatedText += s
}

func appendTextItem(seq []kernel.ContentSequenceItem, s string) []kernel.ContentSequenceItem {
	if n := len(seq); n > 0 {
		if ti, ok := seq[n-1].(*kernel.TextItem); ok {
			ti.Text += s
			return seq
		}
	}
	return append(seq, &kernel.TextItem{Text: s})
}

// AddThinkingDelta appends to the thinking buffers only; thinking is never
// placed in the sequence directly — it is prepended at flush time so the
// "thinking first" rule always holds.
func (t *Tracker) AddThinkingDelta(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thisTurnThinking += s
	t.accumulatedThinking += s
}

// SetThinkingSignature records the provider's verification signature for
// the in-flight thinking block.
func (t *Tracker) SetThinkingSignature(sig string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thisTurnThinkingSignature = sig
	t.accumulatedThinkingSignature = sig
}

// ToolIntent is one entry of a registerToolIntents batch.
type ToolIntent struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// RegisterToolIntents creates pending ToolCall entries for a batch of
// provider-announced tool calls and pushes a tool_ref item to both
// sequences, preserving the order the provider announced them in.
func (t *Tracker) RegisterToolIntents(intents []ToolIntent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range intents {
		tc := &kernel.ToolCall{ID: in.ID, Name: in.Name, Arguments: in.Arguments, Status: kernel.ToolCallPending}
		t.thisTurnToolCalls[in.ID] = tc
		t.thisTurnOrder = append(t.thisTurnOrder, in.ID)
		ref := kernel.ToolRefItem{ToolCallID: in.ID}
		t.thisTurnSequence = append(t.thisTurnSequence, ref)
		t.trackAccumulatedToolCallLocked(tc)
	}
}

// trackAccumulatedToolCallLocked mirrors a tool call into the accumulated
// view. The *ToolCall is shared between both maps so later status/result
// updates surface in catch-up snapshots without a second bookkeeping path.
func (t *Tracker) trackAccumulatedToolCallLocked(tc *kernel.ToolCall) {
	if _, ok := t.accumulatedToolCalls[tc.ID]; ok {
		return
	}
	t.accumulatedToolCalls[tc.ID] = tc
	t.accumulatedOrder = append(t.accumulatedOrder, tc.ID)
	t.accumulatedSequence = append(t.accumulatedSequence, kernel.ToolRefItem{ToolCallID: tc.ID})
}

// ThisTurnToolCallIDs returns the ids of tool calls announced this turn, in
// announcement order.
func (t *Tracker) ThisTurnToolCallIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.thisTurnOrder...)
}

// ToolCallSnapshot returns a copy of the named tool call's current state.
func (t *Tracker) ToolCallSnapshot(id string) (kernel.ToolCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.thisTurnToolCalls[id]
	if !ok {
		return kernel.ToolCall{}, false
	}
	return *tc, true
}

// PreToolContentFlushed reports whether this turn's pre-tool flush has
// already happened.
func (t *Tracker) PreToolContentFlushed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preToolContentFlushed
}

// StartToolCall flips a pre-registered call to running and stamps its start
// time; for providers that don't batch-announce, it registers the call
// lazily. The first call in a turn additionally triggers the pre-tool
// flush and returns its blocks; subsequent calls return nil blocks.
func (t *Tracker) StartToolCall(id, name string, args json.RawMessage, ts time.Time) (flushed []kernel.ContentBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.thisTurnToolCalls[id]
	if !ok {
		tc = &kernel.ToolCall{ID: id, Name: name, Arguments: args, Status: kernel.ToolCallPending}
		t.thisTurnToolCalls[id] = tc
		t.thisTurnOrder = append(t.thisTurnOrder, id)
		ref := kernel.ToolRefItem{ToolCallID: id}
		t.thisTurnSequence = append(t.thisTurnSequence, ref)
		t.trackAccumulatedToolCallLocked(tc)
	}
	tc.Status = kernel.ToolCallRunning
	tc.StartedAt = ts

	if t.preToolContentFlushed {
		return nil
	}
	blocks := t.flushPreToolContentLocked()
	t.preToolContentFlushed = true
	return blocks
}

// EndToolCall records a tool call's outcome.
func (t *Tracker) EndToolCall(id, result string, isError bool, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.thisTurnToolCalls[id]
	if !ok {
		return
	}
	tc.Result = result
	tc.IsError = isError
	tc.CompletedAt = ts
	if isError {
		tc.Status = kernel.ToolCallError
	} else {
		tc.Status = kernel.ToolCallCompleted
	}
}

// MarkToolResultPersisted records that id's tool.result event has already
// been appended to the log this turn (the normal runTools drain path), so
// BuildInterruptedContent never re-emits a synthetic result for it.
func (t *Tracker) MarkToolResultPersisted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.thisTurnPersistedResults == nil {
		t.thisTurnPersistedResults = make(map[string]bool)
	}
	t.thisTurnPersistedResults[id] = true
}

// SetResponseTokenUsage delegates to the token tracker so the forthcoming
// message.assistant event carries usage. Called once streaming finishes but
// before any tool runs.
func (t *Tracker) SetResponseTokenUsage(raw kernel.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRawUsage = raw
	t.lastNormalizedUsage = kernel.TokenUsage{
		NewInputTokens:      raw.NewInputTokens,
		ContextWindowTokens: t.contextBaseline + raw.ContextWindowTokens,
		OutputTokens:        raw.OutputTokens,
	}
}

// OnTurnStart increments the turn counter and clears per-turn buffers.
func (t *Tracker) OnTurnStart(turn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTurn = turn
	t.currentTurnStartTime = time.Now()
	t.thisTurnSequence = nil
	t.thisTurnToolCalls = make(map[string]*kernel.ToolCall)
	t.thisTurnOrder = nil
	t.thisTurnThinking = ""
	t.thisTurnThinkingSignature = ""
	t.thisTurnPersistedResults = nil
	t.preToolContentFlushed = false
}

// OnTurnEnd returns the per-turn content blocks for packaging into a
// message.assistant event, then clears per-turn buffers. If the turn's
// content was already emitted via a pre-tool flush, the caller should treat
// a nil/empty return as "nothing further to append" per §4.8 step 5.
func (t *Tracker) OnTurnEnd() []kernel.ContentBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	blocks := t.buildTurnBlocksLocked()
	t.thisTurnSequence = nil
	t.thisTurnToolCalls = make(map[string]*kernel.ToolCall)
	t.thisTurnOrder = nil
	t.thisTurnThinking = ""
	t.thisTurnThinkingSignature = ""
	t.thisTurnPersistedResults = nil
	return blocks
}

// OnAgentStart resets in-flight state — both views — while preserving the
// token baseline across runs in the same session.
func (t *Tracker) OnAgentStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thisTurnSequence = nil
	t.thisTurnToolCalls = make(map[string]*kernel.ToolCall)
	t.thisTurnOrder = nil
	t.thisTurnThinking = ""
	t.thisTurnThinkingSignature = ""
	t.thisTurnPersistedResults = nil
	t.accumulatedSequence = nil
	t.accumulatedToolCalls = make(map[string]*kernel.ToolCall)
	t.accumulatedOrder = nil
	t.accumulatedText = ""
	t.accumulatedThinking = ""
	t.accumulatedThinkingSignature = ""
	t.currentTurn = 0
	t.preToolContentFlushed = false
}

// OnAgentEnd clears everything, including the token baseline.
func (t *Tracker) OnAgentEnd() {
	t.OnAgentStart()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contextBaseline = 0
	t.lastRawUsage = kernel.TokenUsage{}
	t.lastNormalizedUsage = kernel.TokenUsage{}
}

// flushPreToolContentLocked implements §4.6's flushPreToolContent.
func (t *Tracker) flushPreToolContentLocked() []kernel.ContentBlock {
	blocks := t.buildTurnBlocksLocked()
	if len(blocks) == 0 {
		return nil
	}
	return blocks
}

// buildTurnBlocksLocked renders thisTurnSequence (with thinking prepended)
// into content blocks. Shared by the pre-tool flush and OnTurnEnd so a turn
// that never calls a tool still gets the identical block shape.
func (t *Tracker) buildTurnBlocksLocked() []kernel.ContentBlock {
	var blocks []kernel.ContentBlock
	if t.thisTurnThinking != "" {
		blocks = append(blocks, kernel.ThinkingBlock{Text: t.thisTurnThinking, Signature: t.thisTurnThinkingSignature})
	}
	for _, item := range t.thisTurnSequence {
		switch v := item.(type) {
		case *kernel.TextItem:
			if v.Text != "" {
				blocks = append(blocks, kernel.TextBlock{Text: v.Text})
			}
		case kernel.ToolRefItem:
			tc := t.thisTurnToolCalls[v.ToolCallID]
			if tc == nil {
				continue
			}
			blocks = append(blocks, kernel.ToolUseBlock{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
		}
	}
	return blocks
}

// BuildInterruptedContent constructs, from the current turn's view only, the
// assistant-content block list plus a parallel list of tool_result blocks —
// one per tool call announced this turn, carrying its real result if it
// completed before the cancellation landed, or a synthetic "[Interrupted]"
// error for any that did not. Building from thisTurn* rather than a
// whole-run accumulation means a turn that already completed (and was
// persisted) before the run was cancelled never resurfaces here; the caller
// is additionally responsible for not re-appending content this turn itself
// already persisted (the pre-tool flush, and any tool.result this turn's
// normal dispatch already wrote — see PreToolContentFlushed and
// MarkToolResultPersisted) so a subsequent fork or resume still sees a
// well-formed, non-duplicated alternating history.
func (t *Tracker) BuildInterruptedContent() (assistant []kernel.ContentBlock, toolResults []kernel.ContentBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assistant = t.buildTurnBlocksLocked()

	for _, id := range t.thisTurnOrder {
		tc := t.thisTurnToolCalls[id]
		if tc == nil || t.thisTurnPersistedResults[id] {
			continue
		}
		if tc.Status == kernel.ToolCallCompleted || tc.Status == kernel.ToolCallError {
			toolResults = append(toolResults, kernel.ToolResultBlock{ToolCallID: tc.ID, Content: tc.Result, IsError: tc.IsError})
			continue
		}
		toolResults = append(toolResults, kernel.ToolResultBlock{ToolCallID: tc.ID, Content: "[Interrupted]", IsError: true})
	}
	return assistant, toolResults
}

// StreamSnapshot is a point-in-time copy of the accumulated view, handed to
// late-joining subscribers so they can catch up to the run's current
// streaming state without replaying deltas.
type StreamSnapshot struct {
	Turn      int
	Text      string
	Thinking  string
	Blocks    []kernel.ContentBlock
	ToolCalls []kernel.ToolCall
}

// AccumulatedSnapshot renders the accumulated view — every turn of the run
// so far, in stream order, with thinking first — into a StreamSnapshot.
func (t *Tracker) AccumulatedSnapshot() StreamSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := StreamSnapshot{
		Turn:     t.currentTurn,
		Text:     t.accumulatedText,
		Thinking: t.accumulatedThinking,
	}
	if t.accumulatedThinking != "" {
		snap.Blocks = append(snap.Blocks, kernel.ThinkingBlock{Text: t.accumulatedThinking, Signature: t.accumulatedThinkingSignature})
	}
	for _, item := range t.accumulatedSequence {
		switch v := item.(type) {
		case *kernel.TextItem:
			if v.Text != "" {
				snap.Blocks = append(snap.Blocks, kernel.TextBlock{Text: v.Text})
			}
		case kernel.ToolRefItem:
			tc := t.accumulatedToolCalls[v.ToolCallID]
			if tc == nil {
				continue
			}
			snap.Blocks = append(snap.Blocks, kernel.ToolUseBlock{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
		}
	}
	for _, id := range t.accumulatedOrder {
		if tc := t.accumulatedToolCalls[id]; tc != nil {
			snap.ToolCalls = append(snap.ToolCalls, *tc)
		}
	}
	return snap
}
