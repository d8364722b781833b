package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/kernel"
)

// fakeProvider streams a fixed sequence of deltas one at a time over an
// unbuffered channel. If block is set, it is awaited immediately before the
// final delta is sent (and streamed is closed right before that wait), so
// tests can synchronize on "everything but the stream's end has been
// observed" and then exercise mid-stream cancellation.
type fakeProvider struct {
	deltas   []Delta
	block    chan struct{}
	streamed chan struct{}
}

func (p *fakeProvider) Stream(ctx context.Context, messages []kernel.Message, config StreamConfig) (<-chan Delta, error) {
	out := make(chan Delta)
	go func() {
		defer close(out)
		for i, d := range p.deltas {
			if p.block != nil && i == len(p.deltas)-1 {
				if p.streamed != nil {
					close(p.streamed)
				}
				select {
				case <-p.block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// fakeInvoker is a ToolInvoker that optionally blocks until released, so
// tests can simulate a tool call still in flight when a run is cancelled.
type fakeInvoker struct {
	name    string
	block   chan struct{}
	started chan struct{}
}

func (i *fakeInvoker) Name() string           { return i.name }
func (i *fakeInvoker) Schema() json.RawMessage { return nil }
func (i *fakeInvoker) Invoke(ctx context.Context, args json.RawMessage) (string, bool, error) {
	if i.started != nil {
		close(i.started)
	}
	if i.block != nil {
		select {
		case <-i.block:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return "done", false, nil
}

func newTestCoordinator() (*Coordinator, *EventLog, *SessionRegistry) {
	log, registry := newTestLog()
	bus := NewBus()
	coord := NewCoordinator(log, registry, bus, nil, nil, nil)
	return coord, log, registry
}

// TestAtMostOneRunPerSession is invariant 8: a second Run call while one is
// active is queued into the single pending slot, and a third is rejected
// with BusyError.
func TestAtMostOneRunPerSession(t *testing.T) {
	ctx := context.Background()
	coord, _, registry := newTestCoordinator()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	block := make(chan struct{})
	streamed := make(chan struct{})
	provider := &fakeProvider{
		deltas: []Delta{
			TextDelta{Text: "hi"},
			ResponseCompleteDelta{StopReason: StopEndTurn},
		},
		block:    block,
		streamed: streamed,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx, RunOptions{SessionID: sess.ID, Provider: provider, Model: "test"})
	}()

	select {
	case <-streamed:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the first run to start streaming")
	}

	result, err := coord.Run(ctx, RunOptions{SessionID: sess.ID, Provider: provider, Model: "test"})
	if err != nil {
		t.Fatalf("expected the second run to be queued, got error: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected the second run to report Queued=true, got %+v", result)
	}

	_, err = coord.Run(ctx, RunOptions{SessionID: sess.ID, Provider: provider, Model: "test"})
	var busy *kernel.BusyError
	if !asBusyError(err, &busy) {
		t.Fatalf("expected a third concurrent run to be rejected with BusyError, got %v", err)
	}

	close(block)
	wg.Wait()
}

func asBusyError(err error, target **kernel.BusyError) bool {
	if e, ok := err.(*kernel.BusyError); ok {
		*target = e
		return true
	}
	return false
}

// TestCancelMidToolPersistsInterruptedContent is scenario S5: a run is
// cancelled while a tool call is still in flight. The coordinator must
// finish in bounded time, persisting an interrupted assistant message and an
// error tool_result for the unfinished call, and return CancelledError.
func TestCancelMidToolPersistsInterruptedContent(t *testing.T) {
	ctx := context.Background()
	coord, log, registry := newTestCoordinator()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	toolStarted := make(chan struct{})
	toolBlock := make(chan struct{})
	provider := &fakeProvider{
		deltas: []Delta{
			TextDelta{Text: "calling a tool"},
			ToolUseBatchDelta{Calls: []ToolIntentSpec{{ID: "tc_1", Name: "Slow"}}},
			ResponseCompleteDelta{StopReason: StopToolUse},
		},
	}
	invoker := &fakeInvoker{name: "Slow", started: toolStarted, block: toolBlock}

	runDone := make(chan struct{})
	var runErr error
	go func() {
		defer close(runDone)
		_, runErr = coord.Run(ctx, RunOptions{
			SessionID: sess.ID,
			Provider:  provider,
			Model:     "test",
			Invokers:  map[string]ToolInvoker{"Slow": invoker},
		})
	}()

	select {
	case <-toolStarted:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the tool call to start")
	}

	if err := coord.Cancel(sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the cancelled run to finish")
	}

	var cancelled *kernel.CancelledError
	if !asCancelledError(runErr, &cancelled) {
		t.Fatalf("expected CancelledError, got %v", runErr)
	}

	sess2, _ := registry.Get(sess.ID)
	events, err := log.GetBySession(ctx, sess2.ID)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}

	var assistantEvents, turnEndEvents int
	var sawInterruptedTurnEnd, sawErrorResult bool
	for _, ev := range events {
		switch ev.Type {
		case kernel.EventMessageAssist:
			assistantEvents++
		case kernel.EventStreamTurnEnd:
			turnEndEvents++
			p := ev.Payload.(kernel.StreamTurnEndPayload)
			if p.Interrupted {
				sawInterruptedTurnEnd = true
			}
		case kernel.EventToolResult:
			p := ev.Payload.(kernel.ToolResultPayload)
			if p.ToolCallID == "tc_1" && p.IsError {
				sawErrorResult = true
			}
		}
	}
	// Exactly one assistant message and one turn_end: the pre-tool flush
	// already persisted this turn's content before the cancellation landed,
	// so the interrupt path must not re-emit it.
	if assistantEvents != 1 {
		t.Fatalf("expected exactly one assistant message to be persisted, got %d", assistantEvents)
	}
	if turnEndEvents != 1 {
		t.Fatalf("expected exactly one stream.turn_end event for the interrupted turn, got %d", turnEndEvents)
	}
	if !sawInterruptedTurnEnd {
		t.Fatalf("expected the turn's stream.turn_end to be marked Interrupted")
	}
	if !sawErrorResult {
		t.Fatalf("expected an error tool_result for the still-in-flight tool call")
	}

	close(toolBlock)
}

func asCancelledError(err error, target **kernel.CancelledError) bool {
	if e, ok := err.(*kernel.CancelledError); ok {
		*target = e
		return true
	}
	return false
}

// scriptedProvider streams a different delta sequence on each Stream call,
// for multi-turn runs where the turns must differ (e.g. tool_use then
// end_turn).
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]Delta
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []kernel.Message, config StreamConfig) (<-chan Delta, error) {
	p.mu.Lock()
	var deltas []Delta
	if len(p.turns) > 0 {
		deltas = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()

	out := make(chan Delta)
	go func() {
		defer close(out)
		for _, d := range deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// TestRunRecordsJobsAndUsage covers the coordinator's attached collaborators:
// every dispatched tool call lands in the job store as a succeeded job, and
// every completed provider response lands in the usage tracker under the
// run's provider/model pair.
func TestRunRecordsJobsAndUsage(t *testing.T) {
	ctx := context.Background()
	coord, _, registry := newTestCoordinator()

	jobStore := jobs.NewMemoryStore()
	usageTracker := usage.NewTracker(usage.DefaultTrackerConfig())
	coord.SetJobStore(jobStore)
	coord.SetUsageTracker(usageTracker)

	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	provider := &scriptedProvider{turns: [][]Delta{
		{
			TextDelta{Text: "running the tool"},
			ToolUseBatchDelta{Calls: []ToolIntentSpec{{ID: "tc_1", Name: "echo", Args: json.RawMessage(`{}`)}}},
			ResponseCompleteDelta{StopReason: StopToolUse, TokenUsage: RawTokenUsage{InputTokens: 10, OutputTokens: 5}},
		},
		{
			TextDelta{Text: "all done"},
			ResponseCompleteDelta{StopReason: StopEndTurn, TokenUsage: RawTokenUsage{InputTokens: 20, OutputTokens: 7}},
		},
	}}

	result, err := coord.Run(ctx, RunOptions{
		SessionID:    sess.ID,
		Provider:     provider,
		ProviderName: "fake",
		Model:        "test-model",
		Invokers:     map[string]ToolInvoker{"echo": &fakeInvoker{name: "echo"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.StopReason != StopEndTurn {
		t.Fatalf("expected end_turn, got %q", result.StopReason)
	}

	recorded, err := jobStore.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected one recorded job, got %d", len(recorded))
	}
	job := recorded[0]
	if job.ToolCallID != "tc_1" || job.ToolName != "echo" {
		t.Fatalf("unexpected job identity: %+v", job)
	}
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("expected job status succeeded, got %q", job.Status)
	}
	if job.Result == nil || job.Result.Content != "done" {
		t.Fatalf("expected the tool's result on the job record, got %+v", job.Result)
	}

	totals := usageTracker.GetTotals("fake", "test-model")
	if totals == nil {
		t.Fatalf("expected usage totals for fake:test-model")
	}
	if totals.InputTokens != 30 || totals.OutputTokens != 12 {
		t.Fatalf("expected 30 input / 12 output tokens across both turns, got %+v", totals)
	}
	sessionTotals := usageTracker.GetSessionTotals(sess.ID)
	if sessionTotals == nil || sessionTotals.InputTokens != 30 {
		t.Fatalf("expected per-session usage totals, got %+v", sessionTotals)
	}
}

// TestStreamingSnapshotCatchUp verifies a late joiner can read the
// accumulated view of an in-flight run, and that the snapshot disappears
// once the run finishes.
func TestStreamingSnapshotCatchUp(t *testing.T) {
	ctx := context.Background()
	coord, _, registry := newTestCoordinator()
	sess, _, err := registry.Create(ctx, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	block := make(chan struct{})
	streamed := make(chan struct{})
	provider := &fakeProvider{
		deltas: []Delta{
			TextDelta{Text: "partial "},
			TextDelta{Text: "answer"},
			ResponseCompleteDelta{StopReason: StopEndTurn},
		},
		block:    block,
		streamed: streamed,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx, RunOptions{SessionID: sess.ID, Provider: provider, Model: "test"})
	}()

	select {
	case <-streamed:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the run to start streaming")
	}

	// The delta channel hand-off happens before the tracker mutation it
	// triggers, so poll briefly rather than assert the very first read.
	var snap StreamSnapshot
	var ok bool
	deadline := time.Now().Add(time.Second)
	for {
		snap, ok = coord.StreamingSnapshot(sess.ID)
		if ok && snap.Text == "partial answer" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the snapshot to accumulate text (ok=%v, text=%q)", ok, snap.Text)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(snap.Blocks) != 1 {
		t.Fatalf("expected one text block in the snapshot, got %d", len(snap.Blocks))
	}
	if tb, isText := snap.Blocks[0].(kernel.TextBlock); !isText || tb.Text != "partial answer" {
		t.Fatalf("unexpected snapshot block: %+v", snap.Blocks[0])
	}

	close(block)
	wg.Wait()

	if _, stillActive := coord.StreamingSnapshot(sess.ID); stillActive {
		t.Fatalf("expected no snapshot once the run completed")
	}
}
