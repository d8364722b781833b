package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/kernel"
	"github.com/haasonsaas/nexus/pkg/models"
)

// RunStatus is the coordinator's per-session state machine position (§4.8).
type RunStatus string

const (
	RunIdle         RunStatus = "idle"
	RunRunning      RunStatus = "running"
	RunInterrupting RunStatus = "interrupting"
)

// RunOptions configures one invocation of the Agent Run Coordinator.
type RunOptions struct {
	SessionID    string
	Provider     Provider
	ProviderName string // usage/metrics label; "" means "sessionkernel"
	Model        string
	System       string
	Tools        []ToolSpec
	Invokers     map[string]ToolInvoker
	MaxTurns     int // safety bound; 0 means the teacher's default of 64
	ParentRunID  string
	Depth        int
	MaxRetries   int // bounded ProviderRetryable attempts; 0 means 3
}

// RunResult summarizes a completed (or queued, or interrupted) run.
type RunResult struct {
	RunID        string
	StopReason   StopReason
	Interrupted  bool
	Queued       bool
	FinalEventID string
}

type runState struct {
	status  RunStatus
	cancel  context.CancelFunc
	runID   string
	pending *RunOptions
	tracker *Tracker
}

// Coordinator is L8: the Agent Run Coordinator. It owns the Idle -> Running
// -> (cancel) -> Interrupting -> Idle state machine per session, the turn
// loop (reconstruct -> sanitize -> stream -> flush -> dispatch tools ->
// persist), and bounded-retry handling of provider errors.
type Coordinator struct {
	log           *EventLog
	registry      *SessionRegistry
	linearizer    *Linearizer
	reconstructor *Reconstructor
	sanitizer     *Sanitizer
	bus           *Bus
	logger        *observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer

	breakers *infra.CircuitBreakerRegistry
	sem      *infra.SemaphorePool

	retryPolicy backoff.BackoffPolicy

	// Optional collaborators, attached after construction. All are nil-safe.
	auditLog     *audit.Logger
	jobStore     jobs.Store
	usageTracker *usage.Tracker
	recorder     *observability.EventRecorder

	mu   sync.Mutex
	runs map[string]*runState
}

// SetAuditLogger attaches an audit trail for tool invocations and run errors.
func (c *Coordinator) SetAuditLogger(l *audit.Logger) { c.auditLog = l }

// SetJobStore attaches a job store; every dispatched tool call is recorded
// as a queued -> running -> succeeded/failed job.
func (c *Coordinator) SetJobStore(s jobs.Store) { c.jobStore = s }

// SetUsageTracker attaches a usage tracker; every completed provider
// response records its token usage against the run's provider and model.
func (c *Coordinator) SetUsageTracker(t *usage.Tracker) { c.usageTracker = t }

// SetEventRecorder attaches a timeline recorder for run/tool boundaries.
func (c *Coordinator) SetEventRecorder(r *observability.EventRecorder) { c.recorder = r }

// NewCoordinator wires the full turn-loop pipeline over an already-bound
// EventLog/SessionRegistry pair. metrics/tracer may be nil: a nil metrics
// disables instrumentation, a nil tracer is replaced with a no-op one (the
// same degrade-gracefully behavior observability.NewTracer gives an empty
// TraceConfig.Endpoint).
func NewCoordinator(log *EventLog, registry *SessionRegistry, bus *Bus, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Coordinator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
	}
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "sessionkernel"})
	}
	linearizer := NewLinearizer(log)
	nav := NewNavigator(log)
	return &Coordinator{
		log:           log,
		registry:      registry,
		linearizer:    linearizer,
		reconstructor: NewReconstructor(nav),
		sanitizer:     NewSanitizer(),
		bus:           bus,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		breakers:      infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}),
		sem:           infra.NewSemaphorePool(8),
		retryPolicy:   backoff.DefaultPolicy(),
		runs:          make(map[string]*runState),
	}
}

// Status reports a session's current run state.
func (c *Coordinator) Status(sessionID string) RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.runs[sessionID]; ok {
		return st.status
	}
	return RunIdle
}

// Run starts (or queues) an agent run for opts.SessionID. A concurrent run
// while one is already active is rejected with BusyError, except that one
// follow-on prompt per session may be queued in the pending-prompt slot
// (§4.8 invariant).
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if ended, err := c.sessionEnded(ctx, opts.SessionID); err != nil {
		return nil, err
	} else if ended {
		return nil, &kernel.SessionEndedError{SessionID: opts.SessionID}
	}

	c.mu.Lock()
	st, ok := c.runs[opts.SessionID]
	if !ok {
		st = &runState{status: RunIdle}
		c.runs[opts.SessionID] = st
	}
	if st.status != RunIdle {
		if st.pending == nil {
			optsCopy := opts
			st.pending = &optsCopy
			c.mu.Unlock()
			return &RunResult{Queued: true}, nil
		}
		c.mu.Unlock()
		return nil, &kernel.BusyError{SessionID: opts.SessionID}
	}

	runCtx, cancel := context.WithCancel(ctx)
	runID := uuid.NewString()
	tracker := NewTracker()
	st.status = RunRunning
	st.cancel = cancel
	st.runID = runID
	st.tracker = tracker
	c.mu.Unlock()

	providerLabel := opts.ProviderName
	if providerLabel == "" {
		providerLabel = "sessionkernel"
	}
	runCtx = observability.AddRunID(observability.AddSessionID(runCtx, opts.SessionID), runID)
	runCtx, runSpan := c.tracer.TraceAgentRun(runCtx, providerLabel, opts.SessionID, runID)
	started := time.Now()
	if c.recorder != nil {
		c.recorder.RecordRunStart(runCtx, runID, map[string]interface{}{"session_id": opts.SessionID, "model": opts.Model})
	}
	if c.metrics != nil {
		c.metrics.RunStarted(providerLabel)
	}
	if c.auditLog != nil {
		c.auditLog.LogAgentAction(runCtx, runID, "run_started", "agent run started",
			map[string]any{"provider": providerLabel, "model": opts.Model}, opts.SessionID)
		if opts.ParentRunID != "" {
			c.auditLog.LogAgentHandoff(runCtx, opts.ParentRunID, runID, "subagent run", opts.Depth, opts.SessionID)
		}
	}
	observability.EmitSessionState(&observability.SessionStateEvent{
		SessionID: opts.SessionID,
		RunID:     runID,
		PrevState: observability.SessionStateIdle,
		State:     observability.SessionStateRunning,
	})

	result, err := c.runLoop(runCtx, opts, runID, tracker)

	if err != nil {
		c.tracer.RecordError(runSpan, err)
	}
	runSpan.End()
	if c.recorder != nil {
		c.recorder.RecordRunEnd(runCtx, time.Since(started), err)
	}
	if c.metrics != nil {
		c.metrics.RunEnded(providerLabel, time.Since(started).Seconds())
	}
	observability.EmitSessionState(&observability.SessionStateEvent{
		SessionID: opts.SessionID,
		RunID:     runID,
		PrevState: observability.SessionStateRunning,
		State:     observability.SessionStateIdle,
	})

	c.mu.Lock()
	st.status = RunIdle
	st.cancel = nil
	st.tracker = nil
	next := st.pending
	st.pending = nil
	c.mu.Unlock()

	if next != nil {
		go func() {
			if _, nextErr := c.Run(context.Background(), *next); nextErr != nil {
				c.logger.Warn(context.Background(), "queued follow-on run failed", "session_id", next.SessionID, "error", nextErr)
			}
		}()
	}

	return result, err
}

// Cancel requests cancellation of sessionID's active run. The run finishes
// in bounded time: the coordinator stops reading the provider stream,
// awaits in-flight tools (up to a grace period), then persists the partial
// turn via the tracker's interrupt capture.
func (c *Coordinator) Cancel(sessionID string) error {
	c.mu.Lock()
	st, ok := c.runs[sessionID]
	if !ok || st.status != RunRunning {
		c.mu.Unlock()
		return nil
	}
	st.status = RunInterrupting
	cancel := st.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// StreamingSnapshot returns the accumulated streaming state of sessionID's
// active run, letting a late-joining subscriber catch up before it starts
// receiving live deltas. ok is false when no run is active.
func (c *Coordinator) StreamingSnapshot(sessionID string) (StreamSnapshot, bool) {
	c.mu.Lock()
	st, found := c.runs[sessionID]
	var tracker *Tracker
	if found && st.tracker != nil {
		tracker = st.tracker
	}
	c.mu.Unlock()
	if tracker == nil {
		return StreamSnapshot{}, false
	}
	return tracker.AccumulatedSnapshot(), true
}

func (c *Coordinator) sessionEnded(ctx context.Context, sessionID string) (bool, error) {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("kernel: unknown session %q", sessionID)
	}
	return sess.Ended(), nil
}

const defaultMaxTurns = 64
const defaultMaxRetries = 3

// toolCancelGracePeriod bounds how long runTools waits for straggling tool
// goroutines after cancellation before proceeding to persist the interrupt
// without them (§4.8/§5).
const toolCancelGracePeriod = 5 * time.Second

// runLoop implements §4.8's turn loop.
func (c *Coordinator) runLoop(ctx context.Context, opts RunOptions, runID string, tracker *Tracker) (*RunResult, error) {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	tracker.OnAgentStart()
	breaker := c.breakers.Get(opts.Model)
	runInfo := kernel.RunInfo{RunID: runID, ParentRunID: opts.ParentRunID, Depth: opts.Depth}

	for turn := 1; turn <= maxTurns; turn++ {
		if ctx.Err() != nil {
			return c.interrupt(context.Background(), opts, tracker, runID)
		}

		tracker.OnTurnStart(turn)

		sess, ok := c.registry.Get(opts.SessionID)
		if !ok {
			return nil, fmt.Errorf("kernel: unknown session %q", opts.SessionID)
		}

		messages, dangling, err := c.reconstructor.MessagesAt(ctx, sess.HeadEventID)
		if err != nil {
			return nil, err
		}
		if dangling != nil {
			c.logger.Warn(ctx, "dangling tool_use during reconstruction", "session_id", opts.SessionID, "tool_call_id", dangling.ToolCallID)
		}
		sanitized, fixes := c.sanitizer.Sanitize(messages)
		for _, f := range fixes {
			c.logger.Debug(ctx, "sanitizer applied fix", "session_id", opts.SessionID, "type", f.Type, "detail", f.Detail)
		}

		if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventStreamTurnStart, kernel.StreamTurnStartPayload{Turn: turn, RunInfo: runInfo}); err != nil {
			return nil, err
		}

		stopReason, runErr := c.streamTurnWithRetry(ctx, opts, breaker, sanitized, tracker, runID, turn, maxRetries, runInfo)
		if runErr != nil {
			if ctx.Err() != nil {
				return c.interrupt(context.Background(), opts, tracker, runID)
			}
			return nil, runErr
		}

		if stopReason == StopToolUse {
			if err := c.runTools(ctx, opts, tracker, runInfo); err != nil {
				if ctx.Err() != nil {
					return c.interrupt(context.Background(), opts, tracker, runID)
				}
				return nil, err
			}
			// runTools can complete without error even when the run was
			// cancelled mid-dispatch (a cooperating invoker returns ctx.Err()
			// as an ordinary tool error rather than propagating it). Re-check
			// here rather than waiting for the next loop iteration, or this
			// turn's normal turn_end gets appended alongside interrupt()'s
			// turn_end for the very same turn number.
			if ctx.Err() != nil {
				return c.interrupt(context.Background(), opts, tracker, runID)
			}
			if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventStreamTurnEnd, kernel.StreamTurnEndPayload{Turn: turn, RunInfo: runInfo}); err != nil {
				return nil, err
			}
			continue
		}

		if !tracker.PreToolContentFlushed() {
			blocks := tracker.OnTurnEnd()
			if len(blocks) > 0 {
				if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{Content: blocks, RunInfo: runInfo}); err != nil {
					return nil, err
				}
			}
		} else {
			tracker.OnTurnEnd()
		}

		final, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventStreamTurnEnd, kernel.StreamTurnEndPayload{Turn: turn, RunInfo: runInfo})
		if err != nil {
			return nil, err
		}
		tracker.OnAgentEnd()
		return &RunResult{RunID: runID, StopReason: stopReason, FinalEventID: final.ID}, nil
	}

	return nil, fmt.Errorf("kernel: run %q exceeded max turns (%d)", runID, maxTurns)
}

// streamTurnWithRetry wraps streamTurn with §7's bounded ProviderRetryable
// handling: each failed attempt persists an error.provider event and, unless
// attempts are exhausted, sleeps RetryAfterMs (falling back to the retry
// policy's exponential backoff when the provider didn't supply one) before
// retrying. A ProviderFatalError persists error.provider once and returns
// immediately.
func (c *Coordinator) streamTurnWithRetry(ctx context.Context, opts RunOptions, breaker *infra.CircuitBreaker, messages []kernel.Message, tracker *Tracker, runID string, turn, maxRetries int, runInfo kernel.RunInfo) (StopReason, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		stopReason, err := c.streamTurn(ctx, opts, breaker, messages, tracker, runID, turn)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RecordRunAttempt("success")
			}
			c.emitRunAttempt(opts.SessionID, runID, turn, attempt+1, "success")
			return stopReason, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", err
		}

		var retryable *kernel.ProviderRetryableError
		if assertRetryableAs(err, &retryable) {
			c.appendLinearized(ctx, opts.SessionID, kernel.EventErrorProvider, kernel.ErrorProviderPayload{Message: retryable.Error(), Retryable: true, RunInfo: runInfo})
			if c.metrics != nil {
				c.metrics.RecordRunAttempt("retry")
				c.metrics.RecordError("coordinator", "provider_retryable")
			}
			c.emitRunAttempt(opts.SessionID, runID, turn, attempt+1, "retry")
			if attempt == maxRetries {
				break
			}
			var sleepErr error
			if retryable.RetryAfterMs > 0 {
				sleepErr = backoff.SleepWithContext(ctx, time.Duration(retryable.RetryAfterMs)*time.Millisecond)
			} else {
				sleepErr = backoff.SleepWithBackoff(ctx, c.retryPolicy, attempt+1)
			}
			if sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		var fatal *kernel.ProviderFatalError
		if assertAs(err, &fatal) {
			c.appendLinearized(ctx, opts.SessionID, kernel.EventErrorProvider, kernel.ErrorProviderPayload{Message: fatal.Error(), Retryable: false, RunInfo: runInfo})
			if c.auditLog != nil {
				c.auditLog.LogError(ctx, audit.EventAgentError, "provider_stream", fatal.Error(), map[string]any{"model": opts.Model}, opts.SessionID)
			}
			if c.metrics != nil {
				c.metrics.RecordRunAttempt("failed")
				c.metrics.RecordError("coordinator", "provider_fatal")
			}
			c.emitRunAttempt(opts.SessionID, runID, turn, attempt+1, "failed")
			return "", err
		}

		return "", err
	}

	if c.metrics != nil {
		c.metrics.RecordRunAttempt("failed")
	}
	c.emitRunAttempt(opts.SessionID, runID, turn, maxRetries+1, "failed")
	return "", lastErr
}

// streamTurn runs one turn's provider stream to completion (or a terminal
// delta), feeding every delta to the tracker and the bus, and performing
// the pre-tool flush the instant the first tool_execution_start occurs.
func (c *Coordinator) streamTurn(ctx context.Context, opts RunOptions, breaker *infra.CircuitBreaker, messages []kernel.Message, tracker *Tracker, runID string, turn int) (StopReason, error) {
	started := time.Now()
	providerLabel := opts.ProviderName
	if providerLabel == "" {
		providerLabel = "sessionkernel"
	}
	ctx, span := c.tracer.TraceLLMRequest(ctx, providerLabel, opts.Model)
	defer span.End()

	deltas, err := infra.ExecuteWithResult(breaker, ctx, func(ctx context.Context) (<-chan Delta, error) {
		return opts.Provider.Stream(ctx, messages, StreamConfig{Model: opts.Model, System: opts.System, Tools: opts.Tools})
	})
	if err != nil {
		c.tracer.RecordError(span, err)
		if c.metrics != nil {
			c.metrics.RecordLLMRequest(providerLabel, opts.Model, "error", time.Since(started).Seconds(), 0, 0)
		}
		return "", &kernel.ProviderRetryableError{Message: err.Error(), Cause: err}
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return StopEndTurn, nil
			}
			switch v := d.(type) {
			case TextDelta:
				tracker.AddTextDelta(v.Text)
				c.bus.PublishDelta(StreamDelta{Kind: DeltaText, SessionID: opts.SessionID, Payload: v.Text})
			case ThinkingDelta:
				tracker.AddThinkingDelta(v.Text)
				c.bus.PublishDelta(StreamDelta{Kind: DeltaThinking, SessionID: opts.SessionID, Payload: v.Text})
			case ThinkingEndDelta:
				tracker.SetThinkingSignature(v.Signature)
			case ToolUseBatchDelta:
				intents := make([]ToolIntent, len(v.Calls))
				for i, call := range v.Calls {
					intents[i] = ToolIntent{ID: call.ID, Name: call.Name, Arguments: call.Args}
				}
				tracker.RegisterToolIntents(intents)
			case ToolArgumentDelta:
				// Argument streaming is provider-internal bookkeeping; the
				// kernel only needs the final assembled args, already
				// carried by ToolUseBatchDelta.
			case ResponseCompleteDelta:
				tracker.SetResponseTokenUsage(normalizeUsage(v.TokenUsage))
				observability.EmitModelUsage(&observability.ModelUsageEvent{
					SessionID: opts.SessionID,
					RunID:     runID,
					Provider:  providerLabel,
					Model:     opts.Model,
					Usage: observability.UsageDetails{
						Input:      int64(v.TokenUsage.InputTokens),
						Output:     int64(v.TokenUsage.OutputTokens),
						CacheRead:  int64(v.TokenUsage.CacheReadTokens),
						CacheWrite: int64(v.TokenUsage.CacheCreationTokens),
						Total:      int64(v.TokenUsage.InputTokens + v.TokenUsage.OutputTokens + v.TokenUsage.CacheReadTokens + v.TokenUsage.CacheCreationTokens),
					},
					DurationMs: time.Since(started).Milliseconds(),
				})
				if c.usageTracker != nil {
					c.usageTracker.Record(usage.Record{
						ID:        runID,
						SessionID: opts.SessionID,
						Provider:  providerLabel,
						Model:     opts.Model,
						Usage: usage.Usage{
							InputTokens:      int64(v.TokenUsage.InputTokens),
							OutputTokens:     int64(v.TokenUsage.OutputTokens),
							CacheReadTokens:  int64(v.TokenUsage.CacheReadTokens),
							CacheWriteTokens: int64(v.TokenUsage.CacheCreationTokens),
						},
					})
				}
				if c.metrics != nil {
					c.metrics.RecordLLMRequest(providerLabel, opts.Model, "success", time.Since(started).Seconds(), v.TokenUsage.InputTokens, v.TokenUsage.OutputTokens)
					c.metrics.RecordContextWindow(providerLabel, opts.Model, v.TokenUsage.InputTokens+v.TokenUsage.CacheReadTokens+v.TokenUsage.CacheCreationTokens)
				}
				return v.StopReason, nil
			case ProviderErrorDelta:
				if c.metrics != nil {
					c.metrics.RecordLLMRequest(providerLabel, opts.Model, "error", time.Since(started).Seconds(), 0, 0)
				}
				if v.Retryable {
					return "", &kernel.ProviderRetryableError{Message: v.Message, RetryAfterMs: v.RetryAfterMs}
				}
				return "", &kernel.ProviderFatalError{Message: v.Message}
			}
		}
	}
}

func normalizeUsage(raw RawTokenUsage) kernel.TokenUsage {
	return kernel.TokenUsage{
		NewInputTokens:      raw.InputTokens,
		ContextWindowTokens: raw.InputTokens + raw.CacheReadTokens + raw.CacheCreationTokens,
		OutputTokens:        raw.OutputTokens,
	}
}

// runTools dispatches every tool call registered this turn concurrently
// (bounded by the coordinator's semaphore pool), flushing pre-tool content
// before the first tool.call and persisting each tool.call/tool.result pair
// in the canonical order (§3 invariant 5, §4.8 step 3-4).
func (c *Coordinator) runTools(ctx context.Context, opts RunOptions, tracker *Tracker, runInfo kernel.RunInfo) error {
	ids := tracker.ThisTurnToolCallIDs()

	var auditLog *audit.SessionLogger
	if c.auditLog != nil {
		auditLog = c.auditLog.WithSession(opts.SessionID)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap, ok := tracker.ToolCallSnapshot(id)
		if !ok {
			continue
		}
		flushed := tracker.StartToolCall(id, snap.Name, snap.Arguments, time.Now())
		if len(flushed) > 0 {
			if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{Content: flushed, RunInfo: runInfo}); err != nil {
				return err
			}
		}
		if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventToolCall, kernel.ToolCallPayload{ToolCallID: id, Name: snap.Name, Arguments: snap.Arguments, RunInfo: runInfo}); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	results := make(chan struct {
		id      string
		content string
		isError bool
	}, len(ids))

	for _, id := range ids {
		id := id
		snap, ok := tracker.ToolCallSnapshot(id)
		if !ok {
			continue
		}
		invoker, ok := opts.Invokers[snap.Name]
		if !ok {
			results <- struct {
				id      string
				content string
				isError bool
			}{id, fmt.Sprintf("no tool registered for %q", snap.Name), true}
			continue
		}

		if err := c.sem.Acquire(ctx, "tools:"+opts.SessionID, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.sem.Release("tools:"+opts.SessionID, 1)
			started := time.Now()
			toolCtx, span := c.tracer.TraceToolExecution(ctx, snap.Name)
			toolCtx = observability.AddToolCallID(toolCtx, id)

			var job *jobs.Job
			if c.jobStore != nil {
				job = &jobs.Job{ID: uuid.NewString(), ToolName: snap.Name, ToolCallID: id, Status: jobs.StatusRunning, CreatedAt: started, StartedAt: started}
				if err := c.jobStore.Create(toolCtx, job); err != nil {
					c.logger.Warn(toolCtx, "job record create failed", "tool_call_id", id, "error", err)
					job = nil
				}
			}
			if auditLog != nil {
				auditLog.LogToolInvocation(toolCtx, snap.Name, id, snap.Arguments)
			}
			if c.recorder != nil {
				c.recorder.RecordToolStart(toolCtx, snap.Name, string(snap.Arguments))
			}

			var content string
			var isError bool
			if schemaErr := validateToolArguments(invoker, snap.Arguments); schemaErr != nil {
				content, isError = schemaErr.Error(), true
				c.tracer.RecordError(span, schemaErr)
				if auditLog != nil {
					auditLog.LogToolDenied(toolCtx, snap.Name, id, schemaErr.Error(), "arguments_schema")
				}
			} else {
				var err error
				content, isError, err = invoker.Invoke(toolCtx, snap.Arguments)
				if err != nil {
					content, isError = err.Error(), true
					c.tracer.RecordError(span, err)
				}
			}
			span.End()
			elapsed := time.Since(started)
			if c.metrics != nil {
				status := "success"
				if isError {
					status = "error"
				}
				c.metrics.RecordToolExecution(snap.Name, status, elapsed.Seconds())
			}
			if auditLog != nil {
				auditLog.LogToolCompletion(toolCtx, snap.Name, id, !isError, content, elapsed)
			}
			if c.recorder != nil {
				var toolErr error
				if isError {
					toolErr = fmt.Errorf("%s", content)
				}
				c.recorder.RecordToolEnd(toolCtx, snap.Name, elapsed, content, toolErr)
			}
			if job != nil {
				job.FinishedAt = time.Now()
				job.Result = &models.ToolResult{ToolCallID: id, Content: content, IsError: isError}
				if isError {
					job.Status = jobs.StatusFailed
					job.Error = content
				} else {
					job.Status = jobs.StatusSucceeded
				}
				if err := c.jobStore.Update(toolCtx, job); err != nil {
					c.logger.Warn(toolCtx, "job record update failed", "tool_call_id", id, "error", err)
				}
			}
			results <- struct {
				id      string
				content string
				isError bool
			}{id, content, isError}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Cancellation must finish in bounded time even if a dispatched tool
	// never honors ctx.Done(): once the context is cancelled, a grace period
	// starts, and any tool still in flight when it elapses is left for
	// interrupt()'s synthetic "[Interrupted]" result rather than blocking
	// the drain forever.
	var grace <-chan time.Time
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return nil
			}
			tracker.EndToolCall(r.id, r.content, r.isError, time.Now())
			if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventToolResult, kernel.ToolResultPayload{ToolCallID: r.id, Content: r.content, IsError: r.isError, RunInfo: runInfo}); err != nil {
				return err
			}
			tracker.MarkToolResultPersisted(r.id)
		case <-ctx.Done():
			if grace == nil {
				grace = time.After(toolCancelGracePeriod)
			}
		case <-grace:
			return ctx.Err()
		}
	}
}

// interrupt persists the partial turn via the tracker's interrupt capture
// and returns a CancelledError, per §4.8's cancel() contract.
func (c *Coordinator) interrupt(ctx context.Context, opts RunOptions, tracker *Tracker, runID string) (*RunResult, error) {
	runInfo := kernel.RunInfo{RunID: runID, ParentRunID: opts.ParentRunID, Depth: opts.Depth}
	assistantBlocks, toolResults := tracker.BuildInterruptedContent()

	// If this turn already flushed its assistant content pre-tool, that
	// content is already on the log (as a non-interrupted message.assistant
	// event persisted by runTools); re-emitting it here would duplicate it.
	// Only a turn that never reached the flush gets its content persisted
	// now, flagged Interrupted.
	if len(assistantBlocks) > 0 && !tracker.PreToolContentFlushed() {
		if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventMessageAssist, kernel.MessageAssistantPayload{Content: assistantBlocks, Interrupted: true, RunInfo: runInfo}); err != nil {
			return nil, err
		}
	}
	for _, block := range toolResults {
		trb, ok := block.(kernel.ToolResultBlock)
		if !ok {
			continue
		}
		if _, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventToolResult, kernel.ToolResultPayload{ToolCallID: trb.ToolCallID, Content: trb.Content, IsError: trb.IsError, RunInfo: runInfo}); err != nil {
			return nil, err
		}
	}

	final, err := c.appendLinearized(ctx, opts.SessionID, kernel.EventStreamTurnEnd, kernel.StreamTurnEndPayload{Turn: tracker.currentTurn, Interrupted: true, RunInfo: runInfo})
	if err != nil {
		return nil, err
	}
	tracker.OnAgentEnd()

	return &RunResult{RunID: runID, Interrupted: true, FinalEventID: final.ID}, &kernel.CancelledError{SessionID: opts.SessionID, RunID: runID}
}

// appendLinearized routes through the Event Linearizer and notifies the
// Broadcast Bus's persisted-event lane exactly once the append commits.
func (c *Coordinator) appendLinearized(ctx context.Context, sessionID string, typ kernel.EventType, payload kernel.EventPayload) (*kernel.Event, error) {
	return c.linearizer.AppendLinearized(ctx, sessionID, typ, payload, func(ctx context.Context, ev *kernel.Event) {
		c.bus.PublishPersisted(ev)
	})
}

// emitRunAttempt publishes a run.attempt diagnostic for retry debugging; a
// no-op unless diagnostics are enabled.
func (c *Coordinator) emitRunAttempt(sessionID, runID string, turn, attempt int, outcome string) {
	observability.EmitRunAttempt(&observability.RunAttemptEvent{
		SessionID: sessionID,
		RunID:     runID,
		Turn:      turn,
		Attempt:   attempt,
		Outcome:   outcome,
	})
}

// assertAs is a tiny errors.As wrapper kept local to avoid importing
// "errors" just for this one call site's generic-free signature.
func assertAs(err error, target **kernel.ProviderFatalError) bool {
	if fe, ok := err.(*kernel.ProviderFatalError); ok {
		*target = fe
		return true
	}
	return false
}

func assertRetryableAs(err error, target **kernel.ProviderRetryableError) bool {
	if re, ok := err.(*kernel.ProviderRetryableError); ok {
		*target = re
		return true
	}
	return false
}
