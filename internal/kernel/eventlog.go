// Package kernel implements the ten session-kernel components (L1-L10):
// an event-sourced, parent-linked log and the session/message/streaming
// machinery built on top of it.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/kernel"
)

// HeadStore is the subset of the Session Registry (L2) the Event Log needs
// to resolve an omitted parentId and to advance a session's head after a
// successful append. Kept as an interface so L1 and L2 can be constructed
// independently and wired together by the caller.
type HeadStore interface {
	// Head returns the session's current head event id. ok is false if the
	// session has no row yet (the very first append for it is in flight).
	Head(ctx context.Context, sessionID string) (headEventID string, ok bool, err error)

	// Ended reports whether the session has a session.end event.
	Ended(ctx context.Context, sessionID string) (bool, error)

	// AdvanceHead updates the session's head event id. It is a no-op from
	// the Event Log's point of view when the append did not extend the
	// current head (e.g. two independent forks from the same point).
	AdvanceHead(ctx context.Context, sessionID string, newHead string) error

	// Workspace returns the session's working directory, used by Search
	// to scope results to one workspace. Empty string if the session has
	// no row or no working directory.
	Workspace(ctx context.Context, sessionID string) (string, error)
}

// Backend is the pluggable durable-storage seam for the Event Log. The
// in-memory implementation below is the default; eventlog_postgres.go and
// eventlog_sqlite.go provide durable alternatives selected by configuration.
type Backend interface {
	Insert(ctx context.Context, ev *kernel.Event) error
	Get(ctx context.Context, id string) (*kernel.Event, bool, error)
	Children(ctx context.Context, parentID string) ([]*kernel.Event, error)
	BySession(ctx context.Context, sessionID string) ([]*kernel.Event, error)
	NextSequence(ctx context.Context, sessionID string) (int64, error)
	Search(ctx context.Context, query string, opts SearchOptions) ([]*kernel.Event, error)
}

// SearchOptions narrows an Event Log search (§4.1); contract is existence,
// not ranking.
type SearchOptions struct {
	SessionID   string
	WorkspaceID string
	Types       []kernel.EventType
	Limit       int
}

// AppendOpts customizes a single append call.
type AppendOpts struct {
	// ParentID, when non-nil, is used verbatim as the new event's parent
	// instead of the session's current head. A pointer to the empty string
	// means "no parent" (this is a session's root event); nil means "derive
	// from head" (the common case).
	ParentID *string
}

// EventLog is L1: an append-only, parent-linked, sequence-numbered store of
// typed events. Writes for a single session are serialized by a per-session
// mutex so sequence assignment, persistence, and head advancement happen as
// one atomic step — the same discipline as the Event Linearizer (L7) applies
// one layer up for callers that want queued, non-blocking appends.
type EventLog struct {
	backend Backend
	heads   HeadStore
	log     *observability.Logger

	sessionLocks sync.Map // map[string]*sync.Mutex

	notifyMu sync.Mutex
	notify   map[string]chan struct{} // per-session wakeup, closed-and-replaced on every append
}

// NewEventLog constructs an Event Log over the given backend and head store.
func NewEventLog(backend Backend, heads HeadStore, log *observability.Logger) *EventLog {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
	}
	return &EventLog{
		backend: backend,
		heads:   heads,
		log:     log,
		notify:  make(map[string]chan struct{}),
	}
}

func (l *EventLog) sessionLock(sessionID string) *sync.Mutex {
	if m, ok := l.sessionLocks.Load(sessionID); ok {
		return m.(*sync.Mutex)
	}
	m, _ := l.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Append assigns id/sequence/timestamp, persists atomically, and advances
// the owning session's head if the resolved parent equals the previous head
// (§4.1). Fails with ParentMissingError if the parent does not exist, or
// SessionEndedError if the session has already ended.
func (l *EventLog) Append(ctx context.Context, sessionID string, typ kernel.EventType, payload kernel.EventPayload, opts AppendOpts) (*kernel.Event, error) {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var parentID string
	isRoot := false
	if opts.ParentID != nil {
		parentID = *opts.ParentID
		isRoot = parentID == ""
	} else {
		head, ok, err := l.heads.Head(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("kernel: session %q has no head and no explicit parentId was given", sessionID)
		}
		parentID = head
	}

	if !isRoot {
		ended, err := l.heads.Ended(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if ended {
			return nil, &kernel.SessionEndedError{SessionID: sessionID}
		}
		if _, ok, err := l.backend.Get(ctx, parentID); err != nil {
			return nil, err
		} else if !ok {
			return nil, &kernel.ParentMissingError{SessionID: sessionID, ParentID: parentID}
		}
	}

	seq, err := l.backend.NextSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ev := &kernel.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ParentID:  parentID,
		Sequence:  seq,
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	if err := l.backend.Insert(ctx, ev); err != nil {
		return nil, err
	}

	// Advance head only when we extended the previous head (forks of an
	// earlier point must never move the head of the branch they forked
	// from; §4.2 invariant).
	if head, ok, _ := l.heads.Head(ctx, sessionID); !ok || head == parentID || head == "" {
		if err := l.heads.AdvanceHead(ctx, sessionID, ev.ID); err != nil {
			l.log.Warn(ctx, "failed to advance session head", "session_id", sessionID, "event_id", ev.ID, "error", err)
		}
	}

	l.wake(sessionID)
	return ev, nil
}

// Get retrieves a single event by id.
func (l *EventLog) Get(ctx context.Context, id string) (*kernel.Event, bool, error) {
	return l.backend.Get(ctx, id)
}

// GetChildren returns id's children ordered by sequence.
func (l *EventLog) GetChildren(ctx context.Context, id string) ([]*kernel.Event, error) {
	return l.backend.Children(ctx, id)
}

// GetBySession returns every event in a session ordered by sequence.
func (l *EventLog) GetBySession(ctx context.Context, sessionID string) ([]*kernel.Event, error) {
	return l.backend.BySession(ctx, sessionID)
}

// Search is an opaque text-match capability over payload text fields.
func (l *EventLog) Search(ctx context.Context, query string, opts SearchOptions) ([]*kernel.Event, error) {
	if opts.WorkspaceID == "" {
		return l.backend.Search(ctx, query, opts)
	}

	// Workspace scoping resolves against session metadata, which backends
	// don't store per event: fetch without a limit, filter by each result
	// session's working directory, and trim afterwards.
	backendOpts := opts
	backendOpts.Limit = 0
	out, err := l.backend.Search(ctx, query, backendOpts)
	if err != nil {
		return nil, err
	}

	var filtered []*kernel.Event
	matches := make(map[string]bool)
	for _, ev := range out {
		match, seen := matches[ev.SessionID]
		if !seen {
			ws, err := l.heads.Workspace(ctx, ev.SessionID)
			if err != nil {
				return nil, err
			}
			match = ws == opts.WorkspaceID
			matches[ev.SessionID] = match
		}
		if !match {
			continue
		}
		filtered = append(filtered, ev)
		if opts.Limit > 0 && len(filtered) >= opts.Limit {
			break
		}
	}
	return filtered, nil
}

// wake closes (and replaces) the session's notify channel, releasing every
// goroutine blocked in WaitForSession. Grounded on the close-and-replace
// notify idiom used for append-only logs: waiters never miss a wakeup
// because they re-check the condition after waking, and a single close can
// satisfy an unbounded number of waiters without per-waiter bookkeeping.
func (l *EventLog) wake(sessionID string) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if ch, ok := l.notify[sessionID]; ok {
		close(ch)
	}
	l.notify[sessionID] = make(chan struct{})
}

func (l *EventLog) waitChan(sessionID string) chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	ch, ok := l.notify[sessionID]
	if !ok {
		ch = make(chan struct{})
		l.notify[sessionID] = ch
	}
	return ch
}

// WaitForSession blocks until an event with sequence > fromSeq is appended
// to sessionID, then delivers it on the returned channel (closed after
// delivery, or immediately if ctx is cancelled first). This is additive
// plumbing used internally by the Broadcast Bus's persisted-event lane; it
// is not part of L1's public contract surface (append/get/getChildren/
// getBySession/search remain the closed list).
func (l *EventLog) WaitForSession(ctx context.Context, sessionID string, fromSeq int64) <-chan *kernel.Event {
	out := make(chan *kernel.Event, 1)
	go func() {
		defer close(out)
		for {
			events, err := l.backend.BySession(context.Background(), sessionID)
			if err == nil {
				for _, ev := range events {
					if ev.Sequence > fromSeq {
						out <- ev
						return
					}
				}
			}
			wait := l.waitChan(sessionID)
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// payloadText extracts the text fields a search should match against, kept
// here (rather than in each payload type) so Search's notion of "matchable
// text" stays a single, auditable place.
func payloadText(ev *kernel.Event) string {
	var sb strings.Builder
	switch p := ev.Payload.(type) {
	case kernel.MessageUserPayload:
		for _, b := range p.Content {
			writeBlockText(&sb, b)
		}
	case kernel.MessageAssistantPayload:
		for _, b := range p.Content {
			writeBlockText(&sb, b)
		}
	case kernel.ToolResultPayload:
		sb.WriteString(p.Content)
	case kernel.ToolCallPayload:
		sb.WriteString(p.Name)
		sb.Write(p.Arguments)
	case kernel.CompactBoundaryPayload:
		sb.WriteString(p.Summary)
	case kernel.ErrorProviderPayload:
		sb.WriteString(p.Message)
	default:
		if raw, err := json.Marshal(p); err == nil {
			sb.Write(raw)
		}
	}
	return sb.String()
}

func writeBlockText(sb *strings.Builder, b kernel.ContentBlock) {
	switch v := b.(type) {
	case kernel.TextBlock:
		sb.WriteString(v.Text)
	case kernel.ThinkingBlock:
		sb.WriteString(v.Text)
	case kernel.ToolUseBlock:
		sb.WriteString(v.Name)
	case kernel.ToolResultBlock:
		sb.WriteString(v.Content)
	}
}
