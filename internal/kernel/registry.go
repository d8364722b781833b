package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// CreateOptions configures a new session (L2 create).
type CreateOptions struct {
	WorkingDirectory string
	Model            string
}

// ForkOptions configures a fork (L2 fork / L9).
type ForkOptions struct {
	Name string
}

// ListFilter narrows Registry.List.
type ListFilter struct {
	ParentSessionID string
	IncludeEnded    bool
}

// SessionRegistry is L2: maps session identifiers to their root/head event
// and metadata. It owns session rows exclusively; the Event Log owns events.
// SessionRegistry implements HeadStore so the Event Log can resolve omitted
// parents and advance heads without a circular package dependency.
type SessionRegistry struct {
	log *EventLog

	mu       sync.RWMutex
	sessions map[string]*kernel.Session
	heads    *memoryHeadStore
}

// NewSessionRegistry constructs a registry backed by the given Event Log.
// The registry and log must share the same HeadStore instance — callers
// should construct the registry first with NewSessionRegistry, then pass
// registry.HeadStore() into NewEventLog.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*kernel.Session),
		heads:    newMemoryHeadStore(),
	}
}

// HeadStore exposes the registry's head-tracking surface for the Event Log.
func (r *SessionRegistry) HeadStore() HeadStore { return r.heads }

// Bind attaches the Event Log this registry appends session lifecycle
// events through. Must be called before Create/Fork/End.
func (r *SessionRegistry) Bind(log *EventLog) { r.log = log }

// Create atomically allocates a session row and appends its session.start
// root event.
func (r *SessionRegistry) Create(ctx context.Context, opts CreateOptions) (*kernel.Session, *kernel.Event, error) {
	if r.log == nil {
		return nil, nil, fmt.Errorf("kernel: session registry not bound to an event log")
	}

	id := uuid.NewString()
	sess := &kernel.Session{
		ID:               id,
		WorkingDirectory: opts.WorkingDirectory,
		CurrentModel:     opts.Model,
		CreatedAt:        time.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	r.heads.setWorkspace(id, opts.WorkingDirectory)

	noParent := ""
	ev, err := r.log.Append(ctx, id, kernel.EventSessionStart, kernel.SessionStartPayload{
		WorkingDirectory: opts.WorkingDirectory,
		Model:            opts.Model,
	}, AppendOpts{ParentID: &noParent})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, nil, err
	}

	r.mu.Lock()
	sess.RootEventID = ev.ID
	sess.HeadEventID = ev.ID
	r.mu.Unlock()

	return sess, ev, nil
}

// Fork allocates a new session whose root points at fromEventID, crossing
// into the parent session's log (§4.2, §4.9). No events are copied.
func (r *SessionRegistry) Fork(ctx context.Context, fromEventID string, opts ForkOptions) (*kernel.Session, *kernel.Event, error) {
	if r.log == nil {
		return nil, nil, fmt.Errorf("kernel: session registry not bound to an event log")
	}

	from, ok, err := r.log.Get(ctx, fromEventID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &kernel.ParentMissingError{ParentID: fromEventID}
	}

	id := uuid.NewString()
	sess := &kernel.Session{
		ID:              id,
		ParentSessionID: from.SessionID,
		ForkName:        opts.Name,
		CreatedAt:       time.Now(),
	}

	// A fork stays in its parent's workspace.
	r.mu.RLock()
	if parentSess, ok := r.sessions[from.SessionID]; ok {
		sess.WorkingDirectory = parentSess.WorkingDirectory
	}
	r.mu.RUnlock()

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	r.heads.setWorkspace(id, sess.WorkingDirectory)

	parent := fromEventID
	ev, err := r.log.Append(ctx, id, kernel.EventSessionFork, kernel.SessionForkPayload{Name: opts.Name}, AppendOpts{ParentID: &parent})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, nil, err
	}

	r.mu.Lock()
	sess.RootEventID = ev.ID
	sess.HeadEventID = ev.ID
	r.mu.Unlock()

	return sess, ev, nil
}

// End terminates a session: appends session.end and marks it ended so
// further appends are refused with SessionEndedError.
func (r *SessionRegistry) End(ctx context.Context, sessionID string, reason string) error {
	if r.log == nil {
		return fmt.Errorf("kernel: session registry not bound to an event log")
	}
	if _, err := r.log.Append(ctx, sessionID, kernel.EventSessionEnd, kernel.SessionEndPayload{Reason: reason}, AppendOpts{}); err != nil {
		return err
	}

	r.heads.setEnded(sessionID, true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		now := time.Now()
		sess.EndedAt = &now
	}
	return nil
}

// Get returns a session by id.
func (r *SessionRegistry) Get(sessionID string) (*kernel.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	head, hok, _ := r.heads.Head(context.Background(), sessionID)
	cp := *sess
	if hok {
		cp.HeadEventID = head
	}
	return &cp, true
}

// List returns sessions matching filter.
func (r *SessionRegistry) List(filter ListFilter) []*kernel.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*kernel.Session
	for _, sess := range r.sessions {
		if filter.ParentSessionID != "" && sess.ParentSessionID != filter.ParentSessionID {
			continue
		}
		if !filter.IncludeEnded && sess.Ended() {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out
}
