package kernel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// MemoryBackend is the default Event Log backend: an in-process, mutex
// guarded store. It is the reference implementation every other backend
// (Postgres, SQLite) must behave identically to from the caller's point of
// view.
type MemoryBackend struct {
	mu        sync.RWMutex
	events    map[string]*kernel.Event
	bySession map[string][]*kernel.Event // append-ordered, kept sorted by sequence
	children  map[string][]*kernel.Event // parentID -> children, append-ordered
	seq       map[string]int64
}

// NewMemoryBackend constructs an empty in-memory Event Log backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:    make(map[string]*kernel.Event),
		bySession: make(map[string][]*kernel.Event),
		children:  make(map[string][]*kernel.Event),
		seq:       make(map[string]int64),
	}
}

func (m *MemoryBackend) Insert(_ context.Context, ev *kernel.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events[ev.ID] = &cp
	m.bySession[ev.SessionID] = append(m.bySession[ev.SessionID], &cp)
	if ev.ParentID != "" {
		m.children[ev.ParentID] = append(m.children[ev.ParentID], &cp)
	}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*kernel.Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	return ev, ok, nil
}

func (m *MemoryBackend) Children(_ context.Context, parentID string) ([]*kernel.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	children := append([]*kernel.Event(nil), m.children[parentID]...)
	sort.Slice(children, func(i, j int) bool { return children[i].Sequence < children[j].Sequence })
	return children, nil
}

func (m *MemoryBackend) BySession(_ context.Context, sessionID string) ([]*kernel.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := append([]*kernel.Event(nil), m.bySession[sessionID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

func (m *MemoryBackend) NextSequence(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[sessionID]++
	return m.seq[sessionID], nil
}

func (m *MemoryBackend) Search(_ context.Context, query string, opts SearchOptions) ([]*kernel.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query = strings.ToLower(query)
	typeSet := make(map[kernel.EventType]bool, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = true
	}

	var pool []*kernel.Event
	if opts.SessionID != "" {
		pool = m.bySession[opts.SessionID]
	} else {
		for _, events := range m.bySession {
			pool = append(pool, events...)
		}
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].SessionID != pool[j].SessionID {
				return pool[i].SessionID < pool[j].SessionID
			}
			return pool[i].Sequence < pool[j].Sequence
		})
	}

	var out []*kernel.Event
	for _, ev := range pool {
		if len(typeSet) > 0 && !typeSet[ev.Type] {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(payloadText(ev)), query) {
			continue
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// memoryHeadStore is the default HeadStore, backing the in-memory Session
// Registry. Kept in this file because it is purely a storage detail of the
// memory backend pairing, not part of L2's public surface.
type memoryHeadStore struct {
	mu         sync.RWMutex
	heads      map[string]string
	endedSet   map[string]bool
	workspaces map[string]string
}

func newMemoryHeadStore() *memoryHeadStore {
	return &memoryHeadStore{
		heads:      make(map[string]string),
		endedSet:   make(map[string]bool),
		workspaces: make(map[string]string),
	}
}

func (h *memoryHeadStore) Head(_ context.Context, sessionID string) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	head, ok := h.heads[sessionID]
	return head, ok, nil
}

func (h *memoryHeadStore) Ended(_ context.Context, sessionID string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endedSet[sessionID], nil
}

func (h *memoryHeadStore) AdvanceHead(_ context.Context, sessionID string, newHead string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heads[sessionID] = newHead
	return nil
}

func (h *memoryHeadStore) Workspace(_ context.Context, sessionID string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workspaces[sessionID], nil
}

func (h *memoryHeadStore) setEnded(sessionID string, ended bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endedSet[sessionID] = ended
}

func (h *memoryHeadStore) setWorkspace(sessionID, workingDirectory string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workspaces[sessionID] = workingDirectory
}
