package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/kernel"
)

// DeltaKind is the closed set of streaming delta kinds the bus fans out
// in-flight (§4.10). Deltas are never persisted individually.
type DeltaKind string

const (
	DeltaText          DeltaKind = "text_delta"
	DeltaThinking       DeltaKind = "thinking_delta"
	DeltaToolStart      DeltaKind = "tool_start"
	DeltaToolEnd        DeltaKind = "tool_end"
	DeltaTurnStart      DeltaKind = "turn_start"
	DeltaTurnEnd        DeltaKind = "turn_end"
	DeltaCompaction     DeltaKind = "compaction"
	DeltaSkillRemoved   DeltaKind = "skill_removed"
	DeltaBrowserFrame   DeltaKind = "browser.frame"
	DeltaTodosUpdated   DeltaKind = "todos_updated"
)

// StreamDelta is one fine-grained, unpersisted update fanned out on a
// subscriber's delta channel.
type StreamDelta struct {
	Kind      DeltaKind
	SessionID string
	Payload   any
}

// Filter narrows a subscription to a subset of sessions and/or event types.
// A nil/empty field means "all".
type Filter struct {
	SessionIDs []string
	Types      []kernel.EventType
}

func (f Filter) matchesSession(sessionID string) bool {
	if len(f.SessionIDs) == 0 {
		return true
	}
	for _, s := range f.SessionIDs {
		if s == sessionID {
			return true
		}
	}
	return false
}

func (f Filter) matchesType(t kernel.EventType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Subscription is a subscriber's two delivery channels. Persisted is a
// block-or-disconnect lane (every commit for a matching session must
// arrive, in commit order, or the subscriber is dropped rather than stall
// the bus); Deltas is a bounded drop-oldest lane.
type Subscription struct {
	Persisted <-chan *kernel.Event
	Deltas    <-chan StreamDelta

	id        uint64
	filter    Filter
	persisted chan *kernel.Event
	deltas    chan StreamDelta
	deltaMu   sync.Mutex
	live      int32
}

func (s *Subscription) disconnect() {
	if atomic.CompareAndSwapInt32(&s.live, 1, 0) {
		close(s.persisted)
		close(s.deltas)
	}
}

// Disconnected reports whether the bus has dropped this subscriber (the
// persisted lane filled and blocking would have stalled the publisher).
func (s *Subscription) Disconnected() bool {
	return atomic.LoadInt32(&s.live) == 0
}

// Bus is L10: the Broadcast Bus. Subscribers register with a Filter and
// receive a persisted-event channel (one notification per successful
// append, in commit order) and a streaming-delta channel (best-effort,
// arrival order). Grounded on the high/low-priority split in
// agent.BackpressureSink, specialized to two closed lanes per subscriber
// instead of one merged output.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	metrics *observability.Metrics
}

// NewBus constructs an empty Broadcast Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// SetMetrics attaches backpressure instrumentation (subscriber gauge plus
// drop/disconnect counters). Nil-safe; no-op when never called.
func (b *Bus) SetMetrics(m *observability.Metrics) { b.metrics = m }

// DefaultPersistedBuffer and DefaultDeltaBuffer mirror
// agent.DefaultBackpressureConfig's lane sizes.
const (
	DefaultPersistedBuffer = 32
	DefaultDeltaBuffer     = 256
)

// Subscribe registers a new subscriber and returns its channels plus an
// unsubscribe function.
func (b *Bus) Subscribe(filter Filter) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	persisted := make(chan *kernel.Event, DefaultPersistedBuffer)
	deltas := make(chan StreamDelta, DefaultDeltaBuffer)
	sub := &Subscription{
		id:        id,
		filter:    filter,
		persisted: persisted,
		deltas:    deltas,
		Persisted: persisted,
		Deltas:    deltas,
		live:      1,
	}
	b.subs[id] = sub
	if b.metrics != nil {
		b.metrics.BusSubscribed()
	}

	unsubscribe := func() {
		b.mu.Lock()
		_, present := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if present && b.metrics != nil {
			b.metrics.BusUnsubscribed()
		}
		sub.disconnect()
	}
	return sub, unsubscribe
}

// PublishPersisted notifies every matching, still-connected subscriber that
// ev committed. Delivery is non-blocking: a subscriber whose persisted lane
// is full is disconnected rather than stalling every other subscriber and
// the publisher that called this (the bus's own ordering guarantee binds
// the order across subscribers, not a promise to wait for the slowest one).
func (b *Bus) PublishPersisted(ev *kernel.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.Disconnected() || !s.filter.matchesSession(ev.SessionID) || !s.filter.matchesType(ev.Type) {
			continue
		}
		select {
		case s.persisted <- ev:
		default:
			s.disconnect()
			if b.metrics != nil {
				b.metrics.RecordBusDrop("persisted_disconnect")
			}
		}
	}
}

// PublishDelta fans a streaming delta out to matching subscribers using a
// drop-oldest policy: if a subscriber's delta lane is full, the oldest
// queued delta is discarded to make room for the new one.
func (b *Bus) PublishDelta(d StreamDelta) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.Disconnected() || !s.filter.matchesSession(d.SessionID) {
			continue
		}
		s.deltaMu.Lock()
		select {
		case s.deltas <- d:
		default:
			select {
			case <-s.deltas:
				if b.metrics != nil {
					b.metrics.RecordBusDrop("delta_dropped_oldest")
				}
			default:
			}
			select {
			case s.deltas <- d:
			default:
			}
		}
		s.deltaMu.Unlock()
	}
}
