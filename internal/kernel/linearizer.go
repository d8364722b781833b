package kernel

import (
	"context"

	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/pkg/kernel"
)

// Linearizer is L7: serializes event emission for a session so parentId
// chains stay linear even under concurrent callers. It is built on top of
// the Event Log's own per-session append mutex (which guarantees a single
// append is atomic) by adding a FIFO queue per session, so that ordering
// between independent Append calls is deterministic and callers can attach
// a post-persist callback that is guaranteed to run before the next queued
// append starts.
type Linearizer struct {
	log   *EventLog
	queue *infra.CommandQueue
}

// NewLinearizer constructs an Event Linearizer over the given Event Log.
// Each session gets its own single-concurrency lane in the underlying
// command queue, keyed by session id.
func NewLinearizer(log *EventLog) *Linearizer {
	return &Linearizer{log: log, queue: infra.NewCommandQueue()}
}

// OnCreated is invoked synchronously after an event is persisted but before
// the next queued append for the same session is dequeued. Useful for
// emitting a broadcast notification whose happens-after relation must
// precede the next event.
type OnCreated func(ctx context.Context, ev *kernel.Event)

// AppendLinearized enqueues an append for sessionID behind that session's
// single-writer lane. The order in which calls return success matches the
// order any consumer will observe them in (§4.7).
func (l *Linearizer) AppendLinearized(ctx context.Context, sessionID string, typ kernel.EventType, payload kernel.EventPayload, onCreated OnCreated) (*kernel.Event, error) {
	result, err := l.queue.EnqueueInLane(ctx, sessionID, func(ctx context.Context) (any, error) {
		ev, err := l.log.Append(ctx, sessionID, typ, payload, AppendOpts{})
		if err != nil {
			return nil, err
		}
		if onCreated != nil {
			onCreated(ctx, ev)
		}
		return ev, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return result.(*kernel.Event), nil
}
