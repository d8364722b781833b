package kernel

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// ForkEngine is L9: fork and rewind on top of the Session Registry's
// cross-session fork primitive (§4.9).
type ForkEngine struct {
	registry *SessionRegistry
}

// NewForkEngine constructs a Fork/Rewind Engine over the given registry.
func NewForkEngine(registry *SessionRegistry) *ForkEngine {
	return &ForkEngine{registry: registry}
}

// Fork allocates a new session whose root points at fromEventID. No log
// events are copied; ancestor walks from the new session's root transparently
// cross into the parent session.
func (f *ForkEngine) Fork(ctx context.Context, fromEventID string, opts ForkOptions) (*kernel.Session, *kernel.Event, error) {
	return f.registry.Fork(ctx, fromEventID, opts)
}

// RewindOptions configures a rewind (§4.9).
type RewindOptions struct {
	// Name is carried through to the new session's ForkName, same as Fork.
	Name string
	// EndOld, when true, appends session.end to the session being rewound
	// (instead of merely leaving it in place, unreferenced going forward).
	EndOld bool
	// EndReason is used when EndOld is true.
	EndReason string
}

// Rewind is defined as fork(sessionId, toEventId) plus ending (or leaving)
// the old session, per §4.9: rewind(sessionId, toEventId) ≡ create a fork
// at toEventId and end/leave the old session. The caller decides whether to
// redirect its own notion of "current session" to the returned session;
// Rewind never mutates sessionID's log.
func (f *ForkEngine) Rewind(ctx context.Context, sessionID, toEventID string, opts RewindOptions) (*kernel.Session, *kernel.Event, error) {
	newSession, rootEvent, err := f.registry.Fork(ctx, toEventID, ForkOptions{Name: opts.Name})
	if err != nil {
		return nil, nil, err
	}

	if opts.EndOld {
		if err := f.registry.End(ctx, sessionID, opts.EndReason); err != nil {
			return newSession, rootEvent, err
		}
	}

	return newSession, rootEvent, nil
}
