package kernel

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// Navigator is L3: ancestor walk, descendant walk, and branch detection over
// the log.
type Navigator struct {
	log *EventLog
}

// NewNavigator constructs a DAG Navigator over the given Event Log.
func NewNavigator(log *EventLog) *Navigator {
	return &Navigator{log: log}
}

// Ancestors walks parentId links from root to eventId, oldest first. This is
// the only operation that crosses session boundaries (a fork root's parent
// lives in the parent session). A cycle — which must never occur — surfaces
// as InvariantViolationError rather than looping forever.
func (n *Navigator) Ancestors(ctx context.Context, eventID string) ([]*kernel.Event, error) {
	var chain []*kernel.Event
	seen := make(map[string]bool)

	cur := eventID
	for cur != "" {
		if seen[cur] {
			return nil, &kernel.InvariantViolationError{Detail: "cycle detected while walking ancestors of " + eventID}
		}
		seen[cur] = true

		ev, ok, err := n.log.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &kernel.ParentMissingError{ParentID: cur}
		}
		chain = append(chain, ev)
		cur = ev.ParentID
	}

	// chain is head-to-root; reverse to root-to-head (oldest first).
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Descendants performs a breadth-first walk of eventId's children within the
// same session, terminating at leaves.
func (n *Navigator) Descendants(ctx context.Context, eventID string) ([]*kernel.Event, error) {
	var out []*kernel.Event
	queue := []string{eventID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		children, err := n.log.GetChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// Branches identifies branch points (events with more than one child) within
// a session and classifies the resulting paths into a main line (the path
// ending at the session's current head) and the remaining forks.
type Branches struct {
	Main  []*kernel.Event
	Forks [][]*kernel.Event
}

// BranchesOf returns the branch structure of sessionID, given its head event.
func (n *Navigator) BranchesOf(ctx context.Context, sessionID string, headEventID string) (*Branches, error) {
	events, err := n.log.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	childCount := make(map[string]int)
	for _, ev := range events {
		if ev.ParentID != "" {
			childCount[ev.ParentID]++
		}
	}

	main, err := n.Ancestors(ctx, headEventID)
	if err != nil {
		return nil, err
	}
	onMain := make(map[string]bool, len(main))
	for _, ev := range main {
		onMain[ev.ID] = true
	}

	result := &Branches{Main: main}
	for _, ev := range events {
		if onMain[ev.ID] {
			continue
		}
		// Each off-main event that is itself a leaf (no children within the
		// session) roots a distinct fork path; walk it back to where it
		// rejoins the main line.
		children, _ := n.log.GetChildren(ctx, ev.ID)
		if len(children) > 0 {
			continue
		}
		path, err := n.Ancestors(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		var forkPath []*kernel.Event
		for i := len(path) - 1; i >= 0; i-- {
			if onMain[path[i].ID] {
				break
			}
			forkPath = append([]*kernel.Event{path[i]}, forkPath...)
		}
		if len(forkPath) > 0 {
			result.Forks = append(result.Forks, forkPath)
		}
	}
	return result, nil
}
