// Package projection folds log events into per-agent state.
//
// The fold is a pure function of the event sequence: every timestamp it
// writes comes from the event itself.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetwatch/internal/domain"
)

// ErrPayload marks an event whose payload cannot be decoded.
var ErrPayload = errors.New("invalid event payload")

// MergeFunc applies one event to st. It must only touch the fields its
// event type owns.
type MergeFunc func(st *domain.AgentState, evt domain.Event, p domain.Payload)

type entry struct {
	merge MergeFunc
	// create reports whether the event may create a missing agent row.
	create bool
}

// Registry maps event types to merge functions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns a registry with the built-in agent event types.
func NewRegistry() *Registry {
	r := &Registry{entries: map[string]entry{}}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the merge for evtType. Events of that type
// create the agent row when it does not exist yet.
func (r *Registry) Register(evtType string, fn MergeFunc) {
	r.register(evtType, fn, true)
}

func (r *Registry) register(evtType string, fn MergeFunc, create bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[evtType] = entry{merge: fn, create: create}
}

// Known reports whether evtType has a merge.
func (r *Registry) Known(evtType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[evtType]
	return ok
}

// Types lists registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}

// DecodePayload parses an event payload. An empty payload decodes to zero.
func DecodePayload(raw json.RawMessage) (domain.Payload, error) {
	var p domain.Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return p, nil
}

// Apply folds evt into prev. exists says whether prev is a stored row.
// changed is false when the event has no effect on the agent (unknown type,
// or a type that does not create rows arriving for an unseen agent).
func (r *Registry) Apply(prev domain.AgentState, exists bool, evt domain.Event) (next domain.AgentState, changed bool, err error) {
	r.mu.RLock()
	e, ok := r.entries[evt.Type]
	r.mu.RUnlock()
	if !ok {
		return prev, false, nil
	}
	if !exists && !e.create {
		return prev, false, nil
	}
	p, err := DecodePayload(evt.Payload)
	if err != nil {
		return prev, false, err
	}

	next = prev
	if prev.ToolStartedAt != nil {
		ts := *prev.ToolStartedAt
		next.ToolStartedAt = &ts
	}
	at := evt.CreatedAt.UTC()
	if !exists {
		next = domain.AgentState{
			AgentID:   evt.SubjectID,
			Status:    domain.StatusOnline,
			CreatedAt: at,
		}
	}
	if p.Source.ServerID != "" {
		next.ServerID = p.Source.ServerID
	}
	if p.Source.Framework != "" {
		next.Framework = p.Source.Framework
	}
	if p.Source.Language != "" {
		next.Language = p.Source.Language
	}
	e.merge(&next, evt, p)
	next.LastActivity = at
	next.LastSeq = evt.Seq
	next.UpdatedAt = at
	return next, true, nil
}

// Fold replays events in order over a keyed state set. It is the reference
// the durable projector and the sync client must agree with.
func (r *Registry) Fold(states map[string]domain.AgentState, evts []domain.Event) error {
	for _, evt := range evts {
		prev, exists := states[evt.SubjectID]
		next, changed, err := r.Apply(prev, exists, evt)
		if err != nil {
			return fmt.Errorf("fold seq %d: %w", evt.Seq, err)
		}
		if changed {
			states[evt.SubjectID] = next
		}
	}
	return nil
}

// ToolUsage is one completed tool call derived from tool_usage_finished.
type ToolUsage struct {
	AgentID  string
	Tool     string
	MemoryID string
	Success  bool
	Duration time.Duration
}

// ToolUsageOf reports the tool call closed by evt, using the durable start
// time on prev. ok is false when evt does not close a tracked call.
func ToolUsageOf(prev domain.AgentState, evt domain.Event) (ToolUsage, bool) {
	if evt.Type != TypeToolUsageFinished || prev.CurrentTool == "" {
		return ToolUsage{}, false
	}
	p, err := DecodePayload(evt.Payload)
	if err != nil {
		return ToolUsage{}, false
	}
	u := ToolUsage{
		AgentID:  prev.AgentID,
		Tool:     prev.CurrentTool,
		MemoryID: prev.MemoryID,
		Success:  true,
	}
	if res, ok := p.Data["result"]; ok && res != nil {
		u.Success = !resultFailed(fmt.Sprint(res))
	}
	if prev.ToolStartedAt != nil {
		if d := evt.CreatedAt.Sub(*prev.ToolStartedAt); d > 0 {
			u.Duration = d
		}
	}
	return u, true
}
