// Package upsert persists merged entities by normalized address, writing
// only when a monitored field or the contributing source set changed.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/store"
)

// Action is what an upsert did to storage
type Action string

const (
	ActionInserted  Action = "inserted"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// ReasonInitial is the change reason stamped on first insert
const ReasonInitial = "initial"

// Result describes one upsert
type Result struct {
	Action  Action
	Entity  *listing.MergedEntity
	Changes map[string]listing.FieldChange
}

// Engine applies merged drafts to a store
type Engine struct {
	store  store.Store
	now    func() time.Time
	events events.Sink
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an upsert engine over st
func NewEngine(st store.Store, sink events.Sink, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		now:    time.Now,
		events: events.OrDiscard(sink),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert inserts draft, updates the stored entity for its address, or only
// stamps LastMergedAt when nothing monitored changed. Callers must serialize
// upserts of the same normalized address.
func (e *Engine) Upsert(ctx context.Context, draft *listing.MergedEntity) (Result, error) {
	now := e.now().UTC()

	old, err := e.store.FindByAddress(ctx, draft.NormalizedAddress)
	if errors.Is(err, store.ErrNotFound) {
		return e.insert(ctx, draft, now)
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup %q: %w", draft.NormalizedAddress, err)
	}

	changes, sourcesChanged := Diff(old, draft)
	if len(changes) == 0 && !sourcesChanged {
		if err := e.store.TouchMerged(ctx, old.ID, now); err != nil {
			return Result{}, fmt.Errorf("touch %s: %w", old.ID, err)
		}
		old.LastMergedAt = now
		e.emit(ActionUnchanged, old, nil)
		return Result{Action: ActionUnchanged, Entity: old}, nil
	}

	next := draft.Clone()
	next.ID = old.ID
	next.CreatedAt = old.CreatedAt
	next.UpdatedAt = now
	next.LastMergedAt = now
	next.ChangedFields = changes
	next.LastChangeReason = changeReason(changes)

	if err := e.store.UpdateMerged(ctx, next); err != nil {
		return Result{}, fmt.Errorf("update %s: %w", next.ID, err)
	}
	if err := e.store.RecordChanges(ctx, history(next, changes, now)); err != nil {
		return Result{}, fmt.Errorf("record changes %s: %w", next.ID, err)
	}

	e.emit(ActionUpdated, next, changes)
	return Result{Action: ActionUpdated, Entity: next, Changes: changes}, nil
}

func (e *Engine) insert(ctx context.Context, draft *listing.MergedEntity, now time.Time) (Result, error) {
	next := draft.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.RecountSources()
	next.RecountConflicts()
	next.CreatedAt = now
	next.UpdatedAt = now
	next.LastMergedAt = now
	next.ChangedFields = nil
	next.LastChangeReason = ReasonInitial

	if err := e.store.InsertMerged(ctx, next); err != nil {
		return Result{}, fmt.Errorf("insert %q: %w", next.NormalizedAddress, err)
	}
	e.emit(ActionInserted, next, nil)
	return Result{Action: ActionInserted, Entity: next}, nil
}

func (e *Engine) emit(action Action, ent *listing.MergedEntity, changes map[string]listing.FieldChange) {
	attrs := map[string]any{
		"action": string(action),
		"id":     ent.ID,
	}
	if len(changes) > 0 {
		attrs["changed"] = changedNames(changes)
	}
	e.events.Emit(events.Event{
		Kind:    events.KindUpsert,
		Address: ent.NormalizedAddress,
		Method:  ent.MatchMethod,
		Attrs:   attrs,
	})
}

// changeReason summarizes the changed field names, e.g. "updated: beds, price"
func changeReason(changes map[string]listing.FieldChange) string {
	return "updated: " + strings.Join(changedNames(changes), ", ")
}

func changedNames(changes map[string]listing.FieldChange) []string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func history(ent *listing.MergedEntity, changes map[string]listing.FieldChange, at time.Time) []store.Change {
	rows := make([]store.Change, 0, len(changes))
	for _, name := range changedNames(changes) {
		c := changes[name]
		rows = append(rows, store.Change{
			PropertyID: ent.ID,
			Field:      name,
			Old:        c.Old,
			New:        c.New,
			Source:     c.Source,
			Reason:     ent.LastChangeReason,
			ChangedAt:  at,
		})
	}
	return rows
}
