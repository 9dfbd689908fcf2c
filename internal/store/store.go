// Package store defines the persistence port of the merge engine and an
// in-memory implementation of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/propmerge/internal/listing"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing
	// normalized address
	ErrDuplicate = errors.New("duplicate merged property")
)

// Change is one history row written when a merged property is updated
type Change struct {
	PropertyID string
	Field      string
	Old        any
	New        any
	Source     string
	Reason     string
	ChangedAt  time.Time
}

// ListFilter narrows ListMerged
type ListFilter struct {
	Region        string
	ConflictsOnly bool
	MinSources    int
	Limit         int
	Offset        int
}

// Store is everything the engine needs from persistence
type Store interface {
	// LoadSources returns every source listing, grouped by source.
	// An empty region loads all regions.
	LoadSources(ctx context.Context, region string) (listing.Pools, error)
	SaveSources(ctx context.Context, recs []listing.SourceRecord) error

	FindByAddress(ctx context.Context, normalizedAddress string) (*listing.MergedEntity, error)
	GetMerged(ctx context.Context, id string) (*listing.MergedEntity, error)
	ListMerged(ctx context.Context, filter ListFilter) ([]*listing.MergedEntity, error)
	InsertMerged(ctx context.Context, e *listing.MergedEntity) error
	UpdateMerged(ctx context.Context, e *listing.MergedEntity) error
	TouchMerged(ctx context.Context, id string, at time.Time) error
	RecordChanges(ctx context.Context, changes []Change) error
	ListChanges(ctx context.Context, propertyID string) ([]Change, error)

	// SaveRunStats keeps one row per run date; a later save replaces it
	SaveRunStats(ctx context.Context, stats listing.RunStats) error
	GetRunStats(ctx context.Context, date time.Time) (*listing.RunStats, error)
	ListRunStats(ctx context.Context, limit int) ([]listing.RunStats, error)

	Ping(ctx context.Context) error
	Close() error
}
