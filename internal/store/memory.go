package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/propmerge/internal/listing"
)

// Memory is a Store kept entirely in process. Values are copied on the way
// in and out, so callers never share state with it.
type Memory struct {
	mu       sync.RWMutex
	sources  map[string]listing.SourceRecord
	order    []string
	merged   map[string]*listing.MergedEntity
	byAddr   map[string]string
	changes  []Change
	stats    map[string]listing.RunStats
	inserts  int
	updates  int
	touches  int
	failNext error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sources: make(map[string]listing.SourceRecord),
		merged:  make(map[string]*listing.MergedEntity),
		byAddr:  make(map[string]string),
		stats:   make(map[string]listing.RunStats),
	}
}

// WriteCounts reports how many inserts, updates and touches were applied
func (m *Memory) WriteCounts() (inserts, updates, touches int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts, m.updates, m.touches
}

// FailNextWrite makes the next source or merged-property write return err
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func sourceKey(src listing.Source, id string) string {
	return string(src) + "/" + id
}

func (m *Memory) LoadSources(ctx context.Context, region string) (listing.Pools, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pools := make(listing.Pools)
	for _, key := range m.order {
		rec := m.sources[key]
		if region != "" && rec.Region != region {
			continue
		}
		pools[rec.Source] = append(pools[rec.Source], cloneRecord(rec))
	}
	return pools, nil
}

func (m *Memory) SaveSources(ctx context.Context, recs []listing.SourceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.Source.Valid() {
			return fmt.Errorf("save source %q/%s: unknown source", rec.Source, rec.ID)
		}
		key := sourceKey(rec.Source, rec.ID)
		if _, ok := m.sources[key]; !ok {
			m.order = append(m.order, key)
		}
		m.sources[key] = cloneRecord(rec)
	}
	return nil
}

func (m *Memory) FindByAddress(ctx context.Context, normalizedAddress string) (*listing.MergedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddr[normalizedAddress]
	if !ok {
		return nil, ErrNotFound
	}
	return m.merged[id].Clone(), nil
}

func (m *Memory) GetMerged(ctx context.Context, id string) (*listing.MergedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.merged[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) ListMerged(ctx context.Context, filter ListFilter) ([]*listing.MergedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*listing.MergedEntity
	for _, e := range m.merged {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NormalizedAddress < out[j].NormalizedAddress
	})
	return filter.page(out), nil
}

func (m *Memory) InsertMerged(ctx context.Context, e *listing.MergedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.byAddr[e.NormalizedAddress]; ok {
		return fmt.Errorf("insert %q: %w", e.NormalizedAddress, ErrDuplicate)
	}
	if _, ok := m.merged[e.ID]; ok {
		return fmt.Errorf("insert id %s: %w", e.ID, ErrDuplicate)
	}
	m.merged[e.ID] = e.Clone()
	m.byAddr[e.NormalizedAddress] = e.ID
	m.inserts++
	return nil
}

func (m *Memory) UpdateMerged(ctx context.Context, e *listing.MergedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	old, ok := m.merged[e.ID]
	if !ok {
		return ErrNotFound
	}
	if old.NormalizedAddress != e.NormalizedAddress {
		if _, taken := m.byAddr[e.NormalizedAddress]; taken {
			return fmt.Errorf("update %s to %q: %w", e.ID, e.NormalizedAddress, ErrDuplicate)
		}
		delete(m.byAddr, old.NormalizedAddress)
		m.byAddr[e.NormalizedAddress] = e.ID
	}
	m.merged[e.ID] = e.Clone()
	m.updates++
	return nil
}

func (m *Memory) TouchMerged(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.merged[id]
	if !ok {
		return ErrNotFound
	}
	e.LastMergedAt = at
	m.touches++
	return nil
}

func (m *Memory) RecordChanges(ctx context.Context, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, changes...)
	return nil
}

func (m *Memory) ListChanges(ctx context.Context, propertyID string) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Change
	for _, c := range m.changes {
		if c.PropertyID == propertyID {
			out = append(out, c)
		}
	}
	return out, nil
}

func statsKey(t time.Time) string {
	return listing.RunDateOf(t).Format(time.DateOnly)
}

func (m *Memory) SaveRunStats(ctx context.Context, stats listing.RunStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats.RunDate = listing.RunDateOf(stats.RunDate)
	stats.MatchesByMethod = copyCounts(stats.MatchesByMethod)
	m.stats[statsKey(stats.RunDate)] = stats
	return nil
}

func (m *Memory) GetRunStats(ctx context.Context, date time.Time) (*listing.RunStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[statsKey(date)]
	if !ok {
		return nil, ErrNotFound
	}
	s.MatchesByMethod = copyCounts(s.MatchesByMethod)
	return &s, nil
}

func (m *Memory) ListRunStats(ctx context.Context, limit int) ([]listing.RunStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]listing.RunStats, 0, len(m.stats))
	for _, s := range m.stats {
		s.MatchesByMethod = copyCounts(s.MatchesByMethod)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunDate.After(out[j].RunDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// matches reports whether e passes the filter's predicates
func (f ListFilter) matches(e *listing.MergedEntity) bool {
	if f.Region != "" && e.Region != f.Region {
		return false
	}
	if f.ConflictsOnly && e.ConflictCount == 0 {
		return false
	}
	return e.SourceCount >= f.MinSources
}

func (f ListFilter) page(all []*listing.MergedEntity) []*listing.MergedEntity {
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all
}

func cloneRecord(r listing.SourceRecord) listing.SourceRecord {
	if r.Latitude != nil {
		v := *r.Latitude
		r.Latitude = &v
	}
	if r.Longitude != nil {
		v := *r.Longitude
		r.Longitude = &v
	}
	if r.Attributes != nil {
		attrs := make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}

func copyCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
