package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/match"
	"github.com/propmerge/internal/merge"
	"github.com/propmerge/internal/store"
)

func fp(v float64) *float64 { return &v }

func testConfig(workers int) Config {
	return Config{
		Match:                  match.DefaultConfig(),
		Merge:                  merge.DefaultConfig(),
		Workers:                workers,
		StatsDefaultQuality:    0.8,
		StatsDefaultConfidence: 0.85,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seedThreeSources(t *testing.T, st *store.Memory) {
	t.Helper()
	require.NoError(t, st.SaveSources(context.Background(), []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z1", Address: "123 Main Street", Region: "nj",
			Latitude: fp(40.0), Longitude: fp(-74.0),
			Attributes: map[string]any{"price": 500000, "bedrooms": 3, "homeType": "SINGLE_FAMILY"}},
		{Source: listing.SourceRedfin, ID: "r1", Address: "123 Main St", Region: "nj",
			Latitude: fp(40.00005), Longitude: fp(-74.00005),
			Attributes: map[string]any{"price": 600000, "beds": 3}},
		{Source: listing.SourceRealtor, ID: "c1", Address: "123 Main St.", Street: "123 Main St", Region: "nj",
			Attributes: map[string]any{"list_price": 520000, "beds": 3}},
		{Source: listing.SourceZillow, ID: "z2", Address: "9 Elm Avenue", Region: "nj",
			Attributes: map[string]any{"price": 300000}},
		{Source: listing.SourceRedfin, ID: "r-ny", Address: "1 Broadway", Region: "ny"},
	}))
}

func TestRunMergesThreeSources(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedThreeSources(t, st)
	rec := events.NewRecorder()
	clk := &clock{t: time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)}

	stats, err := New(testConfig(1), st, rec, WithClock(clk.now)).Run(ctx, Options{Region: "nj"})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Merged)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, map[string]int{"coordinates_exact": 1, "single_source": 1}, stats.MatchesByMethod)
	assert.InDelta(t, (0.94+0.4/3+0.32+0.2)/2, stats.AvgQuality, 1e-9)
	assert.InDelta(t, 0.95, stats.AvgConfidence, 1e-9)

	e, err := st.FindByAddress(ctx, "123 main st")
	require.NoError(t, err)
	assert.Equal(t, 3, e.SourceCount)
	assert.Equal(t, 1, e.ConflictCount)
	assert.True(t, e.HasPriceConflicts)
	assert.Equal(t, 540000.0, *e.Price)
	assert.Equal(t, 3.0, *e.Beds)
	assert.Equal(t, "Single Family", e.PropertyType)
	assert.Equal(t, "coordinates_exact", e.MatchMethod)
	assert.InDelta(t, 0.94, e.QualityScore, 1e-9)

	lone, err := st.FindByAddress(ctx, "9 elm ave")
	require.NoError(t, err)
	assert.Equal(t, "single_source", lone.MatchMethod)
	assert.Nil(t, lone.MatchConfidence)

	_, err = st.FindByAddress(ctx, "1 broadway")
	assert.ErrorIs(t, err, store.ErrNotFound)

	saved, err := st.GetRunStats(ctx, clk.t)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Merged)
	assert.Equal(t, "nj", saved.Region)

	assert.Len(t, rec.OfKind(events.KindRunComplete), 1)
	assert.Len(t, rec.OfKind(events.KindNoMatch), 1)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedThreeSources(t, st)
	clk := &clock{t: time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)}
	o := New(testConfig(1), st, nil, WithClock(clk.now))

	first, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Inserted)

	clk.advance(time.Hour)
	second, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 3, second.Unchanged)

	// same day: one stats row holding the latest pass
	all, err := st.ListRunStats(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].Unchanged)

	e, err := st.FindByAddress(ctx, "123 main st")
	require.NoError(t, err)
	assert.Equal(t, clk.t, e.LastMergedAt)
	assert.Equal(t, clk.t.Add(-time.Hour), e.UpdatedAt)
}

func TestRunDetectsSourceChanges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedThreeSources(t, st)
	o := New(testConfig(1), st, nil)

	_, err := o.Run(ctx, Options{Region: "nj"})
	require.NoError(t, err)

	require.NoError(t, st.SaveSources(ctx, []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z2", Address: "9 Elm Avenue", Region: "nj",
			Attributes: map[string]any{"price": 315000}},
	}))
	stats, err := o.Run(ctx, Options{Region: "nj"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Unchanged)

	e, err := st.FindByAddress(ctx, "9 elm ave")
	require.NoError(t, err)
	assert.Equal(t, "updated: price", e.LastChangeReason)
	assert.Equal(t, "zillow", e.ChangedFields["price"].Source)
}

type panickyStore struct {
	*store.Memory
	address string
}

func (p panickyStore) FindByAddress(ctx context.Context, addr string) (*listing.MergedEntity, error) {
	if addr == p.address {
		panic("corrupt row")
	}
	return p.Memory.FindByAddress(ctx, addr)
}

func TestRunIsolatesRecordFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveSources(ctx, []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z1", Address: "1 First St"},
		{Source: listing.SourceZillow, ID: "z2", Address: "2 Second St"},
		{Source: listing.SourceZillow, ID: "z3", Address: "3 Third St"},
		{Source: listing.SourceRedfin, ID: "r0", Address: "   "},
	}))
	mem.FailNextWrite(fmt.Errorf("connection reset"))
	rec := events.NewRecorder()

	st := panickyStore{Memory: mem, address: "3 third st"}
	stats, err := New(testConfig(1), st, rec).Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 1, stats.Merged)
	assert.Equal(t, 2, stats.Errors)
	assert.Equal(t, 1, stats.Skipped)

	var addrs []string
	for _, ev := range rec.OfKind(events.KindRecordError) {
		require.Error(t, ev.Err)
		addrs = append(addrs, ev.Address)
	}
	assert.ElementsMatch(t, []string{"1 first st", "3 third st"}, addrs)
}

func TestRunWithNothingToMergeReportsDefaults(t *testing.T) {
	st := store.NewMemory()
	stats, err := New(testConfig(2), st, nil).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Merged)
	assert.Equal(t, 0.8, stats.AvgQuality)
	assert.Equal(t, 0.85, stats.AvgConfidence)

	list, err := st.ListRunStats(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunCancelled(t *testing.T) {
	st := store.NewMemory()
	seedThreeSources(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig(2), st, nil).Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)

	inserts, _, _ := st.WriteCounts()
	assert.Zero(t, inserts)
}

func TestRunConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	const n = 150
	var recs []listing.SourceRecord
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("%d Oak Street", 1000+i*13)
		recs = append(recs,
			listing.SourceRecord{Source: listing.SourceZillow, ID: fmt.Sprintf("z%d", i), Address: addr,
				Attributes: map[string]any{"price": 400000 + i}},
			listing.SourceRecord{Source: listing.SourceRedfin, ID: fmt.Sprintf("r%d", i), Address: addr,
				Attributes: map[string]any{"price": 400000 + i}},
			listing.SourceRecord{Source: listing.SourceRealtor, ID: fmt.Sprintf("c%d", i), Address: addr,
				Attributes: map[string]any{"list_price": 400000 + i}},
		)
	}
	require.NoError(t, st.SaveSources(ctx, recs))

	stats, err := New(testConfig(8), st, nil).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, n, stats.Processed)
	assert.Equal(t, n, stats.Merged)
	assert.Equal(t, n, stats.Inserted)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, n, stats.MatchesByMethod["address_exact"])

	all, err := st.ListMerged(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, n)
	for _, e := range all {
		assert.Equal(t, 3, e.SourceCount, e.NormalizedAddress)
	}
}

func neighbourRecords(withCoords bool) []listing.SourceRecord {
	recs := []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z1", Address: "123 Main St",
			Attributes: map[string]any{"price": 500000}},
		{Source: listing.SourceRedfin, ID: "r1", Address: "123 Main St",
			Attributes: map[string]any{"price": 500000}},
		{Source: listing.SourceRedfin, ID: "r2", Address: "124 Main St",
			Attributes: map[string]any{"price": 900000}},
	}
	if withCoords {
		recs[0].Latitude, recs[0].Longitude = fp(40.0), fp(-74.0)
		recs[1].Latitude, recs[1].Longitude = fp(40.0), fp(-74.0)
		// about 30 m north
		recs[2].Latitude, recs[2].Longitude = fp(40.00027), fp(-74.0)
	}
	return recs
}

func TestNeighbouringAddressesKeepSeparateKeys(t *testing.T) {
	for _, withCoords := range []bool{false, true} {
		for _, workers := range []int{1, 8} {
			t.Run(fmt.Sprintf("coords=%v/workers=%d", withCoords, workers), func(t *testing.T) {
				ctx := context.Background()
				st := store.NewMemory()
				require.NoError(t, st.SaveSources(ctx, neighbourRecords(withCoords)))
				o := New(testConfig(workers), st, nil)

				first, err := o.Run(ctx, Options{})
				require.NoError(t, err)
				assert.Equal(t, 0, first.Errors)
				assert.Equal(t, 2, first.Inserted)

				second, err := o.Run(ctx, Options{})
				require.NoError(t, err)
				assert.Equal(t, 0, second.Errors)
				assert.Equal(t, 0, second.Inserted)
				assert.Equal(t, 0, second.Updated)
				assert.Equal(t, 2, second.Unchanged)

				pair, err := st.FindByAddress(ctx, "123 main st")
				require.NoError(t, err)
				assert.Equal(t, 2, pair.SourceCount)
				require.NotNil(t, pair.SourceID(listing.SourceRedfin))
				assert.Equal(t, "r1", *pair.SourceID(listing.SourceRedfin))
				assert.Equal(t, 500000.0, *pair.Price)

				lone, err := st.FindByAddress(ctx, "124 main st")
				require.NoError(t, err)
				assert.Equal(t, "single_source", lone.MatchMethod)
				require.NotNil(t, lone.SourceID(listing.SourceRedfin))
				assert.Equal(t, "r2", *lone.SourceID(listing.SourceRedfin))
				assert.Nil(t, lone.SourceID(listing.SourceZillow))
				assert.Equal(t, 900000.0, *lone.Price)
			})
		}
	}
}

func TestRecordJoinsAtMostOneCluster(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// z2 would also accept r1, which z1 claims first
	require.NoError(t, st.SaveSources(ctx, []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z1", Address: "50 Cedar Lane"},
		{Source: listing.SourceZillow, ID: "z2", Address: "51 Cedar Lane"},
		{Source: listing.SourceRedfin, ID: "r1", Address: "50 Cedar Lane"},
	}))
	rec := events.NewRecorder()

	stats, err := New(testConfig(4), st, rec).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 0, stats.Errors)
	assert.Len(t, rec.OfKind(events.KindMatch), 1)

	lone, err := st.FindByAddress(ctx, "51 cedar ln")
	require.NoError(t, err)
	assert.Equal(t, 1, lone.SourceCount)
	assert.Nil(t, lone.SourceID(listing.SourceRedfin))
}

func TestRealtorStreetLineJoinsCluster(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SaveSources(ctx, []listing.SourceRecord{
		{Source: listing.SourceZillow, ID: "z1", Address: "77 Birch Road",
			Attributes: map[string]any{"price": 410000}},
		{Source: listing.SourceRealtor, ID: "c1", Street: "77 Birch Rd",
			Attributes: map[string]any{"list_price": 410000}},
	}))

	stats, err := New(testConfig(2), st, nil).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 1, stats.Merged)

	e, err := st.FindByAddress(ctx, "77 birch rd")
	require.NoError(t, err)
	assert.Equal(t, 2, e.SourceCount)
	require.NotNil(t, e.SourceID(listing.SourceRealtor))
	assert.Equal(t, "c1", *e.SourceID(listing.SourceRealtor))
}

func TestKeyLocksSerializePerKey(t *testing.T) {
	locks := newKeyLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, locks.held())
}
