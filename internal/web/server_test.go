package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/pipeline"
	"github.com/propmerge/internal/store"
	"github.com/propmerge/internal/web/handlers"
	"github.com/propmerge/internal/web/middleware"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	price := 540000.0
	now := time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)
	for _, e := range []*listing.MergedEntity{
		{ID: "p1", NormalizedAddress: "123 main st", Region: "nj", SourceCount: 3, Price: &price,
			ConflictCount: 1, DataConflicts: map[string]listing.Conflict{"price": {Reason: "price_discrepancy"}},
			MatchMethod: "coordinates_exact", CreatedAt: now, UpdatedAt: now, LastMergedAt: now},
		{ID: "p2", NormalizedAddress: "9 elm ave", Region: "nj", SourceCount: 1,
			MatchMethod: "single_source", CreatedAt: now, UpdatedAt: now, LastMergedAt: now},
		{ID: "p3", NormalizedAddress: "1 broadway", Region: "ny", SourceCount: 2,
			MatchMethod: "address_exact", CreatedAt: now, UpdatedAt: now, LastMergedAt: now},
	} {
		require.NoError(t, st.InsertMerged(ctx, e))
	}
	require.NoError(t, st.RecordChanges(ctx, []store.Change{
		{PropertyID: "p1", Field: "price", Old: 500000.0, New: 540000.0, Source: "multiple",
			Reason: "updated: price", ChangedAt: now},
	}))
	require.NoError(t, st.SaveRunStats(ctx, listing.RunStats{RunDate: now, Region: "nj", Merged: 3}))
	return st
}

func newTestServer(t *testing.T, cfg Config, runner handlers.Runner) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := seededStore(t)
	srv := httptest.NewServer(NewServer(cfg, st, runner, quietLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListProperties(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var page handlers.PropertiesListResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties?region=nj", &page))
	require.Len(t, page.Properties, 2)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PerPage)

	page = handlers.PropertiesListResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties?conflicts=true", &page))
	require.Len(t, page.Properties, 1)
	assert.Equal(t, "p1", page.Properties[0].ID)
	assert.Equal(t, 540000.0, *page.Properties[0].Price)

	page = handlers.PropertiesListResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties?min_sources=2&per_page=1&page=2", &page))
	require.Len(t, page.Properties, 1)
	assert.Equal(t, "123 main st", page.Properties[0].NormalizedAddress)

	page = handlers.PropertiesListResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties?region=tx", &page))
	assert.NotNil(t, page.Properties)
	assert.Empty(t, page.Properties)
}

func TestGetProperty(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var e listing.MergedEntity
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties/p2", &e))
	assert.Equal(t, "9 elm ave", e.NormalizedAddress)
	assert.Equal(t, "single_source", e.MatchMethod)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/properties/nope", nil))
}

func TestPropertyChanges(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var changes []handlers.ChangeRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties/p1/changes", &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "price", changes[0].Field)
	assert.Equal(t, "multiple", changes[0].Source)
	assert.Equal(t, 540000.0, changes[0].New)

	changes = nil
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/properties/p2/changes", &changes))
	assert.Empty(t, changes)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/properties/nope/changes", nil))
}

func TestLookupNormalizesAddress(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var e listing.MergedEntity
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/lookup?address=123+Main+Street", &e))
	assert.Equal(t, "p1", e.ID)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/lookup?address=77+Nowhere+Rd", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/lookup?address=+", nil))
}

func TestNormalizeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var out handlers.NormalizeResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/normalize?address=123+Main+Street", &out))
	assert.Equal(t, "123 Main Street", out.Input)
	assert.Equal(t, "123 main st", out.Normalized)
	assert.Equal(t, "123", out.HouseNumber)
	assert.Contains(t, out.Expansions, "123 main st")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/normalize", nil))
}

func TestStatsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	var list []listing.RunStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats", &list))
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Merged)

	var one listing.RunStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats/2026-06-01", &one))
	assert.Equal(t, "nj", one.Region)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/stats/2026-06-02", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/stats/june", nil))
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     []pipeline.Options
}

func (b *blockingRunner) Run(ctx context.Context, opts pipeline.Options) (listing.RunStats, error) {
	b.mu.Lock()
	b.got = append(b.got, opts)
	b.mu.Unlock()
	close(b.started)
	<-b.release
	return listing.RunStats{Region: opts.Region, Merged: 7}, nil
}

func TestStartRunRejectsConcurrentPass(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	srv, _ := newTestServer(t, DefaultConfig(), runner)

	type result struct {
		status int
		stats  listing.RunStats
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"region":"nj","workers":2}`))
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		var s listing.RunStats
		_ = json.NewDecoder(resp.Body).Decode(&s)
		done <- result{status: resp.StatusCode, stats: s}
	}()

	<-runner.started
	resp, err := http.Post(srv.URL+"/api/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(runner.release)
	res := <-done
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, 7, res.stats.Merged)
	assert.Equal(t, []pipeline.Options{{Region: "nj", Workers: 2}}, runner.got)
}

func TestStartRunBadBody(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	srv, _ := newTestServer(t, DefaultConfig(), runner)

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"workers":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunsRouteAbsentWithoutRunner(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)

	resp, err := http.Post(srv.URL+"/api/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyGuardsAPI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "s3cret"
	srv, _ := newTestServer(t, cfg, nil)

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/properties", nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/properties/p1", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.APIKeyHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}

func TestPreflightAnswersBeforeRouting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "s3cret"
	srv, _ := newTestServer(t, cfg, nil)

	for _, path := range []string{"/api/properties", "/api/properties/p1", "/api/runs"} {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://dashboard.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), middleware.APIKeyHeader, path)
	}

	// ordinary responses carry the header too
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, store.NewMemory(), nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
