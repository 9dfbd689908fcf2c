// Package pipeline drives one merge pass: load the source pools, match every
// unvisited address against the other sources, merge and upsert.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/index"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/match"
	"github.com/propmerge/internal/merge"
	"github.com/propmerge/internal/normalize"
	"github.com/propmerge/internal/store"
	"github.com/propmerge/internal/upsert"
)

// Config bundles the settings of a pass
type Config struct {
	Match   match.Config
	Merge   merge.Config
	Workers int
	// Averages reported when the pass merged nothing to average
	StatsDefaultQuality    float64
	StatsDefaultConfidence float64
}

// Options scope a single Run
type Options struct {
	Region  string
	Workers int // overrides Config.Workers when positive
}

// Orchestrator runs merge passes against a store
type Orchestrator struct {
	cfg       Config
	store     store.Store
	evaluator *match.Evaluator
	merger    *merge.Merger
	upserter  *upsert.Engine
	events    events.Sink
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces time.Now for timestamps and run dates
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the evaluator, merger and upsert engine over st
func New(cfg Config, st store.Store, sink events.Sink, opts ...Option) *Orchestrator {
	sink = events.OrDiscard(sink)
	o := &Orchestrator{
		cfg:    cfg,
		store:  st,
		events: sink,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.evaluator = match.NewEvaluator(cfg.Match, sink)
	o.merger = merge.NewMerger(cfg.Merge, sink)
	o.upserter = upsert.NewEngine(st, sink, upsert.WithClock(o.now))
	return o
}

// pass holds the shared state of one Run
type pass struct {
	pools  map[listing.Source]*index.Pool
	claims sync.Map // merged keys written by this pass
	locks  *keyLocks

	mu        sync.Mutex
	stats     listing.RunStats
	qualSum   float64
	confSum   float64
	confCount int
}

// plan is one record with its accepted candidates in every other pool
type plan struct {
	rec    listing.SourceRecord
	addr   string
	ranked map[listing.Source][]match.Candidate
	err    error
}

// work is one cluster ready to merge and upsert
type work struct {
	target  listing.SourceRecord
	addr    string
	cluster merge.Cluster
}

// Run performs one merge pass and saves its statistics. Scoring and the
// merge/upsert stage run on the worker pool; cluster assignment between them
// is sequential, so the same sources always produce the same clusters.
// Per-record failures are counted, not returned. Cancelling ctx stops
// launching new records; writes already made stay committed.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (listing.RunStats, error) {
	start := o.now()
	workers := opts.Workers
	if workers <= 0 {
		workers = o.cfg.Workers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	o.events.Emit(events.Event{
		Kind:  events.KindRunStarted,
		Attrs: map[string]any{"region": opts.Region, "workers": workers},
	})

	pools, err := o.store.LoadSources(ctx, opts.Region)
	if err != nil {
		return listing.RunStats{}, fmt.Errorf("load sources: %w", err)
	}

	p := &pass{
		pools: make(map[listing.Source]*index.Pool, len(pools)),
		locks: newKeyLocks(),
		stats: listing.RunStats{
			RunDate:         listing.RunDateOf(start),
			Region:          opts.Region,
			MatchesByMethod: make(map[string]int),
		},
	}
	radius := o.cfg.Match.AcceptRadius()
	plans := make([]plan, 0, pools.Total())
	for _, src := range listing.Sources() {
		p.pools[src] = index.NewPool(pools[src], radius)
		for _, rec := range pools[src] {
			plans = append(plans, plan{
				rec:    rec,
				addr:   normalize.Address(rec.MatchAddress()),
				ranked: make(map[listing.Source][]match.Candidate),
			})
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range plans {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.rank(p, &plans[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return o.finish(p, start), fmt.Errorf("merge pass interrupted: %w", err)
	}

	clusters := o.assign(p, plans)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, w := range clusters {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.process(gctx, p, w)
			return nil
		})
	}
	_ = g.Wait()

	stats := o.finish(p, start)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("merge pass interrupted: %w", err)
	}

	if err := o.store.SaveRunStats(ctx, stats); err != nil {
		return stats, fmt.Errorf("save run stats: %w", err)
	}

	o.events.Emit(events.Event{
		Kind: events.KindRunComplete,
		Attrs: map[string]any{
			"processed": stats.Processed,
			"merged":    stats.Merged,
			"inserted":  stats.Inserted,
			"updated":   stats.Updated,
			"unchanged": stats.Unchanged,
			"conflicts": stats.Conflicts,
			"errors":    stats.Errors,
			"elapsed":   stats.Elapsed.String(),
		},
	})
	return stats, nil
}

// rank scores one record against every other pool. It only writes to pl.
func (o *Orchestrator) rank(p *pass, pl *plan) {
	defer func() {
		if r := recover(); r != nil {
			pl.err = fmt.Errorf("panic: %v", r)
		}
	}()
	if pl.addr == "" {
		return
	}
	for _, other := range listing.Sources() {
		if other == pl.rec.Source {
			continue
		}
		pool := p.pools[other]
		if pool == nil || pool.Len() == 0 {
			continue
		}
		if cands := o.evaluator.Rank(pl.rec, pool.Candidates(pl.rec)); len(cands) > 0 {
			pl.ranked[other] = cands
		}
	}
}

type recordKey struct {
	src listing.Source
	id  string
}

func keyOf(r listing.SourceRecord) recordKey {
	return recordKey{src: r.Source, id: r.ID}
}

// assign walks the plans in source priority order and forms clusters. A
// record joins at most one cluster, and a normalized address belongs to the
// first cluster that uses it. A target whose own address is already taken
// was visited through an earlier cluster and is not processed again. When a
// candidate is taken, the next ranked candidate of that source is tried.
// Since the merged key is the address of one member, keys never collide.
func (o *Orchestrator) assign(p *pass, plans []plan) []work {
	used := make(map[recordKey]bool)
	owner := make(map[string]int)
	var out []work

	for i, pl := range plans {
		if pl.err != nil {
			o.fail(p, pl.rec, pl.addr, pl.err)
			continue
		}
		if pl.addr == "" {
			p.stats.Skipped++
			continue
		}
		if used[keyOf(pl.rec)] {
			continue
		}
		if _, taken := owner[pl.addr]; taken {
			continue
		}
		used[keyOf(pl.rec)] = true
		owner[pl.addr] = i
		p.stats.Processed++

		cluster := merge.NewCluster(pl.rec)
		for _, src := range listing.Sources() {
			for _, c := range pl.ranked[src] {
				if used[keyOf(c.Record)] {
					continue
				}
				if c.NormalizedAddress != "" {
					if own, taken := owner[c.NormalizedAddress]; taken && own != i {
						continue
					}
				}
				used[keyOf(c.Record)] = true
				if c.NormalizedAddress != "" {
					owner[c.NormalizedAddress] = i
				}
				cluster.Add(c)
				o.evaluator.Report(pl.rec, c)
				break
			}
		}
		if cluster.Size() == 1 {
			o.events.Emit(events.Event{
				Kind:    events.KindNoMatch,
				Address: pl.addr,
				Source:  string(pl.rec.Source),
			})
		}
		out = append(out, work{target: pl.rec, addr: pl.addr, cluster: cluster})
	}
	return out
}

// process merges one cluster and upserts it
func (o *Orchestrator) process(ctx context.Context, p *pass, w work) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(p, w.target, w.addr, fmt.Errorf("panic: %v", r))
		}
	}()

	entity, err := o.merger.Merge(w.cluster)
	if err != nil {
		o.fail(p, w.target, w.addr, fmt.Errorf("merge: %w", err))
		return
	}
	if _, taken := p.claims.LoadOrStore(entity.NormalizedAddress, struct{}{}); taken {
		o.fail(p, w.target, w.addr, fmt.Errorf("merged key %q already written in this pass", entity.NormalizedAddress))
		return
	}

	res, err := o.upsertLocked(ctx, p, entity)
	if err != nil {
		o.fail(p, w.target, w.addr, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Merged++
	p.stats.MatchesByMethod[entity.MatchMethod]++
	p.stats.Conflicts += entity.ConflictCount
	p.qualSum += entity.QualityScore
	if entity.MatchConfidence != nil {
		p.confSum += *entity.MatchConfidence
		p.confCount++
	}
	switch res.Action {
	case upsert.ActionInserted:
		p.stats.Inserted++
	case upsert.ActionUpdated:
		p.stats.Updated++
	case upsert.ActionUnchanged:
		p.stats.Unchanged++
	}
}

// upsertLocked serializes writers of the same normalized address
func (o *Orchestrator) upsertLocked(ctx context.Context, p *pass, e *listing.MergedEntity) (upsert.Result, error) {
	unlock := p.locks.Lock(e.NormalizedAddress)
	defer unlock()
	return o.upserter.Upsert(ctx, e)
}

func (o *Orchestrator) fail(p *pass, rec listing.SourceRecord, addr string, err error) {
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()

	if addr == "" {
		addr = rec.MatchAddress()
	}
	o.events.Emit(events.Event{
		Kind:    events.KindRecordError,
		Address: addr,
		Source:  string(rec.Source),
		Attrs:   map[string]any{"id": rec.ID},
		Err:     err,
	})
}

// finish computes run averages. With nothing merged, or no matched cluster
// to take a confidence from, the configured defaults are reported.
func (o *Orchestrator) finish(p *pass, start time.Time) listing.RunStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Elapsed = o.now().Sub(start)
	s.AvgQuality = o.cfg.StatsDefaultQuality
	s.AvgConfidence = o.cfg.StatsDefaultConfidence
	if s.Merged > 0 {
		s.AvgQuality = p.qualSum / float64(s.Merged)
	}
	if p.confCount > 0 {
		s.AvgConfidence = p.confSum / float64(p.confCount)
	}
	return s
}
