package match

import (
	"math"
	"sort"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/normalize"
)

// Evaluator decides which records of another source represent the same
// property as a target record.
type Evaluator struct {
	cfg    Config
	events events.Sink
}

// NewEvaluator creates an evaluator. A nil sink discards events.
func NewEvaluator(cfg Config, sink events.Sink) *Evaluator {
	return &Evaluator{cfg: cfg, events: events.OrDiscard(sink)}
}

// Config returns the thresholds in use
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate scores every record of pool against target and returns the
// accepted candidates best-first, emitting a match event for each.
func (e *Evaluator) Evaluate(target listing.SourceRecord, pool []listing.SourceRecord) []Candidate {
	out := e.Rank(target, pool)
	for _, c := range out {
		e.Report(target, c)
	}
	return out
}

// Rank is Evaluate without events. It is pure, so callers may rank many
// targets concurrently and report only the links they keep.
func (e *Evaluator) Rank(target listing.SourceRecord, pool []listing.SourceRecord) []Candidate {
	targetAddr := normalize.Address(target.MatchAddress())
	targetCoords := NewCoordinates(target.Latitude, target.Longitude)

	var out []Candidate
	for _, rec := range pool {
		if rec.Source == target.Source {
			continue
		}
		c := e.Score(targetAddr, targetCoords, rec)
		if !c.Matched() || c.Score < e.cfg.MinConfidence {
			continue
		}
		out = append(out, c)
	}

	SortCandidates(out)
	return out
}

// Report emits the match event for one accepted candidate of target
func (e *Evaluator) Report(target listing.SourceRecord, c Candidate) {
	e.events.Emit(events.Event{
		Kind:    events.KindMatch,
		Address: normalize.Address(target.MatchAddress()),
		Source:  string(c.Record.Source),
		Method:  string(c.Method),
		Attrs: map[string]any{
			"target_source":   string(target.Source),
			"candidate_id":    c.Record.ID,
			"score":           c.Score,
			"address_sim":     c.AddressSimilarity,
			"jaro_winkler":    c.JaroWinkler,
			"distance_meters": c.DistanceMeters,
		},
	})
}

// Best returns the highest ranked accepted candidate
func (e *Evaluator) Best(target listing.SourceRecord, pool []listing.SourceRecord) (Candidate, bool) {
	cands := e.Evaluate(target, pool)
	if len(cands) == 0 {
		return Candidate{}, false
	}
	return cands[0], true
}

// Score computes both signals for one candidate and applies the tiers.
// Both the address and the coordinate signal are always computed.
func (e *Evaluator) Score(targetAddr string, targetCoords *Coordinates, rec listing.SourceRecord) Candidate {
	candAddr := normalize.Address(rec.MatchAddress())
	c := Candidate{
		Record:            rec,
		NormalizedAddress: candAddr,
		Method:            MethodNone,
	}

	if targetAddr != "" && candAddr != "" {
		c.AddressExact = targetAddr == candAddr
		if e.cfg.FuzzyEnabled {
			c.AddressSimilarity = Similarity(targetAddr, candAddr)
		} else if c.AddressExact {
			c.AddressSimilarity = 1.0
		}
		c.JaroWinkler = JaroWinkler(targetAddr, candAddr)
	}

	c.DistanceMeters = Distance(targetCoords, NewCoordinates(rec.Latitude, rec.Longitude))
	c.CoordinateSimilarity = CoordinateSimilarity(c.DistanceMeters, e.cfg.MaxCoordinateDistance)

	e.decide(&c)
	return c
}

func (e *Evaluator) decide(c *Candidate) {
	cfg := e.cfg
	dist := c.DistanceMeters
	hasDistance := !math.IsInf(dist, 1)
	withinTolerance := hasDistance && dist <= cfg.CoordinateTolerance
	// address tiers accept when coordinates agree or are unavailable
	coordsAgree := !hasDistance || dist <= cfg.AddressMismatchRadius

	switch {
	case hasDistance && dist <= cfg.ExactCoordinateRadius:
		c.set(MethodCoordinatesExact, cfg.ExactCoordinateScore, cfg.ExactCoordinateScore)

	case withinTolerance && c.AddressSimilarity > 0:
		score := 0.6*c.AddressSimilarity + 0.4*c.CoordinateSimilarity
		c.set(MethodHybrid, score, score)

	case c.AddressSimilarity >= 1.0:
		if coordsAgree {
			c.set(MethodAddressExact, c.AddressSimilarity, c.AddressSimilarity)
		} else {
			c.set(MethodAddressExactSuspicious, cfg.SuspiciousConfidence, cfg.SuspiciousConfidence)
		}

	case cfg.FuzzyEnabled && c.AddressSimilarity >= cfg.FuzzyThreshold && coordsAgree:
		c.set(MethodAddressFuzzy, c.AddressSimilarity, c.AddressSimilarity)

	case withinTolerance && c.CoordinateSimilarity >= cfg.CoordinateOnlyMinScore:
		c.set(MethodCoordinates, c.CoordinateSimilarity, c.CoordinateSimilarity)

	default:
		c.set(MethodNone, 0, 0)
	}
}

func (c *Candidate) set(m Method, score, confidence float64) {
	c.Method = m
	c.Score = score
	c.Confidence = confidence
}

// SortCandidates orders candidates best-first. Ties break on address
// similarity, then distance, then source priority, then record ID, so the
// order never depends on pool order.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.AddressSimilarity != b.AddressSimilarity {
			return a.AddressSimilarity > b.AddressSimilarity
		}
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		if pa, pb := a.Record.Source.Priority(), b.Record.Source.Priority(); pa != pb {
			return pa < pb
		}
		return a.Record.ID < b.Record.ID
	})
}
