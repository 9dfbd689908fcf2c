package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/propmerge/internal/listing"
)

var errMissing = errors.New("missing")

var numberCleaner = strings.NewReplacer("$", "", ",", "", " ", "", "_", "")

// ParseNumber converts a raw attribute value into a float. Missing values
// (nil, empty string) return errMissing; anything else that cannot be read
// as a finite number is an error.
func ParseNumber(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, errMissing
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", t.String(), err)
		}
		f = n
	case string:
		s := numberCleaner.Replace(strings.TrimSpace(t))
		if s == "" {
			return 0, errMissing
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", t, err)
		}
		f = n
	case *float64:
		if t == nil {
			return 0, errMissing
		}
		f = *t
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}

type sourceValue struct {
	Source listing.Source
	Value  float64
}

// numericResult is the outcome of merging one field
type numericResult struct {
	Value    *float64
	Sources  []listing.Source
	Conflict *listing.Conflict
}

// mergeValues resolves a field from its valid source values: none gives
// nil, one is used as-is, two or more are averaged with a spread check.
func mergeValues(spec FieldSpec, threshold float64, values []sourceValue) numericResult {
	var res numericResult
	if len(values) == 0 {
		return res
	}

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Source.Priority() < values[j].Source.Priority()
	})
	for _, v := range values {
		res.Sources = append(res.Sources, v.Source)
	}

	if len(values) == 1 {
		v := values[0].Value
		res.Value = &v
		return res
	}

	lo, hi, sum := values[0].Value, values[0].Value, 0.0
	for _, v := range values {
		lo = math.Min(lo, v.Value)
		hi = math.Max(hi, v.Value)
		sum += v.Value
	}
	mean := roundFor(spec.Kind, sum/float64(len(values)))
	res.Value = &mean

	spread := relativeSpread(lo, hi)
	if spread > threshold {
		perSource := make(map[listing.Source]float64, len(values))
		for _, v := range values {
			perSource[v.Source] = v.Value
		}
		res.Conflict = &listing.Conflict{
			Values:     perSource,
			Reason:     fmt.Sprintf("spread %.1f%% exceeds %.1f%%", spread*100, threshold*100),
			Spread:     spread,
			Threshold:  threshold,
			Resolution: "average",
			Resolved:   mean,
		}
	}
	return res
}

func relativeSpread(lo, hi float64) float64 {
	if lo == 0 {
		if hi > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (hi - lo) / lo
}

func roundFor(kind Kind, v float64) float64 {
	if kind == KindBath {
		return math.Round(v*2) / 2
	}
	return math.Round(v)
}
