//go:build libpostal

package normalize

import (
	expand "github.com/openvenues/gopostal/expand"
)

// PostalEnabled reports whether libpostal expansion is compiled in
const PostalEnabled = true

// ExpandAll returns every distinct normalized form of raw, using libpostal's
// expansions in addition to the rule-based canonical form.
func ExpandAll(raw string) []string {
	base := Address(raw)
	if base == "" {
		return nil
	}
	out := []string{base}
	seen := map[string]bool{base: true}
	for _, e := range expand.ExpandAddress(raw) {
		n := Address(e)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
