//go:build !libpostal

package normalize

// PostalEnabled reports whether libpostal expansion is compiled in
const PostalEnabled = false

// ExpandAll returns the rule-based canonical form of raw. Build with the
// libpostal tag to add libpostal's expansions.
func ExpandAll(raw string) []string {
	base := Address(raw)
	if base == "" {
		return nil
	}
	return []string{base}
}
