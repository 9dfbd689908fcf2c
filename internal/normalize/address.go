package normalize

import (
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// abbrevRules maps every spelling of a street suffix, direction or unit
// designator onto one canonical token, so "Street" and "St" converge.
// Canonical tokens map to themselves, which keeps Address idempotent.
var abbrevRules = map[string]string{
	"street": "st", "str": "st", "st": "st",
	"avenue": "ave", "av": "ave", "ave": "ave",
	"road": "rd", "rd": "rd",
	"drive": "dr", "drv": "dr", "dr": "dr",
	"boulevard": "blvd", "blvd": "blvd",
	"lane": "ln", "ln": "ln",
	"court": "ct", "ct": "ct",
	"place": "pl", "pl": "pl",
	"terrace": "ter", "terr": "ter", "ter": "ter",
	"circle": "cir", "cir": "cir",
	"highway": "hwy", "hwy": "hwy",
	"parkway": "pkwy", "pkwy": "pkwy",
	"square": "sq", "sq": "sq",
	"trail": "trl", "trl": "trl",
	"expressway": "expy", "expy": "expy",
	"mount": "mt", "mt": "mt",
	"fort": "ft", "ft": "ft",

	"north": "n", "n": "n",
	"south": "s", "s": "s",
	"east": "e", "e": "e",
	"west": "w", "w": "w",
	"northeast": "ne", "ne": "ne",
	"northwest": "nw", "nw": "nw",
	"southeast": "se", "se": "se",
	"southwest": "sw", "sw": "sw",

	"apartment": "apt", "apt": "apt",
	"suite": "ste", "ste": "ste",
	"building": "bldg", "bldg": "bldg",
	"floor": "fl", "fl": "fl",
}

// unitDesignators are rewritten to "unit" when followed by an identifier
var unitDesignators = map[string]bool{
	"apt":  true,
	"ste":  true,
	"unit": true,
}

var punctuation = strings.NewReplacer(".", "", ",", " ", "#", " ")

// Address canonicalizes a free-text street address into a comparable form.
// Blank input yields "". Address(Address(s)) == Address(s) for every s.
func Address(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	s := strings.ToLower(unidecode.Unidecode(raw))
	s = punctuation.Replace(s)
	tokens := strings.Fields(s)

	for i, tok := range tokens {
		if canon, ok := abbrevRules[tok]; ok {
			tokens[i] = canon
		}
	}

	for i := 0; i < len(tokens)-1; i++ {
		if unitDesignators[tokens[i]] {
			tokens[i] = "unit"
		}
	}

	return strings.Join(tokens, " ")
}

// AddressAny normalizes a loosely typed value; anything that is not a
// string (or *string) normalizes to "".
func AddressAny(v any) string {
	switch t := v.(type) {
	case string:
		return Address(t)
	case *string:
		if t == nil {
			return ""
		}
		return Address(*t)
	default:
		return ""
	}
}

// IsBlank checks if an address is effectively blank after normalization
func IsBlank(addr string) bool {
	return Address(addr) == ""
}

// HouseNumber returns the leading numeric token of a normalized address, or ""
func HouseNumber(normalized string) string {
	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return ""
	}
	first := tokens[0]
	if first[0] < '0' || first[0] > '9' {
		return ""
	}
	return first
}
