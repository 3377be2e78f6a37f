package query

import (
	"regexp"
	"strings"
)

// typeFilter matches the "(type: X)" convention anywhere in a query. An
// unclosed filter runs to the end of the text.
var typeFilter = regexp.MustCompile(`(?i)\(\s*type\s*:\s*([^)]*)(?:\)|$)`)

// allTypes disables type filtering when used as the filter value.
const allTypes = "all"

// Parsed is a query split into search text and an optional type filter.
type Parsed struct {
	Text string
	// Type is empty when no filter applies, including "(type: All)".
	Type string
	// HasType reports whether the query used the convention at all.
	HasType bool
}

// ParseQuery extracts the first "(type: X)" from raw and returns the rest as
// search text with whitespace squeezed.
func ParseQuery(raw string) Parsed {
	var p Parsed

	loc := typeFilter.FindStringSubmatchIndex(raw)
	if loc != nil {
		p.HasType = true
		value := strings.TrimSpace(raw[loc[2]:loc[3]])
		if !strings.EqualFold(value, allTypes) {
			p.Type = value
		}
		raw = raw[:loc[0]] + " " + raw[loc[1]:]
	}

	p.Text = strings.Join(strings.Fields(raw), " ")
	return p
}
