// Package parser holds what the positional readers share: header folding and
// layout validation.
package parser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"cmedetl/internal/config"
)

// FoldHeader reduces a header label to upper-case ASCII letters and digits:
// "APRESENTAÇÃO" -> "APRESENTACAO", "PF 17,5 % ALC" -> "PF175ALC".
func FoldHeader(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToUpper(folded) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HeaderCheck validates a header row against a positional layout.
type HeaderCheck struct {
	MinColumns int
	Anchors    map[int]string // position -> folded substring expected there
}

// HeaderCheckFromOptions reads "min_columns" and "header_anchors"
// ({"0": "SUBST", ...}) from parser options.
func HeaderCheckFromOptions(opt config.Options) (HeaderCheck, error) {
	hc := HeaderCheck{MinColumns: opt.Int("min_columns", 0), Anchors: map[int]string{}}
	for k, v := range opt.StringMap("header_anchors") {
		i, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || i < 0 {
			return hc, fmt.Errorf("header_anchors: bad position %q", k)
		}
		hc.Anchors[i] = FoldHeader(v)
	}
	return hc, nil
}

// Check returns an error describing every mismatch, or nil.
func (hc HeaderCheck) Check(hdr []string) error {
	if len(hdr) < hc.MinColumns {
		return fmt.Errorf("header has %d columns, layout needs at least %d", len(hdr), hc.MinColumns)
	}

	positions := make([]int, 0, len(hc.Anchors))
	for i := range hc.Anchors {
		positions = append(positions, i)
	}
	sort.Ints(positions)

	var bad []string
	for _, i := range positions {
		want := hc.Anchors[i]
		if i >= len(hdr) {
			bad = append(bad, fmt.Sprintf("col %d: missing, want %q", i, want))
			continue
		}
		if got := FoldHeader(hdr[i]); !strings.Contains(got, want) {
			bad = append(bad, fmt.Sprintf("col %d: %q does not match %q", i, hdr[i], want))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("header layout mismatch: %s", strings.Join(bad, "; "))
	}
	return nil
}
