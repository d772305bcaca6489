package builtin

import (
	"sort"
	"strings"
)

// substanceSynonyms folds hydrate and salt spellings onto one canonical name.
var substanceSynonyms = map[string]string{
	"DIPIRONA MONOIDRATADA":     "DIPIRONA",
	"AMOXICILINA TRIHIDRATADA":  "AMOXICILINA",
	"AMOXICILINA TRI-HIDRATADA": "AMOXICILINA",
	"MALEATO DE CLORFENAMINA":   "MALEATO DE CLORFENIRAMINA",
	"DEXCLORFENIRAMINA":         "MALEATO DE DEXCLORFENIRAMINA",
	"CAFEÍNA ANIDRA":            "CAFEÍNA",
}

// NormalizeSubstance canonicalizes a ";"-separated list of active substances:
// each part is trimmed and mapped through the synonym table, then the parts are
// sorted and joined again. Empty parts are dropped.
func NormalizeSubstance(s string) string {
	parts := strings.Split(s, ";")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if canon, ok := substanceSynonyms[p]; ok {
			p = canon
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, ";")
}

// Substance is the mapper form of NormalizeSubstance. It is used both for the
// stored substance name and for the product's substance lookup, so the two
// always agree on the key.
func Substance(v any) (any, error) {
	s, ok := cellString(v)
	if !ok {
		return nil, nil
	}
	n := NormalizeSubstance(s)
	if n == "" {
		return nil, nil
	}
	return n, nil
}
