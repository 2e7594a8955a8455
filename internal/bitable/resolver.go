package bitable

import (
	"strings"
	"unicode"
)

// ResolveSelectOption maps a free-text submitted value to a canonical option
// id for a single-select column. Matching tiers, first hit wins:
//
//  1. value already is a known option id;
//  2. exact label match;
//  3. match after stripping whitespace and zero-width characters, but only
//     when exactly one catalog label normalizes to the same string;
//  4. unique substring containment: exactly one label contains the value.
//
// Ambiguity is never guessed away: a tier with multiple candidates falls
// through (tier 3) or fails the lookup (tier 4). Returns "" when the field is
// not single-select, the input is empty, or no unambiguous match exists.
func ResolveSelectOption(meta FieldMeta, raw string) string {
	if !meta.IsSingleSelect() {
		return ""
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	if strings.HasPrefix(value, optionIDPrefix) {
		if _, ok := meta.OptionIDs[value]; ok {
			return value
		}
	}

	if id, ok := meta.OptionsByName[value]; ok {
		return id
	}

	normalized := normalizeLabel(value)
	if normalized != "" {
		matchID := ""
		matches := 0
		for label, id := range meta.OptionsByName {
			if normalizeLabel(label) == normalized {
				matchID = id
				matches++
			}
		}
		if matches == 1 {
			return matchID
		}
		// More than one label collapses to the same normalized form;
		// fall through rather than guess.
	}

	containID := ""
	contains := 0
	for label, id := range meta.OptionsByName {
		if strings.Contains(label, value) {
			containID = id
			contains++
		}
	}
	if contains == 1 {
		return containID
	}
	return ""
}

// normalizeLabel removes whitespace and invisible characters that routinely
// leak into copy-pasted form values.
func normalizeLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
