// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stringutils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// unicodeNormalizer caches NormalizeUnicode results to avoid repeated NFKD
// transformations in the file matcher's hot path.
var unicodeNormalizer = NewNormalizer(defaultNormalizerTTL, normalizeUnicodeInner)

// normalizeUnicodeInner is the inner transformation function used by unicodeNormalizer.
func normalizeUnicodeInner(s string) string {
	// Handle special characters that NFKD doesn't decompose to ASCII equivalents
	// (these are distinct letters in Nordic/Germanic languages, not composed characters)
	s = strings.ReplaceAll(s, "æ", "ae")
	s = strings.ReplaceAll(s, "Æ", "AE")
	s = strings.ReplaceAll(s, "œ", "oe")
	s = strings.ReplaceAll(s, "Œ", "OE")
	s = strings.ReplaceAll(s, "ø", "o")
	s = strings.ReplaceAll(s, "Ø", "O")
	s = strings.ReplaceAll(s, "ß", "ss")
	s = strings.ReplaceAll(s, "ð", "d")
	s = strings.ReplaceAll(s, "Ð", "D")
	s = strings.ReplaceAll(s, "þ", "th")
	s = strings.ReplaceAll(s, "Þ", "TH")

	// Create transformer fresh per-call (transform.Chain is not thread-safe for concurrent use).
	// Caching via unicodeNormalizer prevents repeated transformations for identical inputs.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// NormalizeUnicode removes diacritics and decomposes ligatures, with
// results cached per input string so the file matcher's basename similarity
// pass doesn't repeat the same NFKD transform for every candidate.
// Examples:
//   - "Björk" → "Bjork"
//   - "Mötley Crüe" → "Motley Crue"
//   - "Sigur Rós" → "Sigur Ros"
//   - "æ" → "ae"
func NormalizeUnicode(s string) string {
	return unicodeNormalizer.Normalize(s)
}
