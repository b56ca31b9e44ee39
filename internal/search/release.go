// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"strings"
	"time"

	"github.com/moistari/rls"

	"github.com/autobrr/nemorosa/pkg/stringutils"
)

const releaseCacheTTL = 5 * time.Minute

// releaseCache caches rls's release parse per torrent name for
// releaseCacheTTL, so repeated searches for the same torrent name within
// that window reuse one parse.
var releaseCache = stringutils.NewNormalizer(releaseCacheTTL, rls.ParseString)

// parseMusicRelease extracts artist and title from a torrent name. It
// trusts rls's own scene-release grammar first and only falls back to a
// manual "Artist - Album" split, after stripping a trailing [GROUP] tag
// and a trailing (YEAR) tag, when rls doesn't recognize the name as music.
// cleaned is the name after that stripping, for callers that need a query
// even when no artist/title split was possible.
func parseMusicRelease(name string) (release rls.Release, cleaned string) {
	release = releaseCache.Normalize(name)
	if release.Type == rls.Music && release.Artist != "" && release.Title != "" {
		return release, name
	}

	release.Type = rls.Music
	cleaned = name

	if start, end := strings.LastIndex(cleaned, "["), strings.LastIndex(cleaned, "]"); end > start && start >= 0 {
		release.Group = strings.TrimSpace(cleaned[start+1 : end])
		cleaned = strings.TrimSpace(cleaned[:start])
	}
	if start, end := strings.LastIndex(cleaned, "("), strings.LastIndex(cleaned, ")"); end > start && start >= 0 {
		cleaned = strings.TrimSpace(cleaned[:start])
	}
	if parts := strings.Split(cleaned, " - "); len(parts) >= 2 {
		release.Artist = strings.TrimSpace(parts[0])
		release.Title = strings.TrimSpace(strings.Join(parts[1:], " - "))
	}
	return release, cleaned
}
