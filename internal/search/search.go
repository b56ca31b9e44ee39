// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search implements the candidate search strategy: for one local
// torrent, it runs the hash ladder then the name ladder against every
// configured target site in parallel, dedupes by (site, remote id) and
// ranks the survivors so the Match Pipeline can evaluate them in order
// and stop at the first accepted candidate.
package search

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/normalize"
	"github.com/autobrr/nemorosa/internal/trackeradapter"
)

// DefaultMaxCandidates is the name-ladder retention cap.
const DefaultMaxCandidates = 25

// genericFilenames are basenames too generic to search by on their own —
// issuing "cover" or "folder" as a query against a tracker's search index
// returns noise, not candidates.
var genericFilenames = map[string]bool{
	"cover": true, "folder": true, "front": true, "back": true,
	"cd": true, "disc": true, "disk": true, "artwork": true,
	"booklet": true, "inlay": true, "inside": true, "outside": true,
	"scan": true, "scans": true, "thumb": true, "albumart": true,
}

// Candidate is one ranked, not-yet-fetched search hit.
type Candidate struct {
	Adapter  trackeradapter.Adapter
	Ref      trackeradapter.CandidateRef
	HashHit  bool
	Rank     float64 // higher ranks first; hash hits always outrank name hits
}

// Strategy runs the search ladder across a fixed set of target sites. A
// site that rejects our credentials is disabled for the rest of the run:
// a revoked API key produces one warning, not a failure per torrent.
type Strategy struct {
	sites         []trackeradapter.Adapter
	maxCandidates int

	mu       sync.Mutex
	disabled map[string]bool
}

// New returns a Strategy that searches every site in sites.
func New(sites []trackeradapter.Adapter, maxCandidates int) *Strategy {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &Strategy{sites: sites, maxCandidates: maxCandidates, disabled: make(map[string]bool)}
}

func (s *Strategy) isDisabled(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[siteID]
}

func (s *Strategy) disable(siteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[siteID] = true
}

// SiteIDs returns the configured site IDs, in configuration order.
func (s *Strategy) SiteIDs() []string {
	ids := make([]string, len(s.sites))
	for i, site := range s.sites {
		ids[i] = site.SiteID()
	}
	return ids
}

// Search runs the hash ladder then the name ladder against every
// configured site in parallel and returns deduped, ranked candidates.
func (s *Strategy) Search(ctx context.Context, local *metainfo.Metainfo, localInfoHash string) ([]Candidate, error) {
	query := searchQuery(local)

	type siteResult struct {
		candidates []Candidate
		err        error
	}
	results := make([]siteResult, len(s.sites))

	g, gctx := errgroup.WithContext(ctx)
	for i, site := range s.sites {
		i, site := i, site
		if s.isDisabled(site.SiteID()) {
			continue
		}
		g.Go(func() error {
			cands, err := s.searchSite(gctx, site, local, localInfoHash, query)
			results[i] = siteResult{candidates: cands, err: err}
			return nil // a single site's failure never aborts the others
		})
	}
	_ = g.Wait()

	seen := make(map[[2]string]bool)
	var all []Candidate
	for i, r := range results {
		if trackeradapter.IsAuthError(r.err) {
			log.Warn().Err(r.err).Str("site", s.sites[i].SiteID()).Msg("search: credentials rejected, disabling site for this run")
			s.disable(s.sites[i].SiteID())
			continue
		}
		if r.err != nil {
			log.Warn().Err(r.err).Str("site", s.sites[i].SiteID()).Msg("search: site failed")
			continue
		}
		for _, c := range r.candidates {
			key := [2]string{c.Ref.SiteID, c.Ref.RemoteID}
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, c)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].HashHit != all[j].HashHit {
			return all[i].HashHit
		}
		return all[i].Rank > all[j].Rank
	})
	return all, nil
}

func (s *Strategy) searchSite(ctx context.Context, site trackeradapter.Adapter, local *metainfo.Metainfo, localInfoHash, query string) ([]Candidate, error) {
	var out []Candidate

	refs, err := site.SearchByHash(ctx, localInfoHash)
	switch {
	case trackeradapter.IsAuthError(err):
		return nil, err
	case err == nil:
		out = append(out, hashCandidates(site, refs)...)
	}

	if site.SourceFlag() != "" {
		if stamped, err := local.WithSource(site.SourceFlag()); err == nil {
			hash := stamped.InfoHash().HexString()
			refs, err := site.SearchByHash(ctx, hash)
			switch {
			case trackeradapter.IsAuthError(err):
				return nil, err
			case err == nil:
				out = append(out, hashCandidates(site, refs)...)
			}
		}
	}

	if len(out) > 0 {
		// A direct hash hit short-circuits the name ladder for this site.
		return out, nil
	}

	if query == "" {
		return out, nil
	}
	refs, err = site.SearchByFilename(ctx, query)
	if err != nil {
		return out, err
	}
	if len(refs) > s.maxCandidates {
		refs = refs[:s.maxCandidates]
	}
	localName := normalize.Normalize(query, normalize.Loose)
	for _, r := range refs {
		out = append(out, Candidate{
			Adapter: site,
			Ref:     r,
			Rank:    titleSimilarity(localName, normalize.Normalize(r.Title, normalize.Loose)),
		})
	}
	return out, nil
}

func hashCandidates(site trackeradapter.Adapter, refs []trackeradapter.CandidateRef) []Candidate {
	out := make([]Candidate, 0, len(refs))
	for _, r := range refs {
		out = append(out, Candidate{Adapter: site, Ref: r, HashHit: true, Rank: 1})
	}
	return out
}

// searchQuery derives a name-ladder query from the local torrent's
// top-level directory (or single-file name), preferring the artist/title
// rls extracts from the release name and filtering out generic filenames
// that would return only noise.
func searchQuery(local *metainfo.Metainfo) string {
	name := local.Name
	if name == "" && len(local.Files) > 0 {
		name = path.Base(local.Files[0].Path)
		if ext := path.Ext(name); ext != "" {
			name = strings.TrimSuffix(name, ext)
		}
	}
	if genericFilenames[strings.ToLower(strings.TrimSpace(name))] {
		return ""
	}

	release, cleaned := parseMusicRelease(name)
	switch {
	case release.Artist != "" && release.Title != "":
		return strings.TrimSpace(release.Artist + " " + release.Title)
	case release.Title != "":
		return release.Title
	default:
		return cleaned
	}
}

// titleSimilarity is the longest-common-substring ratio used to rank name
// hits, mirroring the matcher's own basename similarity heuristic.
func titleSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	lcs := longestCommonSubstring(a, b)
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(lcs) / float64(longer)
}

func longestCommonSubstring(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}
