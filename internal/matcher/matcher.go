// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package matcher

import (
	"path"
	"sort"
	"strings"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/normalize"
)

// pair associates one local file index with one target file index.
type pair struct {
	localIdx  int
	targetIdx int
}

// Match decides whether candidate is an acceptable cross-seed of local and,
// if so, produces the FileMapping describing how every local file maps to
// the candidate's declared layout. Match is deterministic: identical inputs
// always produce an identical Verdict, including FileMapping ordering.
func Match(local, candidate *metainfo.Metainfo, policy Policy) (Verdict, error) {
	targetOrder := sortedByNormalizedPath(candidate.Files)

	localUsed := make([]bool, len(local.Files))
	byLength := make(map[int64][]int, len(local.Files))
	for i, f := range local.Files {
		byLength[f.Length] = append(byLength[f.Length], i)
	}

	pairs := make([]pair, 0, len(candidate.Files))
	pairedTarget := make(map[int]bool, len(candidate.Files))
	var unmatchedTargets []int

	for _, ti := range targetOrder {
		tf := candidate.Files[ti]
		var available []int
		for _, li := range byLength[tf.Length] {
			if !localUsed[li] {
				available = append(available, li)
			}
		}
		switch len(available) {
		case 0:
			unmatchedTargets = append(unmatchedTargets, ti)
		case 1:
			localUsed[available[0]] = true
			pairedTarget[ti] = true
			pairs = append(pairs, pair{available[0], ti})
		default:
			best := disambiguate(local.Files, available, tf.Path)
			localUsed[best] = true
			pairedTarget[ti] = true
			pairs = append(pairs, pair{best, ti})
		}
	}

	// Piece-hash verification, when both sides expose piece hashes and the
	// paired files occupy identical byte offsets under an identical piece
	// length. A declared piece-length mismatch makes piece-index alignment
	// meaningless, so verification cannot run at all; falling back to
	// size+name alone then requires an explicit AllowPartialPieces opt-in
	// rather than silently accepting unverified.
	switch {
	case local.PieceLength != 0 && candidate.PieceLength != 0 && local.PieceLength != candidate.PieceLength:
		if !policy.AllowPartialPieces {
			return Verdict{Accepted: false, Reason: ReasonPieceMismatch}, nil
		}
	case aligned(local, candidate, pairs):
		if reason, ok := verifyPieces(local, candidate, pairs, policy); !ok {
			return Verdict{Accepted: false, Reason: reason}, nil
		}
	}

	// Conflict detection: an unmatched target file whose normalized name
	// collides with an unused local file, at a different length.
	conflictedTargets := make(map[int]bool, len(unmatchedTargets))
	for _, ti := range unmatchedTargets {
		tf := candidate.Files[ti]
		tname := normalize.Normalize(path.Base(tf.Path), normalize.Loose)
		for li, used := range localUsed {
			if used {
				continue
			}
			if local.Files[li].Length == tf.Length {
				continue
			}
			lname := normalize.Normalize(path.Base(local.Files[li].Path), normalize.Loose)
			if lname == tname {
				conflictedTargets[ti] = true
				break
			}
		}
	}
	if len(conflictedTargets) > 0 && policy.LinkingMode == LinkNone {
		return Verdict{Accepted: false, Reason: ReasonConflict}, nil
	}

	// Build the mapping in deterministic target-path order.
	mapping := &FileMapping{Actions: make([]FileAction, 0, len(candidate.Files))}
	actionByTarget := make(map[int]FileAction, len(pairs))

	for _, p := range pairs {
		lf := local.Files[p.localIdx]
		tf := candidate.Files[p.targetIdx]
		kind, mode, rejected := decidePathAction(lf.Path, tf.Path, policy)
		if rejected {
			return Verdict{Accepted: false, Reason: ReasonLinkingRequiredDisabled}, nil
		}
		actionByTarget[p.targetIdx] = FileAction{
			Kind:       kind,
			LocalPath:  lf.Path,
			TargetPath: tf.Path,
			Length:     tf.Length,
			Mode:       mode,
		}
	}
	for _, ti := range unmatchedTargets {
		tf := candidate.Files[ti]
		kind := Missing
		if !conflictedTargets[ti] && tf.Length <= policy.ArtworkSkipThreshold {
			kind = Skip
		}
		actionByTarget[ti] = FileAction{Kind: kind, TargetPath: tf.Path, Length: tf.Length}
	}

	for _, ti := range targetOrder {
		mapping.Actions = append(mapping.Actions, actionByTarget[ti])
	}

	if mapping.MissingBytes() > policy.MaxMissingBytes {
		return Verdict{Accepted: false, Reason: ReasonTooMuchMissing}, nil
	}

	return Verdict{Accepted: true, Mapping: mapping}, nil
}

func sortedByNormalizedPath(files []metainfo.FileEntry) []int {
	idx := make([]int, len(files))
	keys := make([]string, len(files))
	for i, f := range files {
		idx[i] = i
		keys[i] = normalize.Normalize(f.Path, normalize.Strict)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return keys[idx[a]] < keys[idx[b]]
	})
	return idx
}

// disambiguate picks the best same-length local file candidate for a target
// path, by loose-normalized basename similarity (longest common normalized
// substring ratio), ties broken by closest path depth then declared order.
func disambiguate(localFiles []metainfo.FileEntry, candidates []int, targetPath string) int {
	targetBase := normalize.Normalize(path.Base(targetPath), normalize.Loose)
	targetDepth := strings.Count(targetPath, "/")

	best := candidates[0]
	bestScore := -1.0
	bestDepthDiff := -1
	for _, li := range candidates {
		localBase := normalize.Normalize(path.Base(localFiles[li].Path), normalize.Loose)
		score := similarity(localBase, targetBase)
		if score < 0.6 {
			continue
		}
		depthDiff := abs(strings.Count(localFiles[li].Path, "/") - targetDepth)
		if score > bestScore || (score == bestScore && depthDiff < bestDepthDiff) {
			best = li
			bestScore = score
			bestDepthDiff = depthDiff
		}
	}
	return best
}

// similarity is the length of the longest common substring of a and b,
// divided by the length of the longer string.
func similarity(a, b string) float64 {
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

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// aligned reports whether local and candidate share a piece length and every
// paired file occupies an identical byte range in both torrents' content
// streams, which is the precondition for comparing piece hashes by index.
func aligned(local, candidate *metainfo.Metainfo, pairs []pair) bool {
	if local.PieceLength != candidate.PieceLength || local.PieceLength == 0 {
		return false
	}
	if len(local.Pieces) == 0 || len(candidate.Pieces) == 0 {
		return false
	}
	for _, p := range pairs {
		lf := local.Files[p.localIdx]
		tf := candidate.Files[p.targetIdx]
		if lf.Offset != tf.Offset || lf.Length != tf.Length {
			return false
		}
	}
	return true
}

// verifyPieces compares piece hashes, by index, over every piece touched by
// a paired target file. A full-coverage mismatch always rejects. A
// boundary-piece mismatch (the paired file covers only part of the piece,
// the rest belonging to a neighboring file) is tolerated only under
// LinkReflink with AllowPartialPieces, since a reflink clone re-materializes
// file content and the stale hash comparison no longer matters.
func verifyPieces(local, candidate *metainfo.Metainfo, pairs []pair, policy Policy) (RejectReason, bool) {
	for _, p := range pairs {
		ranges, err := candidate.PiecesForFile(p.targetIdx)
		if err != nil {
			return ReasonPieceMismatch, false
		}
		for _, r := range ranges {
			if r.PieceIndex >= len(local.Pieces) || r.PieceIndex >= len(candidate.Pieces) {
				return ReasonPieceMismatch, false
			}
			if local.Pieces[r.PieceIndex] == candidate.Pieces[r.PieceIndex] {
				continue
			}
			// The final piece of a torrent is truncated to the content's
			// total size, so the piece's true width — not the nominal
			// PieceLength — decides whether this file owns it wholly. A
			// wholly-owned piece must match exactly; only a piece shared
			// with a neighboring file is a boundary piece.
			pieceStart := int64(r.PieceIndex) * candidate.PieceLength
			pieceWidth := minInt64(candidate.PieceLength, candidate.TotalSize()-pieceStart)
			fullCoverage := r.Start == 0 && r.End == pieceWidth
			boundary := !fullCoverage
			tolerated := boundary && policy.LinkingMode == LinkReflink && policy.AllowPartialPieces
			if !tolerated {
				return ReasonPieceMismatch, false
			}
		}
	}
	return "", true
}

// decidePathAction resolves the per-pair FileAction kind. rejected is
// true when linking is disabled but the paths differ and ReplaceInPlace
// forbids a destructive rename.
func decidePathAction(localPath, targetPath string, policy Policy) (ActionKind, LinkMode, bool) {
	if normalize.Normalize(localPath, normalize.Strict) == normalize.Normalize(targetPath, normalize.Strict) {
		return Identical, LinkNone, false
	}
	if policy.ReplaceInPlace {
		return Rename, LinkNone, false
	}
	if policy.LinkingMode == LinkNone {
		return Missing, LinkNone, true
	}
	return Link, policy.LinkingMode, false
}
