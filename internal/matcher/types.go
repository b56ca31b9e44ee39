// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher is the algorithmic heart of the cross-seed engine: given a
// local torrent and a candidate target torrent, it decides whether the
// candidate is an acceptable cross-seed and, if so, exactly how each local
// file maps onto the target's declared layout.
package matcher

import "fmt"

// LinkMode is how a paired file that needs a new path gets there when it
// cannot simply be renamed in place.
type LinkMode int

const (
	LinkNone LinkMode = iota
	LinkHard
	LinkSym
	LinkReflink
)

func (m LinkMode) String() string {
	switch m {
	case LinkHard:
		return "hard"
	case LinkSym:
		return "sym"
	case LinkReflink:
		return "reflink"
	default:
		return "none"
	}
}

// ParseLinkMode parses the global.linking.mode configuration value.
func ParseLinkMode(s string) (LinkMode, error) {
	switch s {
	case "", "none":
		return LinkNone, nil
	case "hard":
		return LinkHard, nil
	case "sym":
		return LinkSym, nil
	case "reflink":
		return LinkReflink, nil
	default:
		return LinkNone, fmt.Errorf("unknown linking mode %q", s)
	}
}

// ActionKind classifies one FileAction within a FileMapping.
type ActionKind int

const (
	// Identical: same bytes, same path; no filesystem action needed.
	Identical ActionKind = iota
	// Rename: same bytes, different relative path, moved in place.
	Rename
	// Link: same bytes, reachable under a new root via hardlink/symlink/reflink.
	Link
	// Skip: target declares a file we deliberately omit (non-essential
	// artwork under a size threshold).
	Skip
	// Missing: required target file has no usable local counterpart.
	Missing
)

func (k ActionKind) String() string {
	switch k {
	case Identical:
		return "identical"
	case Rename:
		return "rename"
	case Link:
		return "link"
	case Skip:
		return "skip"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// FileAction is one element of an accepted FileMapping.
type FileAction struct {
	Kind ActionKind

	// LocalPath is the paired local file's relative path. Empty for Skip
	// and Missing, which have no local counterpart.
	LocalPath string
	// TargetPath is the target torrent's declared relative path for this
	// file. Always set.
	TargetPath string
	// Length is the target file's declared length.
	Length int64
	// Mode is the link primitive to use; only meaningful when Kind == Link.
	Mode LinkMode
}

// FileMapping is an ordered, deterministic partition of every target file
// into exactly one FileAction, produced by Match for an accepted candidate.
type FileMapping struct {
	Actions []FileAction
}

// MissingBytes returns the total length of every Missing action.
func (fm *FileMapping) MissingBytes() int64 {
	var total int64
	for _, a := range fm.Actions {
		if a.Kind == Missing {
			total += a.Length
		}
	}
	return total
}

// RejectReason explains why Match rejected a candidate. Rejection is a
// normal outcome, not an error.
type RejectReason string

const (
	ReasonSizeMismatch            RejectReason = "size_mismatch"
	ReasonPieceMismatch           RejectReason = "piece_mismatch"
	ReasonConflict                RejectReason = "conflict"
	ReasonTooMuchMissing          RejectReason = "too_much_missing"
	ReasonLinkingRequiredDisabled RejectReason = "linking_required_disabled"
)

// Policy configures matcher behavior; all fields are immutable for the
// duration of a Match call.
type Policy struct {
	// LinkingMode selects how paired files reach a new relative path.
	LinkingMode LinkMode
	// AllowPartialPieces permits tolerating a boundary-piece hash mismatch
	// when LinkingMode == LinkReflink (a reflink CoW clone re-materializes
	// file content regardless of the stale piece hash comparison).
	AllowPartialPieces bool
	// MaxMissingBytes is the budget for the sum of Missing action lengths.
	MaxMissingBytes int64
	// ArtworkSkipThreshold is the largest length, in bytes, an unpaired
	// target file with no local naming conflict may have and still be
	// classified Skip instead of Missing (and so not count against the
	// missing-bytes budget). Files above the threshold, or files that do
	// share a name with a different-sized local file, are Missing.
	ArtworkSkipThreshold int64
	// ReplaceInPlace allows Rename actions to move local files into the
	// target's layout destructively, for the case where this candidate is
	// replacing the local torrent within the same client rather than
	// being added as a second seed. When false (the default — cross-seed
	// adds a second seed of the same content), every non-identical pair is
	// a Link action instead, leaving the original local files untouched.
	ReplaceInPlace bool
}

// Verdict is the result of Match: either an accepted mapping, or a rejection
// with a reason.
type Verdict struct {
	Accepted bool
	Mapping  *FileMapping
	Reason   RejectReason
}
