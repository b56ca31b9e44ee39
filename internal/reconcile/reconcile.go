// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile executes an accepted matcher.FileMapping against the
// filesystem: staging every Link/Rename action under a temporary sibling
// directory, then atomically swapping it into place as the target save
// root. Staging never touches the original local files unless the mapping
// was built with matcher.Policy.ReplaceInPlace.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/autobrr/nemorosa/internal/matcher"
	"github.com/autobrr/nemorosa/pkg/fsutil"
	"github.com/autobrr/nemorosa/pkg/reflinktree"
)

// Plan is the filesystem-level result of reconciling a FileMapping: the
// directory a torrent client should be pointed at to find every non-Skip
// target file at its declared relative path.
type Plan struct {
	// StagedRoot is the directory containing the reconciled file layout.
	StagedRoot string
}

// Locker serializes Reconciler operations against a single local save_path:
// two pipelines targeting the same local files must never stage
// concurrently.
type Locker interface {
	Lock(savePath string)
	Unlock(savePath string)
}

// PathLocker is an in-process advisory lock keyed by save path.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocker returns a ready-to-use PathLocker.
func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *PathLocker) Lock(savePath string) {
	l.mu.Lock()
	m, ok := l.locks[savePath]
	if !ok {
		m = &sync.Mutex{}
		l.locks[savePath] = m
	}
	l.mu.Unlock()
	m.Lock()
}

func (l *PathLocker) Unlock(savePath string) {
	l.mu.Lock()
	m, ok := l.locks[savePath]
	l.mu.Unlock()
	if ok {
		m.Unlock()
	}
}

// Reconciler materializes FileMappings onto disk.
type Reconciler struct {
	locker Locker
}

// New returns a Reconciler using an in-process PathLocker.
func New() *Reconciler {
	return &Reconciler{locker: NewPathLocker()}
}

// NewWithLocker returns a Reconciler using the given Locker, for tests or
// for a future cross-process lock implementation.
func NewWithLocker(l Locker) *Reconciler {
	return &Reconciler{locker: l}
}

// Reconcile stages mapping under a temporary sibling of targetRoot, rooted
// at localRoot for every Identical/Rename/Link source file, then atomically
// renames the staging directory into place at targetRoot. On any staging
// failure the partial staging directory is removed and localRoot is left
// untouched, except for files already moved by a Rename action taken before
// the failure (Rename is only enabled when policy.ReplaceInPlace permits a
// destructive swap, in which case leaving some files moved is acceptable:
// the local torrent is being retired).
func (r *Reconciler) Reconcile(ctx context.Context, mapping *matcher.FileMapping, localRoot, targetRoot string) (*Plan, error) {
	r.locker.Lock(localRoot)
	defer r.locker.Unlock(localRoot)

	staging := targetRoot + ".nemorosa-staging"
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear stale staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, action := range mapping.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch action.Kind {
		case matcher.Identical, matcher.Rename, matcher.Link:
			if err := r.stageOne(localRoot, staging, action); err != nil {
				return nil, fmt.Errorf("stage %q: %w", action.TargetPath, err)
			}
		case matcher.Skip, matcher.Missing:
			// contribute nothing to the staged tree.
		}
	}

	if err := os.RemoveAll(targetRoot); err != nil {
		return nil, fmt.Errorf("clear target root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(targetRoot), 0o755); err != nil {
		return nil, fmt.Errorf("create target parent: %w", err)
	}
	if err := os.Rename(staging, targetRoot); err != nil {
		return nil, fmt.Errorf("swap staging dir into place: %w", err)
	}

	ok = true
	return &Plan{StagedRoot: targetRoot}, nil
}

// stageOne places one source file at its declared relative path under
// staging, choosing the filesystem primitive the action's Kind and Mode
// call for, falling back down the hard -> sym -> reflink chain when a
// primitive is refused by the filesystem.
func (r *Reconciler) stageOne(localRoot, staging string, action matcher.FileAction) error {
	src := filepath.Join(localRoot, action.LocalPath)
	dst := filepath.Join(staging, action.TargetPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}

	mode := action.Mode
	if action.Kind == matcher.Rename {
		return renameOrDowngrade(src, dst, mode)
	}
	return link(src, dst, mode)
}

// renameOrDowngrade performs an atomic within-filesystem move. A
// cross-device rename downgrades to the Link chain instead.
func renameOrDowngrade(src, dst string, mode matcher.LinkMode) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return link(src, dst, mode)
}

// link starts at the primitive mode names (hard for any mode other than sym
// or reflink) and falls back down the hard -> sym -> reflink chain from there.
func link(src, dst string, mode matcher.LinkMode) error {
	switch mode {
	case matcher.LinkSym:
		return symlink(src, dst)
	case matcher.LinkReflink:
		return reflink(src, dst)
	default:
		return hardlink(src, dst)
	}
}

func hardlink(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	if err := symlink(src, dst); err == nil {
		return nil
	}
	return reflink(src, dst)
}

func symlink(src, dst string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if err := os.Symlink(abs, dst); err == nil {
		return nil
	}
	return reflink(src, dst)
}

func reflink(src, dst string) error {
	return reflinktree.CloneFile(src, dst)
}

// SameFilesystem reports whether two paths share a device, the precondition
// for a hardlink or an atomic rename.
func SameFilesystem(a, b string) (bool, error) {
	return fsutil.SameFilesystem(a, b)
}
