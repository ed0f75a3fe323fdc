/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package lifecycle

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"
)

// Indexer turns a folder's content into the index. Implementations report
// coarse progress through the callback; the embedding pipeline behind it
// is external to the daemon.
type Indexer interface {
	Index(ctx context.Context, path string, progress func(percent int)) error
}

// fsIndexer is the built-in indexer: it enumerates candidate files, then
// walks them in a second pass feeding the progress callback. Directories
// starting with a dot and well-known build output are skipped.
type fsIndexer struct{}

func NewFSIndexer() Indexer {
	return &fsIndexer{}
}

var skippedDirs = map[string]struct{}{
	"node_modules": {},
	"__pycache__":  {},
	"target":       {},
	"dist":         {},
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	_, skip := skippedDirs[name]
	return skip
}

func (ix *fsIndexer) Index(ctx context.Context, path string, progress func(percent int)) error {
	total, err := ix.countCandidates(ctx, path)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(0)
	}
	if total == 0 {
		if progress != nil {
			progress(100)
		}
		return nil
	}

	seen := 0
	lastReported := 0
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// A vanished or unreadable entry is not fatal for the folder.
			log.G(ctx).WithError(err).Debugf("skipping %s", p)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if progress != nil {
			if pct := seen * 100 / total; pct > lastReported && pct <= 100 {
				lastReported = pct
				progress(pct)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "index folder %s", path)
	}
	if progress != nil && lastReported < 100 {
		progress(100)
	}
	return nil
}

func (ix *fsIndexer) countCandidates(ctx context.Context, path string) (int, error) {
	total := 0
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		total++
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "enumerate folder %s", path)
	}
	return total, nil
}
