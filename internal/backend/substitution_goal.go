// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// substitutionGoal drives fetching a single store path from the worker's
// configured substituters, trying each one in turn until one succeeds or
// every substituter has been exhausted (in which case the goal finishes
// with [goalNoSubstituters] rather than [goalFailed], since the caller may
// still be able to build the path itself).
type substitutionGoal struct {
	goalBase

	path zbstore.Path
}

func (g *substitutionGoal) base() *goalBase { return &g.goalBase }

func newSubstitutionGoal(w *Worker, path zbstore.Path) *substitutionGoal {
	g := &substitutionGoal{
		goalBase: newGoalBase(w, goalKey{kind: substitutionGoalKind, path: string(path)}),
		path:     path,
	}
	g.setSelf(g)
	return g
}

// cancel is a no-op: each fetch attempt already watches ctx cancellation
// directly, so there's no extra state to release here.
func (g *substitutionGoal) cancel() {}

// run tries every substituter in turn (corresponding to the try_next state
// in the substitution state machine), checking the fetched object's
// references are themselves valid in the store before accepting it.
func (g *substitutionGoal) run(ctx context.Context) {
	status := g.tryNext(ctx)
	g.amDone(ctx, status)
}

func (g *substitutionGoal) tryNext(ctx context.Context) goalStatus {
	substituters := g.worker.substituters
	if len(substituters) == 0 {
		return goalNoSubstituters
	}

	for _, sub := range substituters {
		if err := ctx.Err(); err != nil {
			return goalFailed
		}

		obj, err := sub.Object(ctx, g.path)
		if err != nil {
			if errors.Is(err, zbstore.ErrNotFound) {
				continue
			}
			log.Warnf(ctx, "Substituter error for %s: %v", g.path, err)
			continue
		}

		if !g.referencesValid(ctx, obj.Trailer()) {
			log.Warnf(ctx, "Substituter offered %s but one or more references aren't valid; trying next substituter", g.path)
			continue
		}

		if err := g.fetch(ctx, obj); err != nil {
			log.Warnf(ctx, "Fetching %s failed: %v; trying next substituter", g.path, err)
			continue
		}
		return goalSucceeded
	}

	return goalNoSubstituters
}

// referencesValid requires every reference the substituted object claims to
// have to either already be valid in the store or itself be realizable by
// a nested substitution goal.
func (g *substitutionGoal) referencesValid(ctx context.Context, trailer *zbstore.ExportTrailer) bool {
	missing := make(sets.Set[zbstore.Path])
	func() {
		conn, err := g.worker.srv.db.Get(ctx)
		if err != nil {
			return
		}
		defer g.worker.srv.db.Put(conn)
		for ref := range trailer.References.Values() {
			if ref == trailer.StorePath {
				continue
			}
			exists, err := objectExists(conn, ref)
			if err != nil || exists {
				continue
			}
			missing.Add(ref)
		}
	}()
	if missing.Len() == 0 {
		return true
	}

	ok := true
	for ref := range missing.All() {
		sub := g.worker.getOrCreateSubstitutionGoal(ref)
		g.addWaitee(sub)
		status := sub.wait()
		g.waiteeDone(sub, status)
		if status != goalSucceeded {
			ok = false
		}
	}
	return ok
}

// fetch downloads the object's NAR, extracts it into the store directory,
// and records its metadata, verifying the content address and hash along
// the way the same way a pushed import is verified in [import.go].
func (g *substitutionGoal) fetch(ctx context.Context, obj zbstore.Object) error {
	srv := g.worker.srv
	trailer := obj.Trailer()
	realPath := srv.realPath(g.path)

	unlock, err := srv.writing.lock(ctx, g.path)
	if err != nil {
		return err
	}
	defer unlock()

	extractPR, extractPW := io.Pipe()
	verifyPR, verifyPW := io.Pipe()
	hasher := nix.NewHasher(nix.SHA256)
	wc := new(writeCounter)
	writeDone := make(chan error, 1)
	go func() {
		dst := io.MultiWriter(extractPW, verifyPW, hasher, wc)
		err := obj.WriteNAR(ctx, dst)
		extractPW.CloseWithError(err)
		verifyPW.CloseWithError(err)
		writeDone <- err
	}()

	extractDone := make(chan error, 1)
	go func() {
		extractDone <- extractNAR(realPath, extractPR)
	}()

	refs := trailer.References
	ca, verifyErr := verifyContentAddress(g.path, verifyPR, &refs, trailer.ContentAddress)
	verifyPR.Close()
	extractErr := <-extractDone
	extractPR.Close()
	writeErr := <-writeDone

	if writeErr != nil {
		return fmt.Errorf("fetch %s: %w", g.path, writeErr)
	}
	if extractErr != nil {
		return fmt.Errorf("fetch %s: %w", g.path, extractErr)
	}
	if verifyErr != nil {
		return fmt.Errorf("fetch %s: %w", g.path, verifyErr)
	}

	conn, err := srv.db.Get(ctx)
	if err != nil {
		return err
	}
	defer srv.db.Put(conn)
	info := &ObjectInfo{
		StorePath:  g.path,
		NARHash:    hasher.SumHash(),
		NARSize:    int64(*wc),
		References: refs,
		CA:         ca,
	}
	if err := insertObject(ctx, conn, info); err != nil && !errors.Is(err, errObjectExists) {
		return fmt.Errorf("record fetched object %s: %w", g.path, err)
	}
	freeze(ctx, realPath)
	return nil
}
