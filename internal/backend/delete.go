// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"fmt"
	"os"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// Delete removes the given store objects, failing if any object outside
// paths still refers to one of them. It corresponds to "zb store object
// delete" without -r/--recursive.
func (s *Server) Delete(ctx context.Context, paths sets.Set[zbstore.Path]) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)

	for p := range paths.All() {
		rs, err := referrers(conn, p)
		if err != nil {
			return err
		}
		for r := range rs.All() {
			if !paths.Has(r) {
				return fmt.Errorf("delete %s: still referenced by %s", p, r)
			}
		}
	}
	return s.deleteSet(ctx, conn, paths)
}

// DeleteIncludingReferences removes the given store objects along with
// every object (transitively) that refers to them, so that the deletion
// always succeeds. It corresponds to "zb store object delete -r".
func (s *Server) DeleteIncludingReferences(ctx context.Context, paths sets.Set[zbstore.Path]) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)

	full := paths.Clone()
	frontier := make([]zbstore.Path, 0, paths.Len())
	for p := range paths.All() {
		frontier = append(frontier, p)
	}
	for len(frontier) > 0 {
		p := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		rs, err := referrers(conn, p)
		if err != nil {
			return err
		}
		for r := range rs.All() {
			if !full.Has(r) {
				full.Add(r)
				frontier = append(frontier, r)
			}
		}
	}
	return s.deleteSet(ctx, conn, full)
}

// referrers returns the set of store paths that directly reference path,
// the reverse of [closurePaths]'s direction.
func referrers(conn *sqlite.Conn, path zbstore.Path) (sets.Set[zbstore.Path], error) {
	result := make(sets.Set[zbstore.Path])
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_referrers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := zbstore.ParsePath(stmt.GetText("referrer"))
			if err != nil {
				return fmt.Errorf("referrer: %v", err)
			}
			result.Add(ref)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %v", path, err)
	}
	return result, nil
}

// deleteSet removes every path in paths from both the store database and
// the real store directory, within a single database transaction.
func (s *Server) deleteSet(ctx context.Context, conn *sqlite.Conn, paths sets.Set[zbstore.Path]) (err error) {
	defer sqlitex.Save(conn)(&err)

	for p := range paths.All() {
		if err := sqlitex.ExecuteFS(conn, sqlFiles(), "delete_object_refs.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(p)},
		}); err != nil {
			return fmt.Errorf("delete %s: remove references: %v", p, err)
		}
		if err := sqlitex.ExecuteFS(conn, sqlFiles(), "delete_object.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(p)},
		}); err != nil {
			return fmt.Errorf("delete %s: %v", p, err)
		}
		if err := sqlitex.ExecuteFS(conn, sqlFiles(), "delete_path.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(p)},
		}); err != nil {
			return fmt.Errorf("delete %s: %v", p, err)
		}
	}

	for p := range paths.All() {
		realPath := s.realPath(p)
		if err := os.RemoveAll(realPath); err != nil {
			log.Errorf(ctx, "Failed to remove %s from disk: %v", realPath, err)
		}
	}
	return nil
}
