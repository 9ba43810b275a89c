// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// readonlySavepoint starts a savepoint intended for a read-only sequence of
// queries and returns a function that always rolls it back.
// Using a savepoint (rather than no transaction at all) gives the caller a
// consistent snapshot across multiple statements.
func readonlySavepoint(conn *sqlite.Conn) (rollback func(), err error) {
	endFn := sqlitex.Save(conn)
	return func() {
		err := errRollbackReadonly
		endFn(&err)
	}, nil
}

var errRollbackReadonly = fmt.Errorf("readonly savepoint")

func joinStrings[T ~string](paths []T, sep string) string {
	sb := new(strings.Builder)
	for i, p := range paths {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(string(p))
	}
	return sb.String()
}

func marshalJSONString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sortByReferences performs a stable topological sort of objects in place so
// that every object appears after all of the objects it references (or
// before, if reverse is true).
// sortByReferences returns an error if an object's references are not
// entirely contained within objects.
func sortByReferences[T any](
	objects []T,
	key func(T) zbstore.Path,
	refs func(T) sets.Sorted[zbstore.Path],
	reverse bool,
) error {
	index := make(map[zbstore.Path]int, len(objects))
	for i, obj := range objects {
		index[key(obj)] = i
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(objects))
	order := make([]T, 0, len(objects))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("sort by references: cycle detected at %s", key(objects[i]))
		}
		state[i] = visiting
		for ref := range refs(objects[i]).Values() {
			if ref == key(objects[i]) {
				continue
			}
			j, ok := index[ref]
			if !ok {
				return fmt.Errorf("sort by references: %s: missing reference %s", key(objects[i]), ref)
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = visited
		order = append(order, objects[i])
		return nil
	}

	for i := range objects {
		if err := visit(i); err != nil {
			return err
		}
	}
	if reverse {
		for l, r := 0, len(order)-1; l < r; l, r = l+1, r-1 {
			order[l], order[r] = order[r], order[l]
		}
	}
	copy(objects, order)
	return nil
}
