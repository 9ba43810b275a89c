// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package zbstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/nix"
	"go.barrowcove.dev/zb/sets"
)

// ErrNotFound is returned by [Store.Object] and related methods
// when a store path is not present in the store.
var ErrNotFound = errors.New("store object not found")

// A Store provides read access to store objects by path.
type Store interface {
	// Object returns the object at the given store path.
	// If the path does not exist in the store,
	// Object returns an error for which errors.Is(err, ErrNotFound) reports true.
	Object(ctx context.Context, path Path) (Object, error)
}

// An Object is a single store object obtained from a [Store].
type Object interface {
	// Trailer returns metadata about the object.
	// The returned pointer must not be modified by the caller.
	Trailer() *ExportTrailer

	// WriteNAR writes the object's contents to dst in NAR format.
	WriteNAR(ctx context.Context, dst io.Writer) error
}

// A BatchStore is a [Store] that can look up multiple objects in one call,
// which implementations can use to avoid one round trip per path.
type BatchStore interface {
	// ObjectBatch returns the subset of storePaths present in the store.
	// Unlike [Store.Object], ObjectBatch does not treat a missing path as an error.
	ObjectBatch(ctx context.Context, storePaths sets.Set[Path]) ([]Object, error)
}

// A RandomAccessStore exposes the files inside its store objects
// through the [io/fs] package.
type RandomAccessStore interface {
	// StoreFS returns an [fs.FS] rooted such that a store object
	// named "NAME" in the directory dir can be opened as "NAME"
	// (or "NAME/SUBPATH" for a path inside the object).
	StoreFS(ctx context.Context, dir Directory) fs.FS
}

// An Importer receives store objects serialized in `nix-store --export` format.
type Importer interface {
	// StoreImport reads a `nix-store --export` stream from r
	// and adds every object it contains to the store.
	StoreImport(ctx context.Context, r io.Reader) error
}

// RealizationMap maps a derivation's output names
// to the store paths realized for them.
type RealizationMap map[string]Path

// A RealizationFetcher looks up known realizations of a derivation
// by the derivation's content-addressed hash.
type RealizationFetcher interface {
	// FetchRealizations returns the known realizations for the
	// derivation with the given hash.
	// A derivation hash with no known realizations is not an error:
	// FetchRealizations returns a nil or empty [RealizationMap].
	FetchRealizations(ctx context.Context, derivationHash nix.Hash) (RealizationMap, error)
}

// ExportOptions holds the optional parameters to [Export]
// and to implementations of [StoreExporter].
type ExportOptions struct {
	// ExcludeReferences excludes the transitive closure of the requested paths
	// from the export: only the requested paths themselves are written.
	ExcludeReferences bool
	// MaxConcurrency is the maximum number of store objects
	// that may be fetched from the underlying store concurrently.
	// If zero, a MaxConcurrency of 1 is used.
	MaxConcurrency int
}

// A StoreExporter writes store objects to a stream
// in `nix-store --export` format.
type StoreExporter interface {
	// StoreExport writes the given paths (and, unless opts.ExcludeReferences
	// is set, their transitive closure of references) to dst.
	// If opts is nil, it is treated the same as the zero value.
	StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error
}

// Export writes the given paths (and, unless opts.ExcludeReferences is set,
// their transitive closure of references) read from store to dst
// in `nix-store --export` format.
// Objects are written in topological order:
// every object is preceded by every object it references.
func Export(ctx context.Context, store Store, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	maxConcurrency := 1
	excludeReferences := false
	if opts != nil {
		if opts.MaxConcurrency > 0 {
			maxConcurrency = opts.MaxConcurrency
		}
		excludeReferences = opts.ExcludeReferences
	}

	roots := slices.Sorted(paths.All())
	fetched := make(map[Path]Object, len(roots))
	grp, groupCtx := errgroup.WithContext(ctx)
	grp.SetLimit(maxConcurrency)
	mu := make(chan struct{}, 1) // binary semaphore guarding fetched
	mu <- struct{}{}
	var fetch func(path Path)
	fetch = func(path Path) {
		grp.Go(func() error {
			<-mu
			_, already := fetched[path]
			mu <- struct{}{}
			if already {
				return nil
			}

			obj, err := store.Object(groupCtx, path)
			if err != nil {
				return err
			}

			<-mu
			fetched[path] = obj
			mu <- struct{}{}

			if !excludeReferences {
				for ref := range obj.Trailer().References.Values() {
					if ref != path {
						fetch(ref)
					}
				}
			}
			return nil
		})
	}
	for _, path := range roots {
		fetch(path)
	}
	if err := grp.Wait(); err != nil {
		return newExportError(roots, err)
	}

	objects := make([]Object, 0, len(fetched))
	for _, obj := range fetched {
		objects = append(objects, obj)
	}
	slices.SortFunc(objects, func(a, b Object) int {
		if a.Trailer().StorePath < b.Trailer().StorePath {
			return -1
		}
		if a.Trailer().StorePath > b.Trailer().StorePath {
			return 1
		}
		return 0
	})
	if err := sortByReferences(objects); err != nil {
		return newExportError(roots, err)
	}

	e := NewExporter(dst)
	for _, obj := range objects {
		if err := obj.WriteNAR(ctx, e); err != nil {
			return newExportError(roots, err)
		}
		if err := e.Trailer(obj.Trailer()); err != nil {
			return newExportError(roots, err)
		}
	}
	if err := e.Close(); err != nil {
		return newExportError(roots, err)
	}
	return nil
}

// sortByReferences performs a stable topological sort of objs in place so
// that every object appears after every object it references.
func sortByReferences(objs []Object) error {
	index := make(map[Path]int, len(objs))
	for i, obj := range objs {
		index[obj.Trailer().StorePath] = i
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(objs))
	order := make([]Object, 0, len(objs))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("sort store objects by reference: cycle detected at %s", objs[i].Trailer().StorePath)
		}
		state[i] = visiting
		self := objs[i].Trailer().StorePath
		for ref := range objs[i].Trailer().References.Values() {
			if ref == self {
				continue
			}
			j, ok := index[ref]
			if !ok {
				// Reference falls outside the set being exported; skip it.
				continue
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = visited
		order = append(order, objs[i])
		return nil
	}
	for i := range objs {
		if err := visit(i); err != nil {
			return err
		}
	}
	copy(objs, order)
	return nil
}

// newExportError wraps err with context about which store paths
// an export operation was attempting to write.
func newExportError(paths []Path, err error) error {
	if len(paths) == 0 {
		return fmt.Errorf("export store objects: %w", err)
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = string(p)
	}
	return fmt.Errorf("export store objects %s: %w", strings.Join(names, ", "), err)
}
