// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package backend provides a [zbstore] implementation backed by local compute resources.
//
// The package is organized around a goal-based build scheduler modeled on the
// one used by traditional Nix: realizing a derivation is broken down into a
// tree of [goal] values (one per derivation or substitutable path) which the
// [Worker] runs each on a goroutine of its own, allowing at most one local
// build per available build slot at a time.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"go.barrowcove.dev/zb/internal/jsonrpc"
	"go.barrowcove.dev/zb/internal/zbstorerpc"
	"go.barrowcove.dev/zb/zbstore"
)

// Options is the set of optional parameters to [NewServer].
type Options struct {
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
	// BuildDir is where realizations' working directories will be placed.
	// If empty, defaults to [os.TempDir].
	BuildDir string
	// Users is the set of build users available for sandboxed builds.
	// If empty, builds run as the calling process's user.
	Users []BuildUser
	// MaxJobs limits the number of derivation builds that may run at once.
	// If zero, defaults to 1.
	MaxJobs int
	// BuildHook, if set, is consulted before running any build locally:
	// it may accept the build for remote execution, in which case the
	// worker never runs the builder itself.
	BuildHook *BuildHookClient
	// Substituters is the list of stores consulted, in order, for store
	// objects and derivation outputs this server doesn't already have.
	Substituters []zbstore.Store
}

// Server is a local store.
// Server implements [jsonrpc.Handler] and is intended to be used with [jsonrpc.Serve].
type Server struct {
	dir      zbstore.Directory
	realDir  string
	buildDir string
	db       *sqlitemigration.Pool

	// writing serializes mutations (and existence checks that precede a
	// mutation) of a single store path so that concurrent imports,
	// realizations, and registrations never race on the same object.
	writing mutexMap[zbstore.Path]

	worker *Worker
}

// NewServer returns a new [Server] for the given store directory and database path.
// Callers are responsible for calling [Server.Close] on the returned server.
func NewServer(dir zbstore.Directory, dbPath string, opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}
	srv := &Server{
		dir:      dir,
		realDir:  opts.RealDir,
		buildDir: opts.BuildDir,

		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Migrating...")
			},
			OnReady: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Database ready")
			},
			OnError: func(err error) {
				ctx := context.Background()
				log.Errorf(ctx, "Migration: %v", err)
			},
		}),
	}
	if srv.realDir == "" {
		srv.realDir = string(srv.dir)
	}
	if srv.buildDir == "" {
		srv.buildDir = os.TempDir()
	}
	srv.worker = newWorker(srv, opts)
	return srv
}

// realPath returns the path to p on the local filesystem.
func (s *Server) realPath(p zbstore.Path) string {
	return filepath.Join(s.realDir, p.Base())
}

// Close releases any resources associated with the server,
// including waiting for any in-progress builds to be canceled.
func (s *Server) Close() error {
	s.worker.shutdown()
	return s.db.Close()
}

// JSONRPC implements the [jsonrpc.Handler] interface
// and serves the zb store RPC protocol described by [zbstorerpc].
func (s *Server) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.ServeMux{
		zbstorerpc.NopMethod:       jsonrpc.HandlerFunc(nopHandler),
		zbstorerpc.ExistsMethod:    jsonrpc.HandlerFunc(s.exists),
		zbstorerpc.InfoMethod:      jsonrpc.HandlerFunc(s.info),
		zbstorerpc.RealizeMethod:   jsonrpc.HandlerFunc(s.worker.realize),
		zbstorerpc.ExpandMethod:    jsonrpc.HandlerFunc(s.worker.expand),
		zbstorerpc.GetBuildMethod:  jsonrpc.HandlerFunc(s.worker.getBuild),
		zbstorerpc.CancelBuildMethod: jsonrpc.HandlerFunc(s.worker.cancelBuild),
		zbstorerpc.ReadLogMethod:   jsonrpc.HandlerFunc(s.worker.readLog),
		zbstorerpc.ExportMethod:    jsonrpc.HandlerFunc(s.export),
	}.JSONRPC(ctx, req)
}

func nopHandler(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return &jsonrpc.Response{Result: json.RawMessage("null")}, nil
}

func (s *Server) exists(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.ExistsRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, sub, err := s.dir.ParsePath(args.Path)
	if err != nil || sub != "" {
		log.Debugf(ctx, "Queried invalid path %s", args.Path)
		return &jsonrpc.Response{Result: json.RawMessage("false")}, nil
	}
	unlock, err := s.writing.lock(ctx, p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := os.Lstat(s.realPath(p)); err != nil {
		log.Debugf(ctx, "%s does not exist (%v)", args.Path, err)
		return &jsonrpc.Response{Result: json.RawMessage("false")}, nil
	}
	log.Debugf(ctx, "%s exists", args.Path)
	return &jsonrpc.Response{Result: json.RawMessage("true")}, nil
}

func (s *Server) info(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.InfoRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	info, err := pathInfo(conn, args.Path)
	if errors.Is(err, errObjectNotExist) {
		return marshalResponse(&zbstorerpc.InfoResponse{})
	}
	if err != nil {
		return nil, err
	}
	return marshalResponse(&zbstorerpc.InfoResponse{Info: info.ToRPC()})
}

type peerContextKey struct{}

// WithPeer returns a copy of parent
// in which the given handler is used as the client's connection.
func WithPeer(parent context.Context, peer jsonrpc.Handler) context.Context {
	return context.WithValue(parent, peerContextKey{}, peer)
}

func peer(ctx context.Context) jsonrpc.Handler {
	p, _ := ctx.Value(peerContextKey{}).(jsonrpc.Handler)
	if p == nil {
		p = jsonrpc.HandlerFunc(func(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			return nil, jsonrpc.Error(jsonrpc.InternalError, errors.New("no peer in context"))
		})
	}
	return p
}

func marshalResponse(data any) (*jsonrpc.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InternalError, err)
	}
	return &jsonrpc.Response{Result: jsonData}, nil
}
