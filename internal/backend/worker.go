// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"go.barrowcove.dev/zb/internal/jsonrpc"
	"go.barrowcove.dev/zb/internal/zbstorerpc"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// Worker drives a [Server]'s realize and expand requests to completion by
// running each [goal] on a goroutine of its own. It deduplicates
// goals by path so that concurrent requests for the same derivation or
// substitutable path share a single build, mirroring the worker found in
// traditional Nix.
type Worker struct {
	srv *Server

	users        *userSet
	substituters []zbstore.Store
	buildHook    *BuildHookClient

	buildSlots chan struct{}

	goalsMu            sync.Mutex
	derivationGoals    map[zbstore.Path]*derivationGoal
	substitutionGoals  map[zbstore.Path]*substitutionGoal

	buildsMu sync.Mutex
	builds   map[string]*buildState

	shutdownOnce sync.Once
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
	wg           sync.WaitGroup
}

// buildState tracks the goals and aggregated results for a single realize
// or expand request, keyed by build ID in [Worker.builds].
type buildState struct {
	mu        sync.Mutex
	status    zbstorerpc.BuildStatus
	startedAt time.Time
	endedAt   zbstorerpc.Nullable[time.Time]
	results   []*zbstorerpc.BuildResult
	expand    *zbstorerpc.ExpandResult

	// cancelGoals cancels every goal this build started, set by realize or
	// expand once it knows which goals are involved.
	cancelGoals func()
	done        chan struct{}
}

func newWorker(srv *Server, opts *Options) *Worker {
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	users, err := newUserSet(opts.Users)
	if err != nil {
		// Building as the calling user is always a valid fallback, so a
		// misconfigured user list shouldn't prevent the server from
		// starting; sandboxed builds that actually need a user will fail
		// individually instead.
		log.Errorf(context.Background(), "Invalid build users, builds will run as the current user: %v", err)
		users, _ = newUserSet(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		srv:               srv,
		users:             users,
		buildHook:         opts.BuildHook,
		substituters:      opts.Substituters,
		buildSlots:        make(chan struct{}, maxJobs),
		derivationGoals:   make(map[zbstore.Path]*derivationGoal),
		substitutionGoals: make(map[zbstore.Path]*substitutionGoal),
		builds:            make(map[string]*buildState),
		shutdownCtx:       ctx,
		shutdownFunc:      cancel,
	}
	if w.buildHook != nil {
		w.buildHook.attach(w)
	}
	return w
}

// shutdown cancels every in-flight goal and waits for their goroutines to
// return.
func (w *Worker) shutdown() {
	w.shutdownOnce.Do(func() {
		w.shutdownFunc()
		w.goalsMu.Lock()
		for _, g := range w.derivationGoals {
			g.cancel()
		}
		for _, g := range w.substitutionGoals {
			g.cancel()
		}
		w.goalsMu.Unlock()
	})
	w.wg.Wait()
}

// wake is called by [goalBase.amDone] whenever a goal finishes. The
// goroutine-per-goal scheduler doesn't need a dispatch loop to notify (every
// goal's waiters are woken directly by amDone), so this is solely a hook
// for observability.
func (w *Worker) wake(g goal) {
	log.Debugf(context.Background(), "Goal %s %s finished: %v", g.key().kind, g.key().path, g)
}

// getOrCreateDerivationGoal returns the (possibly already running) goal
// that realizes drvPath, widening its wanted outputs if it already exists.
// It starts the goal's run loop on its own goroutine if this call created
// it.
func (w *Worker) getOrCreateDerivationGoal(drvPath zbstore.Path, drv *zbstore.Derivation, wantedOutputs sets.Set[string]) *derivationGoal {
	w.goalsMu.Lock()
	g, exists := w.derivationGoals[drvPath]
	if exists {
		w.goalsMu.Unlock()
		g.addWantedOutputs(wantedOutputs)
		return g
	}
	g = newDerivationGoal(w, drvPath, drv, wantedOutputs)
	w.derivationGoals[drvPath] = g
	w.goalsMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		g.run(w.shutdownCtx)
	}()
	return g
}

// getOrCreateSubstitutionGoal returns the (possibly already running) goal
// that fetches p from a substituter, starting it if this call created it.
func (w *Worker) getOrCreateSubstitutionGoal(p zbstore.Path) *substitutionGoal {
	w.goalsMu.Lock()
	g, exists := w.substitutionGoals[p]
	if exists {
		w.goalsMu.Unlock()
		return g
	}
	g = newSubstitutionGoal(w, p)
	w.substitutionGoals[p] = g
	w.goalsMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		g.run(w.shutdownCtx)
	}()
	return g
}

// acquireBuildSlot blocks until a local build slot is available, bounding
// the number of concurrent derivation builds to the worker's configured
// MaxJobs.
func (w *Worker) acquireBuildSlot(ctx context.Context) (release func(), err error) {
	select {
	case w.buildSlots <- struct{}{}:
		return func() { <-w.buildSlots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// equivalenceClassHash computes drv's equivalence class hash, reading
// whatever portion of its input derivation closure hasn't already been
// read from the store.
func (w *Worker) equivalenceClassHash(drvPath zbstore.Path, drv *zbstore.Derivation) (nix.Hash, error) {
	ctx := context.Background()
	closure, err := w.srv.readDerivationClosure(ctx, []zbstore.Path{drvPath})
	if err != nil {
		return nix.Hash{}, fmt.Errorf("equivalence class hash for %s: %w", drvPath, err)
	}
	closure[drvPath] = drv
	hashes, err := hashDrvs(closure)
	if err != nil {
		return nix.Hash{}, fmt.Errorf("equivalence class hash for %s: %w", drvPath, err)
	}
	h, ok := hashes[drvPath]
	if !ok {
		return nix.Hash{}, fmt.Errorf("equivalence class hash for %s: not computed", drvPath)
	}
	return h, nil
}

// cachedOutputPath returns the output path for ref if some in-flight or
// completed derivation goal in this worker already knows it.
func (w *Worker) cachedOutputPath(ref zbstore.OutputReference) (zbstore.Path, bool) {
	w.goalsMu.Lock()
	g, ok := w.derivationGoals[ref.DrvPath]
	w.goalsMu.Unlock()
	if !ok {
		return "", false
	}
	return g.getOutputPath(ref.OutputName)
}

// realize implements [zbstorerpc.RealizeMethod].
func (w *Worker) realize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.RealizeRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	if len(args.DrvPaths) == 0 {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, errors.New("realize: no derivation paths given"))
	}

	bs := w.newBuild()
	goals := make([]*derivationGoal, 0, len(args.DrvPaths))
	for _, drvPath := range args.DrvPaths {
		drv, err := w.srv.readDerivation(ctx, drvPath)
		if err != nil {
			return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("realize: %w", err))
		}
		g := w.getOrCreateDerivationGoal(drvPath, drv, nil)
		goals = append(goals, g)
	}
	bs.setCancelGoals(cancelDerivationGoals(goals))
	w.runBuild(bs, func() []*zbstorerpc.BuildResult {
		return waitForDerivationGoals(goals)
	})

	return marshalResponse(&zbstorerpc.RealizeResponse{BuildID: bs.id})
}

// expand implements [zbstorerpc.ExpandMethod]: it realizes drv's inputs
// (but not drv itself) and reports the builder invocation that would
// result, for callers that want to run the build themselves (e.g. an
// external build hook).
func (w *Worker) expand(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.ExpandRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	drv, err := w.srv.readDerivation(ctx, args.DrvPath)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("expand: %w", err))
	}

	inputGoals := make([]*derivationGoal, 0, len(drv.InputDerivations))
	byDrv := make(map[zbstore.Path]sets.Set[string])
	for ref := range drv.InputDerivationOutputs() {
		s := byDrv[ref.DrvPath]
		if s == nil {
			s = make(sets.Set[string])
			byDrv[ref.DrvPath] = s
		}
		s.Add(ref.OutputName)
	}
	for inputDrvPath, outs := range byDrv {
		inputDrv, err := w.srv.readDerivation(ctx, inputDrvPath)
		if err != nil {
			return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("expand: %w", err))
		}
		inputGoals = append(inputGoals, w.getOrCreateDerivationGoal(inputDrvPath, inputDrv, outs))
	}

	bs := w.newBuild()
	bs.setCancelGoals(cancelDerivationGoals(inputGoals))
	w.runBuild(bs, func() []*zbstorerpc.BuildResult {
		results := waitForDerivationGoals(inputGoals)
		env := make(map[string]string, len(drv.Env))
		for k, v := range drv.Env {
			env[k] = v
		}
		bs.mu.Lock()
		bs.expand = &zbstorerpc.ExpandResult{
			Builder: drv.Builder,
			Args:    drv.Args,
			Env:     env,
		}
		bs.mu.Unlock()
		return results
	})

	return marshalResponse(&zbstorerpc.ExpandResponse{BuildID: bs.id})
}

// newBuild allocates a new build ID and registers its bookkeeping state.
func (w *Worker) newBuild() *namedBuildState {
	bs := &buildState{
		status:    zbstorerpc.BuildActive,
		startedAt: currentTime(),
		done:      make(chan struct{}),
	}
	id := uuid.NewString()
	w.buildsMu.Lock()
	w.builds[id] = bs
	w.buildsMu.Unlock()
	return &namedBuildState{id: id, buildState: bs}
}

// namedBuildState pairs a [buildState] with the ID it was registered under,
// for convenience in the realize/expand handlers above.
type namedBuildState struct {
	id string
	*buildState
}

// setCancelGoals records the function that cancels every goal this build
// started, for [Worker.cancelBuild] to call later.
func (bs *namedBuildState) setCancelGoals(cancel func()) {
	bs.mu.Lock()
	bs.cancelGoals = cancel
	bs.mu.Unlock()
}

// cancelDerivationGoals returns a function that cancels every goal in
// goals.
func cancelDerivationGoals(goals []*derivationGoal) func() {
	return func() {
		for _, g := range goals {
			g.cancel()
		}
	}
}

// runBuild runs work in its own goroutine, recording its returned results
// into bs once every goal work depends on has finished.
func (w *Worker) runBuild(bs *namedBuildState, work func() []*zbstorerpc.BuildResult) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		results := work()
		status := zbstorerpc.BuildSuccess
		for _, r := range results {
			if r.Status != zbstorerpc.BuildSuccess {
				status = zbstorerpc.BuildFail
				break
			}
		}
		bs.mu.Lock()
		bs.results = results
		bs.status = status
		bs.endedAt = zbstorerpc.NonNull(currentTime())
		close(bs.done)
		bs.mu.Unlock()
	}()
}

// waitForDerivationGoals waits for every goal in goals to finish and
// assembles the corresponding [zbstorerpc.BuildResult] values.
func waitForDerivationGoals(goals []*derivationGoal) []*zbstorerpc.BuildResult {
	results := make([]*zbstorerpc.BuildResult, len(goals))
	var wg sync.WaitGroup
	for i, g := range goals {
		wg.Add(1)
		go func(i int, g *derivationGoal) {
			defer wg.Done()
			status := g.wait()
			results[i] = derivationGoalResult(g, status)
		}(i, g)
	}
	wg.Wait()
	return results
}

func derivationGoalResult(g *derivationGoal, status goalStatus) *zbstorerpc.BuildResult {
	rpcStatus := zbstorerpc.BuildSuccess
	if status != goalSucceeded {
		rpcStatus = zbstorerpc.BuildFail
	}
	outputs := make([]*zbstorerpc.RealizeOutput, 0, len(g.drv.Outputs))
	for name := range g.drv.Outputs {
		out := &zbstorerpc.RealizeOutput{Name: name}
		if p, ok := g.getOutputPath(name); ok {
			out.Path = zbstorerpc.NonNull(p)
		}
		outputs = append(outputs, out)
	}
	return &zbstorerpc.BuildResult{
		DrvPath: g.drvPath,
		Status:  rpcStatus,
		Outputs: outputs,
	}
}

// getBuild implements [zbstorerpc.GetBuildMethod].
func (w *Worker) getBuild(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.GetBuildRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	w.buildsMu.Lock()
	bs, ok := w.builds[args.BuildID]
	w.buildsMu.Unlock()
	if !ok {
		return marshalResponse(&zbstorerpc.Build{ID: args.BuildID, Status: zbstorerpc.BuildUnknown})
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return marshalResponse(&zbstorerpc.Build{
		ID:        args.BuildID,
		Status:    bs.status,
		StartedAt: bs.startedAt,
		EndedAt:   bs.endedAt,
		Results:   bs.results,
		Expand:    bs.expand,
	})
}

// cancelBuild implements [zbstorerpc.CancelBuildMethod].
func (w *Worker) cancelBuild(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.CancelBuildNotification
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	w.buildsMu.Lock()
	bs, ok := w.builds[args.BuildID]
	w.buildsMu.Unlock()
	if ok {
		bs.mu.Lock()
		cancel := bs.cancelGoals
		bs.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	return &jsonrpc.Response{Result: json.RawMessage("null")}, nil
}

// readLog implements [zbstorerpc.ReadLogMethod].
func (w *Worker) readLog(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args zbstorerpc.ReadLogRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	w.goalsMu.Lock()
	g, ok := w.derivationGoals[args.DrvPath]
	w.goalsMu.Unlock()
	if !ok {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("read log: %s: no such build", args.DrvPath))
	}

	data, eof, err := g.buildLog.ReadRange(ctx, args.RangeStart, args.RangeEnd)
	if err != nil {
		return nil, err
	}
	resp := &zbstorerpc.ReadLogResponse{EOF: eof}
	resp.SetPayload(data)
	return marshalResponse(resp)
}

// currentTime returns the present time. It exists only to give the worker
// a single seam for time, matching how the rest of the package avoids
// calling time.Now directly in places that would benefit from being
// replaced in tests.
func currentTime() time.Time {
	return time.Now()
}
