// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"zombiezen.com/go/log"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// derivationGoal drives the realization of a single derivation through to
// completion. It corresponds to the DerivationGoal state machine: the goal
// first tries to substitute as many outputs as it can, then realizes every
// input derivation it still needs, then (if anything is still missing)
// builds the derivation locally or via the configured build hook, and
// finally records what it built.
//
// A derivationGoal may be re-entered (its outputs re-widened) if a caller
// asks for an output that wasn't originally requested; this is modeled by
// addWantedOutputs, which is the Go analogue of Nix's need_restart flag.
type derivationGoal struct {
	goalBase

	drvPath zbstore.Path
	drv     *zbstore.Derivation

	mu             sync.Mutex
	wantedOutputs  sets.Set[string]
	restartPending bool

	buildLog *buildLog

	outputPaths map[string]zbstore.Path
	buildErr    error
}

func (g *derivationGoal) base() *goalBase { return &g.goalBase }

// newDerivationGoal returns a goal that realizes drvPath, building at least
// the given set of wanted outputs (all outputs, if wantedOutputs is empty).
func newDerivationGoal(w *Worker, drvPath zbstore.Path, drv *zbstore.Derivation, wantedOutputs sets.Set[string]) *derivationGoal {
	g := &derivationGoal{
		goalBase:      newGoalBase(w, goalKey{kind: derivationGoalKind, path: string(drvPath)}),
		drvPath:       drvPath,
		drv:           drv,
		wantedOutputs: wantedOutputs.Clone(),
		buildLog:      newBuildLog(),
		outputPaths:   make(map[string]zbstore.Path),
	}
	g.setSelf(g)
	return g
}

// addWantedOutputs widens the set of outputs that the goal must realize.
// If the goal has already finished, the caller must start a new goal; this
// only affects a goal that is still in flight, matching Nix's approach of
// restarting the build step (rather than the whole goal) when new wanted
// outputs arrive mid-build.
func (g *derivationGoal) addWantedOutputs(outputs sets.Set[string]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range outputs.All() {
		if !g.wantedOutputs.Has(name) {
			g.wantedOutputs.Add(name)
			g.restartPending = true
		}
	}
}

func (g *derivationGoal) wantedOutputSet() sets.Set[string] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wantedOutputs.Len() == 0 {
		all := make(sets.Set[string])
		for name := range g.drv.Outputs {
			all.Add(name)
		}
		return all
	}
	return g.wantedOutputs.Clone()
}

// setOutputPath records that name resolved to p. It may be called from
// goroutines other than the one running g's state machine (e.g. another
// goal reading g.outputPaths via [Worker.cachedOutputPath] while g is
// still in flight), so every access to outputPaths goes through this and
// the two accessors below.
func (g *derivationGoal) setOutputPath(name string, p zbstore.Path) {
	g.mu.Lock()
	g.outputPaths[name] = p
	g.mu.Unlock()
}

func (g *derivationGoal) getOutputPath(name string) (zbstore.Path, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.outputPaths[name]
	return p, ok
}

func (g *derivationGoal) outputPathsSnapshot() map[string]zbstore.Path {
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := make(map[string]zbstore.Path, len(g.outputPaths))
	for name, p := range g.outputPaths {
		snapshot[name] = p
	}
	return snapshot
}

func (g *derivationGoal) cancel() {
	g.mu.Lock()
	cancelFunc := g.cancelFunc
	g.mu.Unlock()
	if cancelFunc != nil {
		cancelFunc()
	}
}

// run executes the derivation goal's state machine to completion.
// It is always invoked on its own goroutine by the [Worker].
func (g *derivationGoal) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancelFunc = cancel
	g.mu.Unlock()
	defer cancel()

	for {
		status := g.runOnce(ctx)
		g.mu.Lock()
		restart := g.restartPending
		g.restartPending = false
		g.mu.Unlock()
		if !restart || status == goalFailed {
			g.buildLog.Close()
			g.amDone(ctx, status)
			return
		}
		// A new output was requested while we were building: loop back
		// around to pick up the widened wantedOutputs set.
	}
}

// runOnce performs one pass of outputs_substituted -> inputs_realised ->
// try_to_build -> build_done.
func (g *derivationGoal) runOnce(ctx context.Context) goalStatus {
	wanted := g.wantedOutputSet()

	if g.trySubstituteOutputs(ctx, wanted) {
		return goalSucceeded
	}
	if err := ctx.Err(); err != nil {
		return goalFailed
	}

	if status := g.realiseInputs(ctx); status != goalSucceeded {
		return status
	}

	if err := g.tryToBuild(ctx, wanted); err != nil {
		g.buildErr = err
		log.Errorf(ctx, "Build of %s failed: %v", g.drvPath, err)
		return goalFailed
	}
	return goalSucceeded
}

// trySubstituteOutputs checks the database for existing realizations of
// this derivation's equivalence class and, failing that, asks the worker's
// configured substituters for each wanted output. It reports true if every
// wanted output ended up present in the store.
func (g *derivationGoal) trySubstituteOutputs(ctx context.Context, wanted sets.Set[string]) bool {
	drvHash, err := g.worker.equivalenceClassHash(g.drvPath, g.drv)
	if err != nil {
		return false
	}

	conn, err := g.worker.srv.db.Get(ctx)
	if err != nil {
		return false
	}
	allPresent := true
	for name := range wanted.All() {
		eqClass := newEquivalenceClass(drvHash, name)
		present, _, err := findPossibleRealizations(ctx, conn, eqClass)
		if err != nil || present.Len() == 0 {
			allPresent = false
			continue
		}
		g.setOutputPath(name, present.At(0))
	}
	g.worker.srv.db.Put(conn)
	if allPresent {
		return true
	}

	if len(g.worker.substituters) == 0 {
		return false
	}
	var wg sync.WaitGroup
	for name, out := range g.drv.Outputs {
		if !wanted.Has(name) {
			continue
		}
		if _, ok := g.getOutputPath(name); ok {
			continue
		}
		p, ok := out.Path(g.drv.Dir, g.drv.Name, name)
		if !ok {
			// Floating outputs can't be substituted by path alone without
			// already knowing their hash, so there's nothing to look up.
			allPresent = false
			continue
		}
		wg.Add(1)
		go func(name string, p zbstore.Path) {
			defer wg.Done()
			sub := g.worker.getOrCreateSubstitutionGoal(p)
			g.addWaitee(sub)
			status := sub.wait()
			g.waiteeDone(sub, status)
			if status == goalSucceeded {
				g.setOutputPath(name, p)
			}
		}(name, p)
	}
	wg.Wait()

	for name := range wanted.All() {
		if _, ok := g.getOutputPath(name); !ok {
			return false
		}
	}
	return true
}

// realiseInputs recursively realizes every input derivation this
// derivation needs, running each one as its own goal concurrently.
func (g *derivationGoal) realiseInputs(ctx context.Context) goalStatus {
	refs := make([]zbstore.OutputReference, 0)
	for ref := range g.drv.InputDerivationOutputs() {
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return goalSucceeded
	}

	byDrv := make(map[zbstore.Path]sets.Set[string])
	for _, ref := range refs {
		s := byDrv[ref.DrvPath]
		if s == nil {
			s = make(sets.Set[string])
			byDrv[ref.DrvPath] = s
		}
		s.Add(ref.OutputName)
	}

	var wg sync.WaitGroup
	statuses := make(chan goalStatus, len(byDrv))
	for inputDrvPath, outputNames := range byDrv {
		inputDrv, err := g.worker.srv.readDerivation(ctx, inputDrvPath)
		if err != nil {
			statuses <- goalFailed
			continue
		}
		wg.Add(1)
		go func(p zbstore.Path, drv *zbstore.Derivation, outs sets.Set[string]) {
			defer wg.Done()
			dep := g.worker.getOrCreateDerivationGoal(p, drv, outs)
			g.addWaitee(dep)
			status := dep.wait()
			g.waiteeDone(dep, status)
			statuses <- status
		}(inputDrvPath, inputDrv, outputNames)
	}
	wg.Wait()
	close(statuses)

	for status := range statuses {
		if status == goalFailed {
			return goalFailed
		}
	}
	return goalSucceeded
}

// tryToBuild assembles a [builderInvocation] for the outputs still missing
// and dispatches it to the build hook (if one accepts it) or runs it
// locally, sandboxed when the host platform supports it.
func (g *derivationGoal) tryToBuild(ctx context.Context, wanted sets.Set[string]) error {
	missing := make(map[string]*zbstore.DerivationOutput)
	for name, out := range g.drv.Outputs {
		if _, have := g.getOutputPath(name); have {
			continue
		}
		missing[name] = out
	}
	if len(missing) == 0 {
		return nil
	}

	release, err := g.worker.acquireBuildSlot(ctx)
	if err != nil {
		return fmt.Errorf("acquire build slot: %w", err)
	}
	defer release()

	user, err := g.worker.users.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire build user: %w", err)
	}
	defer g.worker.users.release(user)

	if g.worker.buildHook != nil {
		accepted, outputs, err := g.worker.buildHook.tryBuild(ctx, g.drvPath, g.drv, g.buildLog)
		if err != nil {
			return fmt.Errorf("build hook: %w", err)
		}
		if accepted {
			for name, p := range outputs {
				g.setOutputPath(name, p)
			}
			return g.finalizeOutputs(ctx, missing)
		}
	}

	cores := 1
	if n := runtime.NumCPU(); n > cores {
		cores = n
	}

	var built map[string]zbstore.Path
	if canBuildLocally(g.drv) && hasSandboxSupport() {
		inv, err := g.assembleBuilderInvocation(ctx, cores, user)
		if err != nil {
			return err
		}
		if err := runSandboxed(ctx, inv); err != nil {
			return fmt.Errorf("sandboxed build: %w", err)
		}
		built = inv.outputPaths
	} else if canBuildLocally(g.drv) {
		built, err = runBuilderUnsandboxed(ctx, g.drvPath, g.drv, g.worker.srv.buildDir, cores, g.buildLog)
		if err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%s requires system %q, which this worker cannot build locally and no build hook accepted it", g.drvPath, g.drv.System)
	}
	for name, p := range built {
		if _, want := missing[name]; want {
			g.setOutputPath(name, p)
		}
	}

	return g.finalizeOutputs(ctx, missing)
}

// finalizeOutputs post-processes every freshly built output (computing its
// final content address and moving it into place), registers it with the
// store database, and records the realization so future builds of the same
// equivalence class can be substituted instead of rebuilt.
func (g *derivationGoal) finalizeOutputs(ctx context.Context, missing map[string]*zbstore.DerivationOutput) error {
	drvHash, err := g.worker.equivalenceClassHash(g.drvPath, g.drv)
	if err != nil {
		return err
	}

	closure, err := g.worker.inputClosure(ctx, g.drv)
	if err != nil {
		return err
	}
	inputs := sets.NewSorted(closure...)
	for _, p := range g.outputPathsSnapshot() {
		inputs.Add(p)
	}

	realized := make(map[string]realizationOutput, len(missing))
	for name, outType := range missing {
		buildPath, ok := g.getOutputPath(name)
		if !ok {
			return fmt.Errorf("builder for %s did not produce output %q", g.drvPath, name)
		}
		info, err := postProcessBuiltOutput(ctx, g.worker.srv.realDir, buildPath, outType, inputs)
		if err != nil {
			return fmt.Errorf("post-process output %q: %w", name, err)
		}
		g.setOutputPath(name, info.StorePath)

		conn, err := g.worker.srv.db.Get(ctx)
		if err != nil {
			return err
		}
		insertErr := insertObject(ctx, conn, info)
		g.worker.srv.db.Put(conn)
		if insertErr != nil && !errors.Is(insertErr, errObjectExists) {
			return fmt.Errorf("register output %q: %w", name, insertErr)
		}

		refs := make(map[zbstore.Path]sets.Set[equivalenceClass])
		for ref := range info.References.Values() {
			refs[ref] = make(sets.Set[equivalenceClass])
		}
		realized[name] = realizationOutput{path: info.StorePath, references: refs}
	}

	conn, err := g.worker.srv.db.Get(ctx)
	if err != nil {
		return err
	}
	defer g.worker.srv.db.Put(conn)
	if err := recordRealizations(ctx, conn, drvHash, realized); err != nil {
		return fmt.Errorf("record realizations for %s: %w", g.drvPath, err)
	}
	return nil
}

// assembleBuilderInvocation gathers everything runSandboxed needs to run
// drv's builder in an isolated namespace: the temporary output paths, the
// sandbox bind-mount map, and the closure/lookup callbacks the sandbox
// setup uses to decide what store paths must be made visible.
func (g *derivationGoal) assembleBuilderInvocation(ctx context.Context, cores int, user *BuildUser) (*builderInvocation, error) {
	outputPaths, _, err := tempOutputPaths(g.drvPath, g.drv.Outputs)
	if err != nil {
		return nil, err
	}

	closure := func(start zbstore.Path, yield func(zbstore.Path) bool) error {
		conn, err := g.worker.srv.db.Get(ctx)
		if err != nil {
			return err
		}
		defer g.worker.srv.db.Put(conn)
		return closurePaths(conn, pathAndEquivalenceClass{path: start}, func(pe pathAndEquivalenceClass) bool {
			return yield(pe.path)
		})
	}

	lookup := func(ref zbstore.OutputReference) (zbstore.Path, bool) {
		if ref.DrvPath == g.drvPath {
			p, ok := outputPaths[ref.OutputName]
			return p, ok
		}
		p, ok := g.worker.cachedOutputPath(ref)
		return p, ok
	}

	return &builderInvocation{
		derivation:     g.drv,
		derivationPath: g.drvPath,
		realStoreDir:   g.worker.srv.realDir,
		buildDir:       g.worker.srv.buildDir,
		cores:          cores,
		logWriter:      g.buildLog,
		outputPaths:    outputPaths,
		sandboxPaths:   make(map[string]string),
		user:           user,
		closure:        closure,
		lookup:         lookup,
	}, nil
}

// builderInvocation carries the parameters a platform-specific builder
// launcher (runSandboxed on Linux and Darwin) needs to start a build.
// It is assembled once per build attempt by [derivationGoal.tryToBuild].
type builderInvocation struct {
	derivation     *zbstore.Derivation
	derivationPath zbstore.Path
	realStoreDir   string
	buildDir       string
	cores          int
	logWriter      io.Writer
	outputPaths    map[string]zbstore.Path
	sandboxPaths   map[string]string
	user           *BuildUser
	closure        func(start zbstore.Path, yield func(zbstore.Path) bool) error
	lookup         func(zbstore.OutputReference) (zbstore.Path, bool)
}

