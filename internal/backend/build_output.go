// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"go.barrowcove.dev/zb/internal/detect"
	"go.barrowcove.dev/zb/internal/storepath"
	"go.barrowcove.dev/zb/internal/system"
	"go.barrowcove.dev/zb/internal/zbstorerpc"
	"go.barrowcove.dev/zb/sets"
	"go.barrowcove.dev/zb/zbstore"
)

// fixedOutputPath returns the store path of drv's single output
// if it is a fixed-output derivation.
func fixedOutputPath(drv *zbstore.Derivation) (zbstore.Path, bool) {
	if len(drv.Outputs) != 1 {
		return "", false
	}
	out := drv.Outputs[zbstore.DefaultDerivationOutputName]
	if !out.IsFixed() {
		return "", false
	}
	return out.Path(drv.Dir, drv.Name, zbstore.DefaultDerivationOutputName)
}

// canBuildLocally reports whether the host can execute drv's builder directly.
func canBuildLocally(drv *zbstore.Derivation) bool {
	host := system.Current()
	want, err := system.Parse(drv.System)
	if err != nil {
		return false
	}
	if host.OS != want.OS || host.ABI != want.ABI {
		return false
	}
	return want.Arch == host.Arch ||
		want.IsIntel32() && host.IsIntel64() ||
		want.IsARM32() && host.IsARM64()
}

type replacer interface {
	Replace(s string) string
}

// expandDerivationPlaceholders returns a copy of drv
// with r.Replace applied to its builder, builder arguments, and environment variables.
// The returned derivation always has InputDerivations set to nil.
func expandDerivationPlaceholders(r replacer, drv *zbstore.Derivation) *zbstore.Derivation {
	drvCopy := &zbstore.Derivation{
		Dir:          drv.Dir,
		Name:         drv.Name,
		InputSources: *drv.InputSources.Clone(),
		Outputs:      maps.Clone(drv.Outputs),
		System:       drv.System,
		Builder:      r.Replace(drv.Builder),
	}
	if len(drv.Args) > 0 {
		drvCopy.Args = make([]string, len(drv.Args))
		for i, arg := range drv.Args {
			drvCopy.Args[i] = r.Replace(arg)
		}
	}
	if len(drv.Env) > 0 {
		drvCopy.Env = make(map[string]string, len(drv.Env))
		for k, v := range drv.Env {
			drvCopy.Env[r.Replace(k)] = r.Replace(v)
		}
	}
	return drvCopy
}

type fileWriter interface {
	fs.File
	io.Writer
}

// ensureFileContent writes data to f if it is empty,
// or verifies that the existing content is equal to data otherwise.
// ensureFileContent always closes f.
func ensureFileContent(f fileWriter, data []byte) (created bool, err error) {
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}

	if gotSize := info.Size(); gotSize != 0 {
		if gotSize != int64(len(data)) {
			return false, fmt.Errorf("existing file content differs")
		}
		got, err := io.ReadAll(f)
		if err != nil {
			return false, fmt.Errorf("read existing content: %v", err)
		}
		if !bytes.Equal(got, data) {
			return false, fmt.Errorf("existing file content differs")
		}
		return false, nil
	}

	_, err = f.Write(data)
	return true, err
}

// tempOutputPaths computes the output paths a build of drvPath will produce,
// substituting a temporary, content-independent placeholder for any
// floating output.
func tempOutputPaths(drvPath zbstore.Path, outputs map[string]*zbstore.DerivationOutput) (map[string]zbstore.Path, *strings.Replacer, error) {
	dir := drvPath.Dir()
	drvName, ok := drvPath.DerivationName()
	if !ok {
		return nil, nil, fmt.Errorf("compute output paths for %s: not a derivation", drvPath)
	}

	paths := make(map[string]zbstore.Path)
	var rewrites []string
	for outName, outType := range outputs {
		placeholder := zbstore.HashPlaceholder(outName)

		if !outType.IsFloating() {
			p, ok := outType.Path(dir, drvName, outName)
			if !ok {
				return nil, nil, fmt.Errorf("compute output path for %s!%s: unhandled output type", drvPath, outName)
			}
			paths[outName] = p
			rewrites = append(rewrites, placeholder, string(p))
			continue
		}

		tp, err := tempPath(drvPath, outName)
		if err != nil {
			return nil, nil, err
		}
		paths[outName] = tp
		rewrites = append(rewrites, placeholder, string(tp))
	}
	return paths, strings.NewReplacer(rewrites...), nil
}

// tempPath generates a [zbstore.Path] that can be used as a temporary build path
// for the given derivation output.
// tempPath is deterministic: given the same drvPath and outputName,
// it will return the same path.
func tempPath(drvPath zbstore.Path, outputName string) (zbstore.Path, error) {
	drvName, ok := drvPath.DerivationName()
	if !ok {
		return "", fmt.Errorf("make build temp path: %s is not a derivation", drvPath)
	}
	h := sha256.New()
	io.WriteString(h, "rewrite:")
	io.WriteString(h, string(drvPath))
	io.WriteString(h, ":name:")
	io.WriteString(h, outputName)
	h2 := nix.NewHash(nix.SHA256, make([]byte, nix.SHA256.Size()))
	name := drvName
	if outputName != zbstore.DefaultDerivationOutputName {
		name += "-" + outputName
	}
	dir := drvPath.Dir()
	digest := storepath.MakeDigest(h, string(dir), h2, name)
	p, err := dir.Object(digest + "-" + name)
	if err != nil {
		return "", fmt.Errorf("make build temp path for %s!%s: %v", drvPath, outputName, err)
	}
	return p, nil
}

// runBuilderUnsandboxed runs drv's builder directly on the host,
// without a chroot or namespace sandbox.
// Builder output is appended to log as it is produced.
func runBuilderUnsandboxed(ctx context.Context, drvPath zbstore.Path, drv *zbstore.Derivation, buildDir string, cores int, buildOutput *buildLog) (outPaths map[string]zbstore.Path, err error) {
	drvName, isDrv := drvPath.DerivationName()
	if !isDrv {
		return nil, fmt.Errorf("build %s: not a derivation", drvPath)
	}

	outPaths, r, err := tempOutputPaths(drvPath, drv.Outputs)
	if err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}
	if log.IsEnabled(log.Debug) {
		log.Debugf(ctx, "Output map for %s: %s", drvPath, formatOutputPaths(outPaths))
	}

	topTempDir, err := os.MkdirTemp(buildDir, "zb-build-"+drvName+"*")
	if err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}
	defer func() {
		if err := os.RemoveAll(topTempDir); err != nil {
			log.Warnf(ctx, "Failed to clean up %s: %v", topTempDir, err)
		}
	}()

	expandedDrv := expandDerivationPlaceholders(r, drv)
	baseEnv := make(map[string]string)
	fillBaseEnv(baseEnv, drv.Dir, topTempDir, cores)
	for k, v := range baseEnv {
		if _, overridden := expandedDrv.Env[k]; !overridden {
			expandedDrv.Env[k] = v
		}
	}

	c := exec.CommandContext(ctx, expandedDrv.Builder, expandedDrv.Args...)
	setCancelFunc(c)
	for k, v := range sortedMap(expandedDrv.Env) {
		c.Env = append(c.Env, k+"="+v)
	}
	c.Dir = topTempDir

	c.Stdout = buildOutput
	c.Stderr = buildOutput

	log.Debugf(ctx, "Starting builder for %s...", drvPath)
	if err := c.Run(); err != nil {
		log.Debugf(ctx, "Builder for %s has failed: %v", drvPath, err)
		return nil, fmt.Errorf("build %s: %w", drvPath, err)
	}

	log.Debugf(ctx, "Builder for %s has finished successfully", drvPath)
	return outPaths, nil
}

// postProcessBuiltOutput computes the metadata for a realized output.
// If postProcessBuiltOutput does not return an error,
// it guarantees that the store object at the returned info's path exists
// and has the hash and content address in the returned info.
func postProcessBuiltOutput(ctx context.Context, realStoreDir string, buildPath zbstore.Path, outputType *zbstore.DerivationOutput, inputs *sets.Sorted[zbstore.Path]) (*ObjectInfo, error) {
	if ca, ok := outputType.FixedCA(); ok {
		log.Debugf(ctx, "Verifying fixed output %s...", buildPath)
		narHash, narSize, err := postProcessFixedOutput(realStoreDir, buildPath, ca)
		if err != nil {
			return nil, err
		}
		return &ObjectInfo{
			StorePath: buildPath,
			NARHash:   narHash,
			NARSize:   narSize,
			CA:        ca,
		}, nil
	}

	// outputType has presumably been validated with [validateOutputs].
	return postProcessFloatingOutput(ctx, realStoreDir, buildPath, inputs)
}

// postProcessFixedOutput computes the NAR hash of the given store path
// and verifies that it matches the content address.
func postProcessFixedOutput(realStoreDir string, outputPath zbstore.Path, ca zbstore.ContentAddress) (narHash nix.Hash, narSize int64, err error) {
	realOutputPath := filepath.Join(realStoreDir, outputPath.Base())
	wc := new(writeCounter)
	h := nix.NewHasher(nix.SHA256)
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := nar.DumpPath(io.MultiWriter(wc, h, pw), realOutputPath); err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()
	defer func() {
		pr.Close()
		<-done
	}()

	if _, err := verifyContentAddress(outputPath, pr, nil, ca); err != nil {
		return nix.Hash{}, 0, err
	}
	return h.SumHash(), int64(*wc), nil
}

var errFloatingOutputExists = errors.New("floating output resolved to existing store object")

// postProcessFloatingOutput scans a build artifact whose content address was
// not known ahead of time, computes its final store path, and moves it
// there, rewriting any self-references encountered along the way.
func postProcessFloatingOutput(ctx context.Context, realStoreDir string, buildPath zbstore.Path, inputs *sets.Sorted[zbstore.Path]) (*ObjectInfo, error) {
	log.Debugf(ctx, "Processing floating output %s...", buildPath)
	realBuildPath := filepath.Join(realStoreDir, buildPath.Base())
	scan, err := scanFloatingOutput(realBuildPath, buildPath.Digest(), inputs)
	if err != nil {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	}

	finalPath, err := zbstore.FixedCAOutputPath(buildPath.Dir(), buildPath.Name(), scan.ca, scan.refs)
	if err != nil {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	}
	log.Debugf(ctx, "Determined %s hashes to %s", buildPath, finalPath)

	realFinalPath := filepath.Join(realStoreDir, finalPath.Base())
	if _, err := os.Lstat(realFinalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	} else if err == nil {
		err = fmt.Errorf("post-process %s (resolved to %s): %w", buildPath, finalPath, errFloatingOutputExists)
		return &ObjectInfo{StorePath: finalPath}, err
	}

	var narHash nix.Hash
	if scan.refs.Self {
		var err error
		narHash, err = finalizeFloatingOutput(finalPath.Dir(), realBuildPath, realFinalPath)
		if err != nil {
			return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
		}
	} else {
		if err := os.Rename(realBuildPath, realFinalPath); err != nil {
			return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
		}
		narHash = scan.narHash
	}

	return &ObjectInfo{
		StorePath:  finalPath,
		NARHash:    narHash,
		NARSize:    scan.narSize,
		References: referencesToSorted(finalPath, scan.refs),
		CA:         scan.ca,
	}, nil
}

// referencesToSorted flattens refs into a flat set of referenced store paths,
// including selfPath if refs indicates a self-reference.
func referencesToSorted(selfPath zbstore.Path, refs zbstore.References) sets.Sorted[zbstore.Path] {
	var result sets.Sorted[zbstore.Path]
	result.Grow(refs.Others.Len() + 1)
	if refs.Self {
		result.Add(selfPath)
	}
	for _, p := range refs.Others.All() {
		result.Add(p)
	}
	return result
}

type outputScanResults struct {
	ca      zbstore.ContentAddress
	narHash nix.Hash // only filled in if refs.Self is false
	narSize int64
	refs    zbstore.References
}

// scanFloatingOutput gathers information about a newly built filesystem object.
// digest is the candidate self-reference digest for path;
// inputs are other store objects the derivation depends on,
// which form the superset of all non-self-references that the scan can detect.
func scanFloatingOutput(path string, digest string, inputs *sets.Sorted[zbstore.Path]) (*outputScanResults, error) {
	searchDigests := make([]string, 0, inputs.Len()+1)
	searchDigests = append(searchDigests, digest)
	for input := range inputs.Values() {
		searchDigests = append(searchDigests, input.Digest())
	}

	wc := new(writeCounter)
	h := nix.NewHasher(nix.SHA256)
	refFinder := detect.NewRefFinder(searchDigests)
	// The references must be known before the content address can be computed,
	// so the first pass over the NAR only counts, hashes, and scans it.
	if err := nar.DumpPath(io.MultiWriter(wc, h, refFinder), path); err != nil {
		return nil, err
	}
	digestsFound := refFinder.Found()
	selfReference := digestsFound.Has(digest)

	var selfDigest string
	if selfReference {
		selfDigest = digest
	}
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(nar.DumpPath(pw, path))
	}()
	defer func() {
		pr.Close()
		<-done
	}()
	ca, err := zbstore.SourceSHA256ContentAddress(selfDigest, pr)
	if err != nil {
		return nil, err
	}

	refs := zbstore.References{Self: selfReference}
	for i := 0; i < digestsFound.Len(); i++ {
		foundDigest := digestsFound.At(i)
		if foundDigest == digest {
			continue
		}
		// Since all store paths share the same prefix followed by digest,
		// we can binary search the sorted set of inputs by digest.
		j, ok := sort.Find(inputs.Len(), func(j int) int {
			return strings.Compare(foundDigest, inputs.At(j).Digest())
		})
		if !ok {
			return nil, fmt.Errorf("scan internal error: could not find digest %q in inputs", foundDigest)
		}
		refs.Others.Add(inputs.At(j))
	}

	result := &outputScanResults{
		ca:      ca,
		narSize: int64(*wc),
		refs:    refs,
	}
	if !refs.Self {
		result.narHash = h.SumHash()
	}
	return result, nil
}

// finalizeFloatingOutput moves a store object on the local filesystem to its final location,
// rewriting any self references as needed.
func finalizeFloatingOutput(dir zbstore.Directory, buildPath, finalPath string) (narHash nix.Hash, err error) {
	fakeBuildPath, err := dir.Object(filepath.Base(buildPath))
	if err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	fakeFinalPath, err := dir.Object(filepath.Base(finalPath))
	if err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	if fakeBuildPath.Name() != fakeFinalPath.Name() {
		return nix.Hash{}, fmt.Errorf("move %s to %s: object names do not match", buildPath, finalPath)
	}
	h := nix.NewHasher(nix.SHA256)
	if filepath.Clean(buildPath) == filepath.Clean(finalPath) {
		if err := nar.DumpPath(h, buildPath); err != nil {
			return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
		}
		return h.SumHash(), nil
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := nar.DumpPath(pw, buildPath); err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()
	defer func() {
		pr.Close()
		<-done
	}()
	hmr := detect.NewHashModuloReader(fakeBuildPath.Digest(), fakeFinalPath.Digest(), pr)
	tempDestination := finalPath + ".tmp"
	if err := extractNAR(tempDestination, io.TeeReader(hmr, h)); err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	if err := os.RemoveAll(buildPath); err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	if err := os.Rename(tempDestination, finalPath); err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	return h.SumHash(), nil
}

// buildLog is an append-only, growable byte buffer recording a single
// derivation's builder output. It backs [zbstorerpc.ReadLogMethod], whose
// range reads may block until more bytes have been written or the log is
// closed.
type buildLog struct {
	mu     sync.Mutex
	cond   sync.Cond
	buf    []byte
	closed bool
}

func newBuildLog() *buildLog {
	log := new(buildLog)
	log.cond.L = &log.mu
	return log
}

// Write appends p to the log. It never blocks on readers.
func (log *buildLog) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	log.mu.Lock()
	log.buf = append(log.buf, p...)
	log.cond.Broadcast()
	log.mu.Unlock()
	return len(p), nil
}

// Close marks the log as finished. Subsequent calls to [buildLog.ReadRange]
// will report EOF once the requested range has been satisfied.
func (log *buildLog) Close() {
	log.mu.Lock()
	log.closed = true
	log.cond.Broadcast()
	log.mu.Unlock()
}

// ReadRange returns the bytes of the log in [start, end),
// blocking until at least one byte past start is available or the log is closed.
// A nil end means the caller accepts any number of bytes past start.
func (log *buildLog) ReadRange(ctx context.Context, start int64, end zbstorerpc.Nullable[int64]) (data []byte, eof bool, err error) {
	if start < 0 {
		return nil, false, fmt.Errorf("read build log: negative range start")
	}
	if end.Valid && end.X <= start {
		return nil, false, fmt.Errorf("read build log: range end must be greater than range start")
	}

	stop := context.AfterFunc(ctx, func() {
		log.mu.Lock()
		log.cond.Broadcast()
		log.mu.Unlock()
	})
	defer stop()

	log.mu.Lock()
	defer log.mu.Unlock()
	for int64(len(log.buf)) <= start && !log.closed {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		log.cond.Wait()
	}
	if start > int64(len(log.buf)) {
		return nil, false, fmt.Errorf("read build log: range start past end of log")
	}

	hi := int64(len(log.buf))
	if end.Valid && end.X < hi {
		hi = end.X
	}
	data = append([]byte(nil), log.buf[start:hi]...)
	eof = log.closed && hi == int64(len(log.buf))
	return data, eof, nil
}

func formatOutputPaths(m map[string]zbstore.Path) string {
	sb := new(strings.Builder)
	for i, outputName := range sortedKeys(m) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(outputName)
		sb.WriteString(" -> ")
		sb.WriteString(string(m[outputName]))
	}
	return sb.String()
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedMap[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, k := range sortedKeys(m) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

type writeCounter int64

func (wc *writeCounter) Write(p []byte) (n int, err error) {
	*wc += writeCounter(len(p))
	return len(p), nil
}

func (wc *writeCounter) WriteString(s string) (n int, err error) {
	*wc += writeCounter(len(s))
	return len(s), nil
}
