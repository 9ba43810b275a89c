// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"zombiezen.com/go/log"
	"go.barrowcove.dev/zb/zbstore"
)

// BuildHookClient offloads derivation builds to an external program before
// falling back to a local build. The hook is consulted once per candidate
// build: the parent offers the drv over the hook's stdin, and the hook
// responds with an accept, decline, or postpone control line. A hook
// process handles exactly one offer, since offers for unrelated
// derivations may be made concurrently by different goals; this is
// simpler than multiplexing many concurrent offers over a single
// long-lived process's stdin/stdout, at the cost of a process spawn per
// candidate build.
type BuildHookClient struct {
	command string
	args    []string

	worker *Worker
}

// NewBuildHookClient returns a client that runs command (with the given
// arguments) as a build hook.
func NewBuildHookClient(command string, args ...string) *BuildHookClient {
	return &BuildHookClient{command: command, args: args}
}

// attach records the worker that owns c, so that tryBuild can resolve the
// input closure of a derivation it's offering.
func (c *BuildHookClient) attach(w *Worker) {
	c.worker = w
}

// tryBuild offers drvPath to the hook. If the hook replies "# decline" or
// "# postpone", or ends its reply without a control line, tryBuild reports
// accepted as false with a nil error. Once the hook has replied "# accept",
// accepted is true whatever happens next: a zero exit returns the output
// paths that can be computed from drv, exit code 100 returns a
// remote-build-failed error, and any other exit returns a malfunction
// error. tryBuild does not check that the outputs were produced.
func (c *BuildHookClient) tryBuild(ctx context.Context, drvPath zbstore.Path, drv *zbstore.Derivation, buildLog *buildLog) (accepted bool, outputs map[string]zbstore.Path, err error) {
	cmd := exec.CommandContext(ctx, c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, nil, fmt.Errorf("build hook: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, nil, fmt.Errorf("build hook: %w", err)
	}
	cmd.Stderr = buildLog

	// Entry i of ExtraFiles becomes fd 3+i in the child (0, 1, and 2 are
	// already stdin/stdout/stderr). fd 3 is left closed so that builder
	// output is multiplexed back on fd 4.
	fd4Reader, fd4Writer, err := os.Pipe()
	if err != nil {
		return false, nil, fmt.Errorf("build hook: %w", err)
	}
	cmd.ExtraFiles = []*os.File{nil, fd4Writer}

	if err := cmd.Start(); err != nil {
		fd4Reader.Close()
		fd4Writer.Close()
		return false, nil, fmt.Errorf("build hook: start: %w", err)
	}
	fd4Writer.Close()

	var copyWG sync.WaitGroup
	copyWG.Add(1)
	go func() {
		defer copyWG.Done()
		io.Copy(buildLog, fd4Reader)
		fd4Reader.Close()
	}()

	canRun := 1
	offer := fmt.Sprintf("%d %s %s %s\n", canRun, drv.System, drvPath, "")
	if _, err := io.WriteString(stdin, offer); err != nil {
		stdin.Close()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: write offer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	disposition := ""
	for scanner.Scan() {
		line := scanner.Text()
		if control, ok := strings.CutPrefix(line, "# "); ok {
			disposition = control
			break
		}
		log.Infof(ctx, "Build hook: %s", line)
	}
	if err := scanner.Err(); err != nil {
		stdin.Close()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: read response: %w", err)
	}

	switch disposition {
	case "decline", "postpone", "":
		stdin.Close()
		io.Copy(io.Discard, stdout)
		cmd.Wait()
		copyWG.Wait()
		return false, nil, nil
	case "accept":
		// Fall through.
	default:
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: unrecognized response %q", disposition)
	}

	inputs, err := c.worker.inputClosure(ctx, drv)
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: %w", err)
	}
	inputLine := make([]string, 0, len(inputs))
	for _, p := range inputs {
		inputLine = append(inputLine, string(p))
	}
	outputNames := make([]string, 0, len(drv.Outputs))
	outputPlaceholders := make(map[string]zbstore.Path, len(drv.Outputs))
	for name, out := range drv.Outputs {
		outputNames = append(outputNames, name)
		if p, ok := out.Path(drv.Dir, drv.Name, name); ok {
			outputPlaceholders[name] = p
		}
	}
	if _, err := fmt.Fprintln(stdin, strings.Join(inputLine, " ")); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: write input closure: %w", err)
	}
	if _, err := fmt.Fprintln(stdin, strings.Join(outputNames, " ")); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		copyWG.Wait()
		return false, nil, fmt.Errorf("build hook: write outputs: %w", err)
	}
	stdin.Close()

	for scanner.Scan() {
		log.Infof(ctx, "Build hook: %s", scanner.Text())
	}
	copyWG.Wait()

	waitErr := cmd.Wait()
	if waitErr == nil {
		return true, outputPlaceholders, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == 100 {
		return true, nil, fmt.Errorf("build hook: remote build of %s failed", drvPath)
	}
	return true, nil, fmt.Errorf("build hook: malfunction: %w", waitErr)
}

// inputClosure computes the full transitive closure of store paths that
// drv's builder needs visible: its fixed input sources plus the already
// resolved outputs of every input derivation.
func (w *Worker) inputClosure(ctx context.Context, drv *zbstore.Derivation) ([]zbstore.Path, error) {
	roots := make([]zbstore.Path, 0, drv.InputSources.Len())
	for p := range drv.InputSources.Values() {
		roots = append(roots, p)
	}
	for ref := range drv.InputDerivationOutputs() {
		if p, ok := w.cachedOutputPath(ref); ok {
			roots = append(roots, p)
		}
	}

	conn, err := w.srv.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer w.srv.db.Put(conn)

	seen := make(map[zbstore.Path]struct{})
	var closure []zbstore.Path
	for _, root := range roots {
		err := closurePaths(conn, pathAndEquivalenceClass{path: root}, func(pe pathAndEquivalenceClass) bool {
			if _, ok := seen[pe.path]; !ok {
				seen[pe.path] = struct{}{}
				closure = append(closure, pe.path)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return closure, nil
}
