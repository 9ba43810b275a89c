// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"go.barrowcove.dev/zb/internal/xmaps"
	"go.barrowcove.dev/zb/zbstore"
)

func fillBaseEnv(m map[string]string, storeDir zbstore.Directory, workDir string, cores int) {
	xmaps.SetDefault(m, "PATH", `C:\path-not-set`)
	xmaps.SetDefault(m, "HOME", `C:\home-not-set`)
	xmaps.SetDefault(m, "ZB_STORE", string(storeDir))
	xmaps.SetDefault(m, "ZB_BUILD_TOP", workDir)
	xmaps.SetDefault(m, "ZB_BUILD_CORES", strconv.Itoa(cores))
	// TODO(someday): More.
}

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}

func runSandboxed(ctx context.Context, invocation *builderInvocation) error {
	return fmt.Errorf("TODO(someday): Windows sandboxing is not implemented")
}

// hasSandboxSupport reports whether runSandboxed can actually build on this
// platform. Windows sandboxing is not implemented yet, so builds always
// fall back to runBuilderUnsandboxed.
func hasSandboxSupport() bool {
	return false
}
