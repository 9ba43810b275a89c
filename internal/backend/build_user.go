// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package backend

// BuildUser identifies an unprivileged system account
// that a derivation's builder may be run as,
// so that concurrent builds cannot interfere with each other's files.
type BuildUser struct {
	// UID is the user ID to run the builder as.
	UID int
	// GID is the primary group ID to run the builder as.
	GID int
	// SupplementaryGIDs are any additional group IDs to attach to the builder process.
	SupplementaryGIDs []int
}
