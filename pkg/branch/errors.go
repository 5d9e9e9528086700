// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"errors"
	"fmt"
)

var (
	// ErrBranchNotFound is returned when no non-deleted branch matches the
	// requested slug.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrSlugInvalid is returned for slugs that are malformed or reserved.
	ErrSlugInvalid = errors.New("invalid branch slug")

	// ErrBranchProtected is returned when deleting a protected branch
	// without hard=true.
	ErrBranchProtected = errors.New("branch is protected")

	// ErrCleanupAlreadyRunning is returned when a cleanup run overlaps an
	// in-progress one.
	ErrCleanupAlreadyRunning = errors.New("cleanup is already running")
)

// QuotaError reports a branch quota violation. No schema or metadata is
// created when it is returned.
type QuotaError struct {
	Scope   string // "global" or "user"
	Limit   int
	Current int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("branch quota exceeded: %s limit %d reached (current %d)", e.Scope, e.Limit, e.Current)
}
