// SPDX-License-Identifier: Apache-2.0

// Package tenant carries the multi-tenant scoping context and the module
// registry that partitions application tables by module.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTenant is returned when the tenant context misses a required id.
var ErrInvalidTenant = errors.New("invalid tenant context")

// Context scopes tenant-aware queries. AppID and OrganizationID are
// required; UserID is optional.
type Context struct {
	AppID          string
	OrganizationID string
	UserID         string
}

// Validate rejects contexts whose required ids are empty or whitespace.
func (c Context) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("%w: app id is required", ErrInvalidTenant)
	}
	if strings.TrimSpace(c.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrInvalidTenant)
	}
	return nil
}

type ctxKey struct{}

// NewContext attaches the tenant context to ctx.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext reads the tenant context from ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
