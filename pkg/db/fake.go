// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"

	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// FakeDB is a fake implementation of `DB`. All methods on `FakeDB` are
// implemented as no-ops; WithTransaction invokes fn with the fake itself.
type FakeDB struct {
	FakeDialect dialect.Dialect
}

var _ DB = (*FakeDB)(nil)

func (f *FakeDB) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	return &Result{}, nil
}

func (f *FakeDB) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	return ExecResult{}, nil
}

func (f *FakeDB) WithTransaction(ctx context.Context, fn func(context.Context, Querier) error) error {
	return fn(ctx, f)
}

func (f *FakeDB) Dialect() dialect.Dialect {
	if f.FakeDialect == "" {
		return dialect.Postgres
	}
	return f.FakeDialect
}

func (f *FakeDB) Close() error {
	return nil
}
