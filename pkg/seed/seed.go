// SPDX-License-Identifier: Apache-2.0

// Package seed executes data seeders in topological dependency order with
// versioned idempotency tracking.
package seed

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"github.com/launchpadhq/lpdb/pkg/db"
)

// Seeder populates one slice of reference or demo data. Run returns the
// number of records written.
type Seeder interface {
	Name() string
	Order() int
	Version() int
	Dependencies() []string
	Run(ctx context.Context, q db.Querier) (int, error)
}

// Rollbacker is implemented by seeders that can undo their data.
type Rollbacker interface {
	Rollback(ctx context.Context, q db.Querier) error
}

// TableNamer is implemented by seeders whose data lives in a single table;
// fresh mode truncates these before re-seeding.
type TableNamer interface {
	Table() string
}

// fileRe matches <order>_<name>.sql seed filenames.
var fileRe = regexp.MustCompile(`^(\d+)_([A-Za-z0-9][A-Za-z0-9_-]*)\.sql$`)

// sqlSeeder adapts a SQL file to the Seeder interface: version 1, no
// dependencies, ordered by the filename prefix.
type sqlSeeder struct {
	name  string
	order int
	sql   string
}

var _ Seeder = (*sqlSeeder)(nil)

func (s *sqlSeeder) Name() string           { return s.name }
func (s *sqlSeeder) Order() int             { return s.order }
func (s *sqlSeeder) Version() int           { return 1 }
func (s *sqlSeeder) Dependencies() []string { return nil }

func (s *sqlSeeder) Run(ctx context.Context, q db.Querier) (int, error) {
	res, err := q.Exec(ctx, s.sql)
	if err != nil {
		return 0, err
	}
	return int(res.RowCount), nil
}

// LoadDir reads SQL seed files from fsys. Files not matching the naming
// pattern are ignored.
func LoadDir(fsys fs.FS) ([]Seeder, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading seeds directory: %w", err)
	}

	var seeders []Seeder
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		order, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid seed order in %q", e.Name())
		}
		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading seed %q: %w", e.Name(), err)
		}

		seeders = append(seeders, &sqlSeeder{name: m[2], order: order, sql: string(content)})
	}
	return seeders, nil
}
