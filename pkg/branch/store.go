// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// DefaultTable is the branch metadata registry table.
const DefaultTable = "lp_branch_metadata"

const branchColumns = `id, slug, name, schema_name, parent_branch_id, status, is_protected,
	created_at, last_accessed_at, deleted_at,
	migration_count, table_count, storage_bytes,
	auto_delete_days, copy_data, pii_masking,
	git_branch, pr_number, pr_url, created_by`

// Store persists Branch rows. All multi-step mutations run inside the
// caller's transaction so counters stay consistent with physical schema
// operations.
type Store struct {
	db     db.DB
	table  string
	logger zerolog.Logger
}

type StoreOption func(*Store)

// WithTable overrides the metadata table name.
func WithTable(table string) StoreOption {
	return func(s *Store) { s.table = table }
}

// WithStoreLogger sets the store's structured logger.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func NewStore(d db.DB, opts ...StoreOption) *Store {
	s := &Store{db: d, table: DefaultTable, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Table returns the metadata table name.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) rebind(query string) string {
	return s.db.Dialect().Rebind(query)
}

// Init creates the metadata table and its indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	body := `
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL,
	name TEXT NOT NULL,
	schema_name TEXT NOT NULL,
	parent_branch_id TEXT,
	status TEXT NOT NULL,
	is_protected BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP,
	migration_count INTEGER NOT NULL DEFAULT 0,
	table_count INTEGER NOT NULL DEFAULT 0,
	storage_bytes BIGINT NOT NULL DEFAULT 0,
	auto_delete_days INTEGER NOT NULL DEFAULT 0,
	copy_data BOOLEAN NOT NULL DEFAULT FALSE,
	pii_masking BOOLEAN NOT NULL DEFAULT FALSE,
	git_branch TEXT,
	pr_number INTEGER,
	pr_url TEXT,
	created_by TEXT`

	if _, err := s.db.Exec(ctx, s.db.Dialect().CreateTableIfNotExists(s.table, body)); err != nil {
		return fmt.Errorf("creating %s: %w", s.table, err)
	}

	// slug uniqueness applies to non-deleted rows only; schema names are
	// unique overall
	indexes := []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_schema_name_key ON %s (schema_name)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)", s.table, s.table),
	}
	if s.db.Dialect() == dialect.MySQL {
		// no partial indexes; slug uniqueness among non-deleted rows is
		// enforced in the manager
		indexes = append(indexes,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_slug_idx ON %s (slug)", s.table, s.table))
	} else {
		indexes = append(indexes,
			fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_slug_key ON %s (slug) WHERE deleted_at IS NULL", s.table, s.table))
	}

	for _, stmt := range indexes {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating index on %s: %w", s.table, err)
		}
	}
	return nil
}

// Insert writes a new branch row through q, which may be a transaction.
func (s *Store) Insert(ctx context.Context, q db.Querier, b *Branch) error {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, branchColumns))

	var deletedAt any
	if b.DeletedAt != nil {
		deletedAt = *b.DeletedAt
	}

	_, err := q.Exec(ctx, query,
		b.ID, b.Slug, b.Name, b.SchemaName, nullable(b.ParentBranchID), string(b.Status), b.IsProtected,
		b.CreatedAt, b.LastAccessedAt, deletedAt,
		b.MigrationCount, b.TableCount, b.StorageBytes,
		b.AutoDeleteDays, b.CopyData, b.PIIMasking,
		nullable(b.GitBranch), b.PRNumber, nullable(b.PRURL), nullable(b.CreatedBy))
	return err
}

// GetBySlug returns the non-deleted branch with the given slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Branch, error) {
	query := s.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE slug = ? AND deleted_at IS NULL", branchColumns, s.table))

	res, err := s.db.Query(ctx, query, slug)
	if err != nil {
		return nil, err
	}
	if res.RowCount == 0 {
		return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, slug)
	}
	return branchFromRow(res.Rows[0]), nil
}

// Filter narrows List results.
type Filter struct {
	Status    Status
	OlderThan time.Duration
	CreatedBy string
}

// List returns branches matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Branch, error) {
	var (
		conds = []string{"deleted_at IS NULL"}
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.OlderThan > 0 {
		conds = append(conds, "created_at < ?")
		args = append(args, time.Now().Add(-f.OlderThan))
	}
	if f.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, f.CreatedBy)
	}

	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at DESC",
		branchColumns, s.table, strings.Join(conds, " AND ")))

	res, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return branchesFromRows(res.Rows), nil
}

// ListStale returns branches whose last access predates the cutoff and
// which are not already being deleted. Protected branches are excluded when
// skipProtected is set.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, skipProtected bool) ([]*Branch, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
	WHERE deleted_at IS NULL AND last_accessed_at < ? AND status <> ?`, branchColumns, s.table)
	args := []any{cutoff, string(StatusDeleting)}

	if skipProtected {
		query += " AND is_protected = ? AND status <> ?"
		args = append(args, false, string(StatusProtected))
	}
	query += " ORDER BY last_accessed_at ASC"

	res, err := s.db.Query(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return branchesFromRows(res.Rows), nil
}

// MarkStale flips active branches whose last access predates the cutoff to
// the stale status, returning the number of rows changed.
func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ? WHERE status = ? AND deleted_at IS NULL AND last_accessed_at < ? AND is_protected = ?",
		s.table))

	res, err := s.db.Exec(ctx, query, string(StatusStale), string(StatusActive), cutoff, false)
	if err != nil {
		return 0, err
	}
	return int(res.RowCount), nil
}

// CountActive counts non-deleted branches.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE deleted_at IS NULL", s.table)
	return s.countQuery(ctx, query)
}

// CountByCreator counts non-deleted branches created by one user.
func (s *Store) CountByCreator(ctx context.Context, createdBy string) (int, error) {
	query := s.rebind(fmt.Sprintf(
		"SELECT COUNT(*) AS n FROM %s WHERE deleted_at IS NULL AND created_by = ?", s.table))
	return s.countQuery(ctx, query, createdBy)
}

func (s *Store) countQuery(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if res.RowCount == 0 {
		return 0, nil
	}
	for _, v := range res.Rows[0] {
		return int(rowInt(v)), nil
	}
	return 0, nil
}

// UpdateStatus sets the branch status through q. Transitioning to deleting
// stamps deleted_at; any other transition clears it.
func (s *Store) UpdateStatus(ctx context.Context, q db.Querier, slug string, status Status) error {
	var deletedAt any
	if status == StatusDeleting {
		deletedAt = time.Now().UTC()
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, deleted_at = ? WHERE slug = ?", s.table))
	res, err := q.Exec(ctx, query, string(status), deletedAt, slug)
	if err != nil {
		return err
	}
	if res.RowCount == 0 {
		return fmt.Errorf("%w: %q", ErrBranchNotFound, slug)
	}
	return nil
}

// SetProtection flips the protection flag and the matching status.
func (s *Store) SetProtection(ctx context.Context, slug string, protected bool) error {
	status := StatusActive
	if protected {
		status = StatusProtected
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET is_protected = ?, status = ? WHERE slug = ? AND deleted_at IS NULL", s.table))
	res, err := s.db.Exec(ctx, query, protected, string(status), slug)
	if err != nil {
		return err
	}
	if res.RowCount == 0 {
		return fmt.Errorf("%w: %q", ErrBranchNotFound, slug)
	}
	return nil
}

// Rename updates the display name only; slug and schema name are immutable.
func (s *Store) Rename(ctx context.Context, slug, name string) error {
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET name = ? WHERE slug = ? AND deleted_at IS NULL", s.table))
	res, err := s.db.Exec(ctx, query, name, slug)
	if err != nil {
		return err
	}
	if res.RowCount == 0 {
		return fmt.Errorf("%w: %q", ErrBranchNotFound, slug)
	}
	return nil
}

// Touch bumps last_accessed_at to now.
func (s *Store) Touch(ctx context.Context, slug string) error {
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET last_accessed_at = ? WHERE slug = ? AND deleted_at IS NULL", s.table))
	_, err := s.db.Exec(ctx, query, time.Now().UTC(), slug)
	return err
}

// UpdateCounters refreshes the migration/table/storage counters.
func (s *Store) UpdateCounters(ctx context.Context, slug string, migrations, tables int, storageBytes int64) error {
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET migration_count = ?, table_count = ?, storage_bytes = ? WHERE slug = ? AND deleted_at IS NULL",
		s.table))
	_, err := s.db.Exec(ctx, query, migrations, tables, storageBytes, slug)
	return err
}

// Delete removes the branch row through q; used at the end of the delete
// transaction once the physical schema is gone.
func (s *Store) Delete(ctx context.Context, q db.Querier, id string) error {
	query := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table))
	_, err := q.Exec(ctx, query, id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func branchesFromRows(rows []db.Row) []*Branch {
	out := make([]*Branch, 0, len(rows))
	for _, r := range rows {
		out = append(out, branchFromRow(r))
	}
	return out
}

func branchFromRow(r db.Row) *Branch {
	return &Branch{
		ID:             rowString(r["id"]),
		Slug:           rowString(r["slug"]),
		Name:           rowString(r["name"]),
		SchemaName:     rowString(r["schema_name"]),
		ParentBranchID: rowString(r["parent_branch_id"]),
		Status:         Status(rowString(r["status"])),
		IsProtected:    rowBool(r["is_protected"]),
		CreatedAt:      rowTime(r["created_at"]),
		LastAccessedAt: rowTime(r["last_accessed_at"]),
		DeletedAt:      rowTimePtr(r["deleted_at"]),
		MigrationCount: int(rowInt(r["migration_count"])),
		TableCount:     int(rowInt(r["table_count"])),
		StorageBytes:   rowInt(r["storage_bytes"]),
		AutoDeleteDays: int(rowInt(r["auto_delete_days"])),
		CopyData:       rowBool(r["copy_data"]),
		PIIMasking:     rowBool(r["pii_masking"]),
		GitBranch:      rowString(r["git_branch"]),
		PRNumber:       int(rowInt(r["pr_number"])),
		PRURL:          rowString(r["pr_url"]),
		CreatedBy:      rowString(r["created_by"]),
	}
}

// Row values arrive as different Go types per driver; these coercions accept
// the representations produced by lib/pq, go-sql-driver and modernc sqlite.

func rowString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}

func rowInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func rowBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		return x == "t" || x == "true" || x == "1"
	default:
		return false
	}
}

func rowTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, x); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

func rowTimePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	ts := rowTime(v)
	if ts.IsZero() {
		return nil
	}
	return &ts
}
