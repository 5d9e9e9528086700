// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"fmt"
	"strings"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// cloneSpec controls what travels from parent to child beyond structure.
type cloneSpec struct {
	copyData bool
	// masking maps table -> column -> replacement expression applied to the
	// data copy.
	masking map[string]map[string]string
}

// cloneSchema re-creates the parent schema's objects inside the child
// schema: enums, sequences, tables, views and functions, then data, then
// foreign keys. Foreign keys come last so the data copy never depends on
// table ordering. Everything runs through q, the caller's transaction.
func cloneSchema(ctx context.Context, q db.Querier, d dialect.Dialect, parent, child string, spec cloneSpec) error {
	qParent, err := d.QuoteIdent(parent)
	if err != nil {
		return err
	}
	qChild, err := d.QuoteIdent(child)
	if err != nil {
		return err
	}

	if err := cloneEnums(ctx, q, parent, qChild); err != nil {
		return err
	}
	if err := cloneSequences(ctx, q, d, parent, qChild); err != nil {
		return err
	}

	tables, err := parentTables(ctx, q, parent)
	if err != nil {
		return err
	}
	for _, t := range tables {
		qt, err := d.QuoteIdent(t)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE TABLE %s.%s (LIKE %s.%s INCLUDING ALL)", qChild, qt, qParent, qt)
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("cloning table %s: %w", t, err)
		}
	}

	if err := cloneViews(ctx, q, d, parent, child, qChild); err != nil {
		return err
	}
	if err := cloneFunctions(ctx, q, parent, child); err != nil {
		return err
	}

	if spec.copyData {
		for _, t := range tables {
			if err := copyTableData(ctx, q, d, parent, child, t, spec.masking); err != nil {
				return err
			}
		}
	}

	return cloneForeignKeys(ctx, q, d, parent, child, qChild)
}

func parentTables(ctx context.Context, q db.Querier, parent string) ([]string, error) {
	res, err := q.Query(ctx,
		"SELECT tablename FROM pg_tables WHERE schemaname = $1 ORDER BY tablename", parent)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, res.RowCount)
	for _, r := range res.Rows {
		tables = append(tables, rowString(r["tablename"]))
	}
	return tables, nil
}

func cloneEnums(ctx context.Context, q db.Querier, parent, qChild string) error {
	res, err := q.Query(ctx, `SELECT t.typname AS name, e.enumlabel AS label
	FROM pg_type t
	JOIN pg_enum e ON e.enumtypid = t.oid
	JOIN pg_namespace n ON n.oid = t.typnamespace
	WHERE n.nspname = $1
	ORDER BY t.typname, e.enumsortorder`, parent)
	if err != nil {
		return err
	}

	labels := make(map[string][]string)
	var order []string
	for _, r := range res.Rows {
		name := rowString(r["name"])
		if _, seen := labels[name]; !seen {
			order = append(order, name)
		}
		labels[name] = append(labels[name], rowString(r["label"]))
	}

	for _, name := range order {
		quoted := make([]string, len(labels[name]))
		for i, l := range labels[name] {
			quoted[i] = "'" + strings.ReplaceAll(l, "'", "''") + "'"
		}
		stmt := fmt.Sprintf("CREATE TYPE %s.%q AS ENUM (%s)", qChild, name, strings.Join(quoted, ", "))
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("cloning enum %s: %w", name, err)
		}
	}
	return nil
}

func cloneSequences(ctx context.Context, q db.Querier, d dialect.Dialect, parent, qChild string) error {
	res, err := q.Query(ctx,
		"SELECT sequence_name FROM information_schema.sequences WHERE sequence_schema = $1", parent)
	if err != nil {
		return err
	}
	for _, r := range res.Rows {
		name := rowString(r["sequence_name"])
		qn, err := d.QuoteIdent(name)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s.%s", qChild, qn)); err != nil {
			return fmt.Errorf("cloning sequence %s: %w", name, err)
		}
	}
	return nil
}

func cloneViews(ctx context.Context, q db.Querier, d dialect.Dialect, parent, child, qChild string) error {
	res, err := q.Query(ctx,
		"SELECT viewname, definition FROM pg_views WHERE schemaname = $1", parent)
	if err != nil {
		return err
	}
	for _, r := range res.Rows {
		name := rowString(r["viewname"])
		def := requalify(rowString(r["definition"]), parent, child)
		qn, err := d.QuoteIdent(name)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE VIEW %s.%s AS %s", qChild, qn, def)
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("cloning view %s: %w", name, err)
		}
	}
	return nil
}

func cloneFunctions(ctx context.Context, q db.Querier, parent, child string) error {
	res, err := q.Query(ctx, `SELECT pg_get_functiondef(p.oid) AS def
	FROM pg_proc p
	JOIN pg_namespace n ON n.oid = p.pronamespace
	WHERE n.nspname = $1 AND p.prokind = 'f'`, parent)
	if err != nil {
		return err
	}
	for _, r := range res.Rows {
		def := requalify(rowString(r["def"]), parent, child)
		if _, err := q.Exec(ctx, def); err != nil {
			return fmt.Errorf("cloning function: %w", err)
		}
	}
	return nil
}

func cloneForeignKeys(ctx context.Context, q db.Querier, d dialect.Dialect, parent, child, qChild string) error {
	res, err := q.Query(ctx, `SELECT rel.relname AS table_name, con.conname AS name, pg_get_constraintdef(con.oid) AS def
	FROM pg_constraint con
	JOIN pg_class rel ON rel.oid = con.conrelid
	JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
	WHERE con.contype = 'f' AND nsp.nspname = $1`, parent)
	if err != nil {
		return err
	}
	for _, r := range res.Rows {
		table := rowString(r["table_name"])
		name := rowString(r["name"])
		def := requalify(rowString(r["def"]), parent, child)
		qt, err := d.QuoteIdent(table)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("ALTER TABLE %s.%s ADD CONSTRAINT %q %s", qChild, qt, name, def)
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("cloning foreign key %s on %s: %w", name, table, err)
		}
	}
	return nil
}

func copyTableData(ctx context.Context, q db.Querier, d dialect.Dialect, parent, child, table string, masking map[string]map[string]string) error {
	qt, err := d.QuoteIdent(table)
	if err != nil {
		return err
	}
	qParent, err := d.QuoteIdent(parent)
	if err != nil {
		return err
	}
	qChild, err := d.QuoteIdent(child)
	if err != nil {
		return err
	}

	selectList := "*"
	if masks := masking[table]; len(masks) > 0 {
		cols, err := tableColumns(ctx, q, parent, table)
		if err != nil {
			return err
		}
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			qc, err := d.QuoteIdent(c)
			if err != nil {
				return err
			}
			if expr, ok := masks[c]; ok {
				parts = append(parts, fmt.Sprintf("%s AS %s", expr, qc))
			} else {
				parts = append(parts, qc)
			}
		}
		selectList = strings.Join(parts, ", ")
	}

	stmt := fmt.Sprintf("INSERT INTO %s.%s SELECT %s FROM %s.%s", qChild, qt, selectList, qParent, qt)
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("copying data for %s: %w", table, err)
	}
	return nil
}

func tableColumns(ctx context.Context, q db.Querier, schema, table string) ([]string, error) {
	res, err := q.Query(ctx, `SELECT column_name FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, res.RowCount)
	for _, r := range res.Rows {
		cols = append(cols, rowString(r["column_name"]))
	}
	return cols, nil
}

// requalify rewrites schema-qualified references from the parent namespace
// to the child namespace inside catalog-sourced definitions.
func requalify(def, parent, child string) string {
	def = strings.ReplaceAll(def, parent+".", child+".")
	def = strings.ReplaceAll(def, `"`+parent+`".`, `"`+child+`".`)
	return def
}
