/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mask executes a resolved masking plan: it streams rows from the
// source, applies each column's transform deterministically, and writes
// batches to the destination in foreign-key dependency order.
package mask

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"dbmask/internal/database"
	"dbmask/internal/plan"
	"dbmask/internal/schema"
	"dbmask/internal/transform"
)

// Options are the run-level knobs of the engine.
type Options struct {
	// DryLimit caps rows per table; zero means no cap. Child rows whose
	// foreign keys point outside the kept parent slice are skipped, so
	// the capped copy stays referentially consistent.
	DryLimit int

	// BatchSize is the number of rows per destination transaction.
	BatchSize int

	// Truncate empties destination tables (children first) before writing.
	Truncate bool

	// Seed drives every deterministic transform.
	Seed int64

	Retry RetryOptions
}

// Result summarizes one completed run.
type Result struct {
	// Tables lists the processed tables in dependency order.
	Tables []string

	// RowCounts is rows written per table.
	RowCounts map[string]int64

	// Truncated is set when a row cap bounded the run.
	Truncated bool
}

// ProgressFunc is called after each batch with rows written so far and
// the source row count of the table.
type ProgressFunc func(table string, processed, total int64)

// Engine masks one database into another under a fully resolved plan.
type Engine struct {
	source   *database.DB
	dest     *database.DB
	plan     *plan.MaskingPlan
	opts     Options
	progress ProgressFunc
}

func New(source, dest *database.DB, p *plan.MaskingPlan, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryOptions
	}
	return &Engine{source: source, dest: dest, plan: p, opts: opts}
}

// OnProgress sets the per-batch progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// Run executes the plan. On success every planned table has been written;
// on error the destination may hold completed tables and committed batches
// of the failing table, and no audit record must be written.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.opts.Truncate {
		if err := e.truncateAll(ctx); err != nil {
			return nil, err
		}
	}

	// kept tracks, per referenced column, which original values made it
	// into the destination. Only needed when a row cap filters children.
	var kept map[string]map[string]map[string]bool
	refTargets := e.referencedColumns()
	if e.opts.DryLimit > 0 {
		kept = make(map[string]map[string]map[string]bool)
		for tableName, cols := range refTargets {
			kept[tableName] = make(map[string]map[string]bool, len(cols))
			for col := range cols {
				kept[tableName][col] = make(map[string]bool)
			}
		}
	}

	result := &Result{
		RowCounts: make(map[string]int64, len(e.plan.Order)),
	}

	for _, tableName := range e.plan.Order {
		tp := e.plan.Tables[tableName]
		written, err := e.maskTable(ctx, tp, kept)
		if err != nil {
			return nil, err
		}
		// A cap only truncates the run when some table actually has more
		// source rows than the cap allows.
		if e.opts.DryLimit > 0 && tp.Table.RowCount > int64(e.opts.DryLimit) {
			result.Truncated = true
		}
		result.Tables = append(result.Tables, tableName)
		result.RowCounts[tableName] = written
		log.Printf("INFO: Table %s done, %d rows written.", tableName, written)
	}

	return result, nil
}

// truncateAll empties every planned destination table, children first, so
// parent rows are never deleted while still referenced.
func (e *Engine) truncateAll(ctx context.Context) error {
	for i := len(e.plan.Order) - 1; i >= 0; i-- {
		tableName := e.plan.Order[i]
		table := e.plan.Tables[tableName].Table
		query := e.dest.Handler.TruncateQuery(table.Schema, table.Name)
		if _, err := e.dest.Pool.ExecContext(ctx, query); err != nil {
			return &WriteError{Table: tableName, Err: fmt.Errorf("truncate: %w", err)}
		}
	}
	return nil
}

// referencedColumns maps table -> column -> true for every column some
// planned table's foreign key points at.
func (e *Engine) referencedColumns() map[string]map[string]bool {
	refs := make(map[string]map[string]bool)
	for _, tableName := range e.plan.Order {
		for _, fk := range e.plan.Tables[tableName].Table.ForeignKeys {
			if _, planned := e.plan.Tables[fk.RefTable]; !planned {
				continue
			}
			if refs[fk.RefTable] == nil {
				refs[fk.RefTable] = make(map[string]bool)
			}
			refs[fk.RefTable][fk.RefColumn] = true
		}
	}
	return refs
}

// boundColumn is one column with its transform resolved and its fallback
// precomputed.
type boundColumn struct {
	spec     *plan.TransformSpec
	fn       transform.Func
	fallback interface{}
	fkRef    *schema.ForeignKey
	isPK     bool
}

func (e *Engine) maskTable(ctx context.Context, tp *plan.TablePlan, kept map[string]map[string]map[string]bool) (int64, error) {
	table := tp.Table
	columns := make([]string, len(table.Columns))
	bound := make([]boundColumn, len(table.Columns))
	for i := range table.Columns {
		col := &table.Columns[i]
		columns[i] = col.Name

		spec := tp.Spec(col.Name)
		if spec == nil {
			return 0, fmt.Errorf("plan has no transform for %s.%s", table.Name, col.Name)
		}
		fn, err := transform.Lookup(spec.Transform)
		if err != nil {
			return 0, err
		}
		bound[i] = boundColumn{
			spec:     spec,
			fn:       fn,
			fallback: fallbackValue(col),
			fkRef:    table.ForeignKeyFor(col.Name),
			isPK:     table.IsPrimaryKey(col.Name),
		}
	}

	query := e.source.Handler.SelectQuery(table.Schema, table.Name, columns, table.PrimaryKey, e.opts.DryLimit)
	rows, err := withRetry(ctx, e.opts.Retry, func(ctx context.Context) (*sql.Rows, error) {
		return e.source.Pool.QueryContext(ctx, query)
	})
	if err != nil {
		return 0, &ReadError{Table: table.Name, Err: err}
	}
	defer rows.Close()

	insertSQL := e.dest.Handler.InsertQuery(table.Schema, table.Name, columns)

	var batch [][]interface{}
	var written int64
	batchNo := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchNo++
		if err := e.writeBatch(ctx, insertSQL, batch); err != nil {
			return &WriteError{Table: table.Name, Batch: batchNo, Err: err}
		}
		written += int64(len(batch))
		batch = batch[:0]
		if e.progress != nil {
			e.progress(table.Name, written, table.RowCount)
		}
		return nil
	}

	var ordinal int64 = -1
	for rows.Next() {
		ordinal++
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, &ReadError{Table: table.Name, Err: err}
		}
		for i, v := range values {
			// Drivers may reuse byte buffers between Next calls.
			if b, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
		}

		key := primaryKeyString(table, columns, values)

		if kept != nil && !e.parentsKept(table, bound, values, kept) {
			continue
		}

		masked := make([]interface{}, len(columns))
		for i := range columns {
			masked[i] = e.transformCell(&bound[i], values[i], key, ordinal)
		}
		batch = append(batch, masked)

		if keptCols := kept[table.Name]; keptCols != nil {
			for i, name := range columns {
				if set, tracked := keptCols[name]; tracked {
					set[fkKey(values[i])] = true
				}
			}
		}

		if len(batch) >= e.opts.BatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return written, &ReadError{Table: table.Name, Err: err}
	}

	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

// transformCell applies one transform, retrying once on error and then
// degrading to the column's neutral fallback.
func (e *Engine) transformCell(bc *boundColumn, value interface{}, key string, ordinal int64) interface{} {
	tctx := &transform.Context{
		Table:      bc.spec.Table,
		Column:     bc.spec.Column,
		PrimaryKey: key,
		Ordinal:    ordinal,
		Unique:     bc.spec.Unique,
		Seed:       e.opts.Seed,
	}

	out, err := bc.fn(value, tctx, bc.spec.Options)
	if err == nil {
		return out
	}
	out, err = bc.fn(value, tctx, bc.spec.Options)
	if err == nil {
		return out
	}

	terr := &TransformError{Table: bc.spec.Table, Column: bc.spec.Column, Key: key, Err: err}
	log.Printf("WARN: %v. Writing neutral fallback.", terr)
	return bc.fallback
}

// parentsKept reports whether every foreign key of the row points at a
// parent row that survived the row cap.
func (e *Engine) parentsKept(table *schema.Table, bound []boundColumn, values []interface{}, kept map[string]map[string]map[string]bool) bool {
	for i := range bound {
		fk := bound[i].fkRef
		if fk == nil || values[i] == nil {
			continue
		}
		if fk.RefTable == table.Name {
			// Self-references cannot be validated mid-scan; the cap keeps
			// a primary-key prefix, so report rather than filter.
			continue
		}
		set, tracked := keptSet(kept, fk.RefTable, fk.RefColumn)
		if !tracked {
			continue
		}
		if !set[fkKey(values[i])] {
			return false
		}
	}
	return true
}

func keptSet(kept map[string]map[string]map[string]bool, table, column string) (map[string]bool, bool) {
	cols, ok := kept[table]
	if !ok {
		return nil, false
	}
	set, ok := cols[column]
	return set, ok
}

// writeBatch writes one batch inside its own transaction. Any failure
// rolls the whole batch back.
func (e *Engine) writeBatch(ctx context.Context, insertSQL string, batch [][]interface{}) error {
	tx, err := e.dest.Pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}

	for _, row := range batch {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// primaryKeyString joins the row's original primary-key values with ":".
// Empty when the table has no primary key.
func primaryKeyString(table *schema.Table, columns []string, values []interface{}) string {
	if len(table.PrimaryKey) == 0 {
		return ""
	}
	parts := make([]string, 0, len(table.PrimaryKey))
	for _, pk := range table.PrimaryKey {
		for i, name := range columns {
			if name == pk {
				parts = append(parts, fkKey(values[i]))
				break
			}
		}
	}
	return strings.Join(parts, ":")
}

// fkKey renders a scanned value as a stable lookup key.
func fkKey(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// fallbackValue is the neutral value written when a transform fails
// twice. NULL when the column allows it, otherwise a zero of the
// column's rough type family.
func fallbackValue(col *schema.Column) interface{} {
	if col.Nullable {
		return nil
	}
	t := strings.ToLower(col.DataType)
	switch {
	case strings.Contains(t, "char"), strings.Contains(t, "text"), strings.Contains(t, "clob"), strings.Contains(t, "string"):
		return ""
	case strings.Contains(t, "int"), strings.Contains(t, "serial"), strings.Contains(t, "numeric"),
		strings.Contains(t, "decimal"), strings.Contains(t, "float"), strings.Contains(t, "double"), strings.Contains(t, "real"):
		return 0
	case strings.Contains(t, "bool"), strings.Contains(t, "bit"):
		return false
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return time.Unix(0, 0).UTC()
	default:
		return ""
	}
}
