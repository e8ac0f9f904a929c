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

// Package schema builds an in-memory model of the source database:
// tables, columns, keys and indexes, plus the dependency order writes
// must follow to satisfy foreign keys.
package schema

import (
	"context"
	"fmt"
	"log"
	"sort"

	"dbmask/internal/database"
)

// Column is one column of a table.
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	Default    string
	HasDefault bool
}

// ForeignKey is one foreign-key constraint column, pointing at the
// referenced table and column in the same schema.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Index describes one index on a table.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table is the full introspected description of one table.
type Table struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []Index
	RowCount    int64
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t *Table) IsPrimaryKey(column string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == column {
			return true
		}
	}
	return false
}

// ForeignKeyFor returns the foreign-key constraint on the named column,
// or nil when the column is not a foreign key.
func (t *Table) ForeignKeyFor(column string) *ForeignKey {
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Column == column {
			return &t.ForeignKeys[i]
		}
	}
	return nil
}

// HasUniqueConstraint reports whether the named column alone carries a
// uniqueness guarantee, either as a single-column primary key or through a
// single-column unique index.
func (t *Table) HasUniqueConstraint(column string) bool {
	if len(t.PrimaryKey) == 1 && t.PrimaryKey[0] == column {
		return true
	}
	for _, idx := range t.Indexes {
		if idx.Unique && len(idx.Columns) == 1 && idx.Columns[0] == column {
			return true
		}
	}
	return false
}

// Snapshot is the introspected model of all requested schemas.
type Snapshot struct {
	Tables []*Table

	byName map[string]*Table
}

// NewSnapshot builds a snapshot from already-introspected tables.
func NewSnapshot(tables ...*Table) *Snapshot {
	snap := &Snapshot{byName: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		snap.Tables = append(snap.Tables, t)
		snap.byName[t.Name] = t
	}
	return snap
}

// Table returns the named table, or nil. Lookup is by bare table name;
// tables in different schemas must not collide.
func (s *Snapshot) Table(name string) *Table {
	return s.byName[name]
}

// IntrospectError reports a failure while reading metadata of one table.
type IntrospectError struct {
	Schema string
	Table  string
	Err    error
}

func (e *IntrospectError) Error() string {
	return fmt.Sprintf("introspecting %s.%s: %v", e.Schema, e.Table, e.Err)
}

func (e *IntrospectError) Unwrap() error {
	return e.Err
}

// UnknownSchemaError reports a requested schema name the source database
// does not have. Without this check a misspelled schema would introspect
// as zero tables and the run would "succeed" writing nothing.
type UnknownSchemaError struct {
	Schema string
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("schema %s does not exist in the source database", e.Schema)
}

// CycleError reports that the foreign-key graph contains a cycle, so no
// write order exists without a manual override.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("foreign-key cycle involving tables %v; provide an explicit table order to break it", e.Tables)
}

// Introspect reads the full metadata of every base table in the given
// schemas from the source database.
func Introspect(ctx context.Context, db database.DBAdapter, schemas []string) (*Snapshot, error) {
	snap := &Snapshot{byName: make(map[string]*Table)}

	for _, schemaName := range schemas {
		exists, err := db.SchemaExists(ctx, schemaName)
		if err != nil {
			return nil, fmt.Errorf("checking schema %s: %w", schemaName, err)
		}
		if !exists {
			return nil, &UnknownSchemaError{Schema: schemaName}
		}

		tables, err := db.ListTables(ctx, schemaName)
		if err != nil {
			return nil, fmt.Errorf("listing tables of schema %s: %w", schemaName, err)
		}
		log.Printf("INFO: Schema %s has %d base tables.", schemaName, len(tables))

		for _, tableName := range tables {
			t, err := introspectTable(ctx, db, schemaName, tableName)
			if err != nil {
				return nil, &IntrospectError{Schema: schemaName, Table: tableName, Err: err}
			}
			if prev, exists := snap.byName[t.Name]; exists {
				return nil, fmt.Errorf("table name %s appears in both schema %s and schema %s", t.Name, prev.Schema, t.Schema)
			}
			snap.Tables = append(snap.Tables, t)
			snap.byName[t.Name] = t
		}
	}

	return snap, nil
}

func introspectTable(ctx context.Context, db database.DBAdapter, schemaName, tableName string) (*Table, error) {
	cols, err := db.ListColumns(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table has no columns")
	}

	t := &Table{Schema: schemaName, Name: tableName}
	for _, c := range cols {
		col := Column{Name: c.Name, DataType: c.DataType, Nullable: c.IsNullable}
		if c.Default.Valid {
			col.Default = c.Default.String
			col.HasDefault = true
		}
		t.Columns = append(t.Columns, col)
	}

	if t.PrimaryKey, err = db.ListPrimaryKey(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if len(t.PrimaryKey) == 0 {
		log.Printf("WARN: Table %s.%s has no primary key; deterministic transforms fall back to row ordinals.", schemaName, tableName)
	}

	fks, err := db.ListForeignKeys(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	for _, fk := range fks {
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: fk.Column, RefTable: fk.RefTable, RefColumn: fk.RefColumn})
	}

	idxs, err := db.ListIndexes(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	for _, idx := range idxs {
		t.Indexes = append(t.Indexes, Index{Name: idx.Name, Columns: idx.Columns, Unique: idx.Unique})
	}

	if t.RowCount, err = db.RowCount(ctx, schemaName, tableName); err != nil {
		return nil, err
	}

	return t, nil
}

// DependencyOrder returns the table names sorted so every table comes after
// the tables it references. Ties break alphabetically, so the order is
// stable across runs. Self-references are ignored. A cycle yields a
// CycleError unless override supplies a manual full ordering.
func (s *Snapshot) DependencyOrder(override []string) ([]string, error) {
	if len(override) > 0 {
		return s.validateOverride(override)
	}

	// Kahn's algorithm over the edge parent -> child.
	inDegree := make(map[string]int, len(s.Tables))
	children := make(map[string][]string, len(s.Tables))
	for _, t := range s.Tables {
		if _, ok := inDegree[t.Name]; !ok {
			inDegree[t.Name] = 0
		}
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == t.Name {
				continue
			}
			if s.byName[fk.RefTable] == nil {
				// Reference into a schema outside this run; nothing to order.
				continue
			}
			inDegree[t.Name]++
			children[fk.RefTable] = append(children[fk.RefTable], t.Name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := children[name]
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(s.Tables) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Tables: stuck}
	}

	return order, nil
}

func (s *Snapshot) validateOverride(override []string) ([]string, error) {
	seen := make(map[string]bool, len(override))
	for _, name := range override {
		if s.byName[name] == nil {
			return nil, fmt.Errorf("table order override names unknown table %s", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("table order override lists table %s twice", name)
		}
		seen[name] = true
	}
	if len(override) != len(s.Tables) {
		var missing []string
		for _, t := range s.Tables {
			if !seen[t.Name] {
				missing = append(missing, t.Name)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("table order override is incomplete; missing tables %v", missing)
	}
	return override, nil
}
