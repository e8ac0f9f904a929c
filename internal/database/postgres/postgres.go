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
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"dbmask/internal/config"
	"dbmask/internal/database"
)

// postgresHandler struct implements database.DialectHandler for PostgreSQL.
type postgresHandler struct{}

var _ database.DialectHandler = (*postgresHandler)(nil)

// CreateCloudSQLPool for PostgreSQL
func (h postgresHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.User == "" || cfg.DBName == "" || cfg.CloudSQLInstanceConnectionName == "" {
		return nil, fmt.Errorf("missing required CloudSQL connection parameter (user, db, instance)")
	}

	dsn := fmt.Sprintf("user=%s password=%s database=%s", cfg.User, cfg.Password, cfg.DBName)
	pgxCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	var opts []cloudsqlconn.Option
	if cfg.UsePrivateIP {
		opts = append(opts, cloudsqlconn.WithDefaultDialOptions(cloudsqlconn.WithPrivateIP()))
	}
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	instance := cfg.CloudSQLInstanceConnectionName
	pgxCfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(ctx, instance)
	}

	dbURI := stdlib.RegisterConnConfig(pgxCfg)
	dbPool, err := sql.Open("pgx", dbURI)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	return dbPool, nil
}

// CreateStandardPool creates a standard PostgreSQL connection pool
func (h postgresHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	dbPool, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return dbPool, err
}

// QuoteIdentifier for PostgreSQL
func (h postgresHandler) QuoteIdentifier(name string) string {
	name = strings.Replace(name, `"`, `""`, -1)
	return fmt.Sprintf(`"%s"`, name)
}

func (h postgresHandler) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (h postgresHandler) qualify(schemaName, tableName string) string {
	return h.QuoteIdentifier(schemaName) + "." + h.QuoteIdentifier(tableName)
}

// SchemaExists for PostgreSQL. information_schema returns zero rows for an
// unknown schema instead of an error, so introspection asks explicitly.
func (h postgresHandler) SchemaExists(ctx context.Context, db *database.DB, schemaName string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`
	var exists bool
	if err := db.Pool.QueryRowContext(ctx, query, schemaName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", schemaName, err)
	}
	return exists, nil
}

// ListTables for PostgreSQL
func (h postgresHandler) ListTables(ctx context.Context, db *database.DB, schemaName string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_type = 'BASE TABLE'
		ORDER BY table_name;`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, fmt.Errorf("error querying tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("error scanning table name: %w", err)
		}
		tables = append(tables, tableName)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}

	return tables, nil
}

// ListColumns for PostgreSQL
func (h postgresHandler) ListColumns(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ColumnInfo, error) {
	query := `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1
		AND table_name = $2
		ORDER BY ordinal_position;`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("error querying columns for table %s: %w", tableName, err)
	}
	defer rows.Close()

	var columns []database.ColumnInfo
	for rows.Next() {
		var colInfo database.ColumnInfo
		var isNullable string
		if err := rows.Scan(&colInfo.Name, &colInfo.DataType, &isNullable, &colInfo.Default); err != nil {
			return nil, fmt.Errorf("error scanning column metadata: %w", err)
		}
		colInfo.IsNullable = isNullable == "YES"
		columns = append(columns, colInfo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}

	return columns, nil
}

// ListPrimaryKey for PostgreSQL returns the PK columns in ordinal order.
func (h postgresHandler) ListPrimaryKey(ctx context.Context, db *database.DB, schemaName, tableName string) ([]string, error) {
	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position;`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key for %s: %w", tableName, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating primary key rows: %w", err)
	}
	return cols, nil
}

// ListForeignKeys for PostgreSQL
func (h postgresHandler) ListForeignKeys(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ForeignKeyInfo, error) {
	query := `
        SELECT
            kcu.column_name,
            ccu.table_name AS ref_table,
            ccu.column_name AS ref_column
        FROM information_schema.table_constraints tc
        JOIN information_schema.key_column_usage kcu
            ON tc.constraint_name = kcu.constraint_name
            AND tc.table_schema = kcu.table_schema
        JOIN information_schema.constraint_column_usage ccu
            ON ccu.constraint_name = tc.constraint_name
            AND ccu.table_schema = tc.table_schema
        WHERE tc.constraint_type = 'FOREIGN KEY'
            AND tc.table_schema = $1
            AND kcu.table_name = $2`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to execute foreign key detection query: %w", err)
	}
	defer rows.Close()

	var fks []database.ForeignKeyInfo
	for rows.Next() {
		var fk database.ForeignKeyInfo
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key info: %w", err)
		}
		fks = append(fks, fk)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key rows: %w", err)
	}

	return fks, nil
}

// ListIndexes for PostgreSQL. Rows come back one per index column and are
// grouped here.
func (h postgresHandler) ListIndexes(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.IndexInfo, error) {
	query := `
		SELECT i.relname AS index_name, ix.indisunique, a.attname
		FROM pg_catalog.pg_class t
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_catalog.pg_index ix ON ix.indrelid = t.oid
		JOIN pg_catalog.pg_class i ON i.oid = ix.indexrelid
		JOIN pg_catalog.pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1
		  AND t.relname = $2
		ORDER BY i.relname, a.attnum;`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for %s: %w", tableName, err)
	}
	defer rows.Close()

	var indexes []database.IndexInfo
	byName := make(map[string]int)
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return nil, fmt.Errorf("failed to scan index info: %w", err)
		}
		if i, ok := byName[name]; ok {
			indexes[i].Columns = append(indexes[i].Columns, column)
			continue
		}
		byName[name] = len(indexes)
		indexes = append(indexes, database.IndexInfo{Name: name, Columns: []string{column}, Unique: unique})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}
	return indexes, nil
}

// RowCount for PostgreSQL
func (h postgresHandler) RowCount(ctx context.Context, db *database.DB, schemaName, tableName string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", h.qualify(schemaName, tableName))
	var count int64
	if err := db.Pool.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", tableName, err)
	}
	return count, nil
}

// CollectColumnStats gathers null/distinct counts and the most common values
// for one column. When sampleLimit > 0 the aggregates run over a bounded
// random sample instead of the full table.
func (h postgresHandler) CollectColumnStats(ctx context.Context, db *database.DB, schemaName, tableName, columnName string, topN, sampleLimit int) (*database.ColumnStats, error) {
	quotedColumn := h.QuoteIdentifier(columnName)
	source := h.qualify(schemaName, tableName)
	sampled := sampleLimit > 0
	if sampled {
		source = fmt.Sprintf("(SELECT %s FROM %s ORDER BY random() LIMIT %d) AS sample",
			quotedColumn, h.qualify(schemaName, tableName), sampleLimit)
	}

	statsQuery := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(%s), COUNT(DISTINCT %s) FROM %s",
		quotedColumn, quotedColumn, source)

	var total, nonNull, distinct int64
	if err := db.Pool.QueryRowContext(ctx, statsQuery).Scan(&total, &nonNull, &distinct); err != nil {
		return nil, fmt.Errorf("failed to aggregate stats for %s.%s: %w", tableName, columnName, err)
	}

	topQuery := fmt.Sprintf(
		"SELECT CAST(%s AS TEXT), COUNT(*) FROM %s WHERE %s IS NOT NULL GROUP BY 1 ORDER BY 2 DESC, 1 LIMIT %d",
		quotedColumn, source, quotedColumn, topN)

	rows, err := db.Pool.QueryContext(ctx, topQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to get most common values for %s.%s: %w", tableName, columnName, err)
	}
	defer rows.Close()

	var top []database.ValueCount
	for rows.Next() {
		var vc database.ValueCount
		if err := rows.Scan(&vc.Value, &vc.Count); err != nil {
			return nil, fmt.Errorf("error scanning most common value for %s.%s: %w", tableName, columnName, err)
		}
		top = append(top, vc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating most common values for %s.%s: %w", tableName, columnName, err)
	}

	return &database.ColumnStats{
		RowCount:      total,
		NullCount:     total - nonNull,
		DistinctCount: distinct,
		TopValues:     top,
		Sampled:       sampled,
	}, nil
}

// SelectQuery builds the streaming read for one table, ordered by the
// primary key so capped runs pick a stable prefix.
func (h postgresHandler) SelectQuery(schemaName, tableName string, columns, orderBy []string, limit int) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = h.QuoteIdentifier(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), h.qualify(schemaName, tableName))
	if len(orderBy) > 0 {
		ordered := make([]string, len(orderBy))
		for i, c := range orderBy {
			ordered[i] = h.QuoteIdentifier(c)
		}
		query += " ORDER BY " + strings.Join(ordered, ", ")
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query
}

func (h postgresHandler) InsertQuery(schemaName, tableName string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = h.QuoteIdentifier(c)
		placeholders[i] = h.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		h.qualify(schemaName, tableName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}

func (h postgresHandler) TruncateQuery(schemaName, tableName string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", h.qualify(schemaName, tableName))
}

const auditTableName = "masking_audit"

// EnsureAuditTable creates the masking_audit table if it does not exist.
func (h postgresHandler) EnsureAuditTable(ctx context.Context, db *database.DB, schemaName string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ran_at TIMESTAMPTZ NOT NULL,
		source_db TEXT NOT NULL,
		dest_db TEXT NOT NULL,
		masked_tables TEXT[] NOT NULL,
		row_counts TEXT NOT NULL,
		truncated BOOLEAN NOT NULL DEFAULT FALSE
	)`, h.qualify(schemaName, auditTableName))
	if _, err := db.Pool.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure audit table: %w", err)
	}
	return nil
}

func (h postgresHandler) InsertAudit(ctx context.Context, db *database.DB, schemaName string, row *database.AuditRow) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (ran_at, source_db, dest_db, masked_tables, row_counts, truncated) VALUES ($1, $2, $3, $4, $5, $6)",
		h.qualify(schemaName, auditTableName))
	_, err := db.Pool.ExecContext(ctx, query,
		row.RanAt, row.SourceDB, row.DestDB, pq.Array(row.MaskedTables), row.RowCounts, row.Truncated)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (h postgresHandler) LatestAudit(ctx context.Context, db *database.DB, schemaName string) (*database.AuditRow, error) {
	query := fmt.Sprintf(
		"SELECT ran_at, source_db, dest_db, masked_tables, row_counts, truncated FROM %s ORDER BY ran_at DESC LIMIT 1",
		h.qualify(schemaName, auditTableName))

	var row database.AuditRow
	err := db.Pool.QueryRowContext(ctx, query).Scan(
		&row.RanAt, &row.SourceDB, &row.DestDB, pq.Array(&row.MaskedTables), &row.RowCounts, &row.Truncated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read latest audit record: %w", err)
	}
	return &row, nil
}

func init() {
	database.RegisterDialectHandler("postgres", postgresHandler{})
	database.RegisterDialectHandler("cloudsqlpostgres", postgresHandler{})
}
