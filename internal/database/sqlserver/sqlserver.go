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
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	mssql "github.com/denisenkom/go-mssqldb"

	"dbmask/internal/config"
	"dbmask/internal/database"
)

// sqlServerHandler struct implements database.DialectHandler for SQL Server.
type sqlServerHandler struct{}

var _ database.DialectHandler = (*sqlServerHandler)(nil)

type csqlDialer struct {
	dialer     *cloudsqlconn.Dialer
	connName   string
	usePrivate bool
}

// DialContext adheres to the mssql.Dialer interface.
func (c *csqlDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var opts []cloudsqlconn.DialOption
	if c.usePrivate {
		opts = append(opts, cloudsqlconn.WithPrivateIP())
	}
	return c.dialer.Dial(ctx, c.connName, opts...)
}

// CreateCloudSQLPool for SQL Server
func (h sqlServerHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.User == "" || cfg.Password == "" || cfg.DBName == "" || cfg.CloudSQLInstanceConnectionName == "" {
		return nil, fmt.Errorf("missing required CloudSQL connection parameter (user, pass, db, instance)")
	}

	// WithLazyRefresh() performs certificate refresh when needed, rather
	// than on a scheduled interval.
	dialer, err := cloudsqlconn.NewDialer(context.Background(), cloudsqlconn.WithLazyRefresh())
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn.NewDialer: %w", err)
	}

	connector, err := mssql.NewConnector(fmt.Sprintf("sqlserver://%s:%s@localhost:1433?database=%s&dial=cloudsqlconn&instance=%s",
		cfg.User, cfg.Password, cfg.DBName, cfg.CloudSQLInstanceConnectionName))
	if err != nil {
		return nil, fmt.Errorf("mssql.NewConnector: %w", err)
	}
	connector.Dialer = &csqlDialer{
		dialer:     dialer,
		connName:   cfg.CloudSQLInstanceConnectionName,
		usePrivate: cfg.UsePrivateIP,
	}

	dbPool := sql.OpenDB(connector)

	return dbPool, nil
}

// CreateStandardPool creates a standard SQL Server connection pool
func (h sqlServerHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 1433 // Default SQL Server port
	}
	connStr := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.DBName)

	dbPool, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("sql.Open (standard sqlserver): %w", err)
	}
	return dbPool, nil
}

// QuoteIdentifier for SQL Server.
// SQL Server uses square brackets [] for identifiers.
func (h sqlServerHandler) QuoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, "]", "]]")
	return fmt.Sprintf("[%s]", name)
}

func (h sqlServerHandler) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (h sqlServerHandler) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		schemaName = "dbo"
	}
	return h.QuoteIdentifier(schemaName) + "." + h.QuoteIdentifier(tableName)
}

// SchemaExists for SQL Server.
func (h sqlServerHandler) SchemaExists(ctx context.Context, db *database.DB, schemaName string) (bool, error) {
	if schemaName == "" {
		schemaName = "dbo"
	}
	query := "SELECT CASE WHEN EXISTS (SELECT 1 FROM sys.schemas WHERE name = @p1) THEN 1 ELSE 0 END"
	var exists bool
	if err := db.Pool.QueryRowContext(ctx, query, schemaName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", schemaName, err)
	}
	return exists, nil
}

// ListTables for SQL Server
func (h sqlServerHandler) ListTables(ctx context.Context, db *database.DB, schemaName string) ([]string, error) {
	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @p1
		AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME;`

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

// ListColumns for SQL Server
func (h sqlServerHandler) ListColumns(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ColumnInfo, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_DEFAULT
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1
		AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION;`

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

func (h sqlServerHandler) ListPrimaryKey(ctx context.Context, db *database.DB, schemaName, tableName string) ([]string, error) {
	query := `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
			AND tc.TABLE_NAME = kcu.TABLE_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @p1
			AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION;`

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

// ListForeignKeys for SQL Server
func (h sqlServerHandler) ListForeignKeys(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ForeignKeyInfo, error) {
	query := `
		SELECT
			pc.name AS column_name,
			rt.name AS ref_table,
			rc.name AS ref_column
		FROM sys.foreign_key_columns fkc
		JOIN sys.tables pt ON fkc.parent_object_id = pt.object_id
		JOIN sys.schemas ps ON pt.schema_id = ps.schema_id
		JOIN sys.columns pc ON fkc.parent_object_id = pc.object_id AND fkc.parent_column_id = pc.column_id
		JOIN sys.tables rt ON fkc.referenced_object_id = rt.object_id
		JOIN sys.columns rc ON fkc.referenced_object_id = rc.object_id AND fkc.referenced_column_id = rc.column_id
		WHERE ps.name = @p1
		  AND pt.name = @p2;`

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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key rows: %w", err)
	}

	return fks, nil
}

func (h sqlServerHandler) ListIndexes(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.IndexInfo, error) {
	query := `
		SELECT i.name, i.is_unique, c.name
		FROM sys.indexes i
		JOIN sys.tables t ON i.object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		WHERE s.name = @p1
		  AND t.name = @p2
		  AND i.name IS NOT NULL
		ORDER BY i.name, ic.key_ordinal;`

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

func (h sqlServerHandler) RowCount(ctx context.Context, db *database.DB, schemaName, tableName string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", h.qualify(schemaName, tableName))
	var count int64
	if err := db.Pool.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", tableName, err)
	}
	return count, nil
}

func (h sqlServerHandler) CollectColumnStats(ctx context.Context, db *database.DB, schemaName, tableName, columnName string, topN, sampleLimit int) (*database.ColumnStats, error) {
	quotedColumn := h.QuoteIdentifier(columnName)
	source := h.qualify(schemaName, tableName)
	sampled := sampleLimit > 0
	if sampled {
		source = fmt.Sprintf("(SELECT TOP %d %s FROM %s ORDER BY NEWID()) AS sample",
			sampleLimit, quotedColumn, h.qualify(schemaName, tableName))
	}

	statsQuery := fmt.Sprintf(
		"SELECT COUNT_BIG(*), COUNT_BIG(%s), COUNT_BIG(DISTINCT %s) FROM %s",
		quotedColumn, quotedColumn, source)

	var total, nonNull, distinct int64
	if err := db.Pool.QueryRowContext(ctx, statsQuery).Scan(&total, &nonNull, &distinct); err != nil {
		return nil, fmt.Errorf("failed to aggregate stats for %s.%s: %w", tableName, columnName, err)
	}

	topQuery := fmt.Sprintf(
		"SELECT TOP %d CAST(%s AS NVARCHAR(MAX)) AS v, COUNT_BIG(*) AS c FROM %s WHERE %s IS NOT NULL GROUP BY CAST(%s AS NVARCHAR(MAX)) ORDER BY c DESC, v",
		topN, quotedColumn, source, quotedColumn, quotedColumn)

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

func (h sqlServerHandler) SelectQuery(schemaName, tableName string, columns, orderBy []string, limit int) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = h.QuoteIdentifier(c)
	}
	top := ""
	if limit > 0 {
		top = fmt.Sprintf("TOP %d ", limit)
	}
	query := fmt.Sprintf("SELECT %s%s FROM %s", top, strings.Join(quoted, ", "), h.qualify(schemaName, tableName))
	if len(orderBy) > 0 {
		ordered := make([]string, len(orderBy))
		for i, c := range orderBy {
			ordered[i] = h.QuoteIdentifier(c)
		}
		query += " ORDER BY " + strings.Join(ordered, ", ")
	}
	return query
}

func (h sqlServerHandler) InsertQuery(schemaName, tableName string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = h.QuoteIdentifier(c)
		placeholders[i] = h.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		h.qualify(schemaName, tableName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}

// TruncateQuery uses DELETE because TRUNCATE TABLE fails on tables that are
// referenced by foreign keys. The engine empties tables children-first.
func (h sqlServerHandler) TruncateQuery(schemaName, tableName string) string {
	return fmt.Sprintf("DELETE FROM %s", h.qualify(schemaName, tableName))
}

const auditTableName = "masking_audit"

func (h sqlServerHandler) EnsureAuditTable(ctx context.Context, db *database.DB, schemaName string) error {
	ddl := fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
	CREATE TABLE %s (
		ran_at DATETIME2 NOT NULL,
		source_db NVARCHAR(255) NOT NULL,
		dest_db NVARCHAR(255) NOT NULL,
		masked_tables NVARCHAR(MAX) NOT NULL,
		row_counts NVARCHAR(MAX) NOT NULL,
		truncated BIT NOT NULL DEFAULT 0
	)`, h.qualify(schemaName, auditTableName), h.qualify(schemaName, auditTableName))
	if _, err := db.Pool.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure audit table: %w", err)
	}
	return nil
}

func (h sqlServerHandler) InsertAudit(ctx context.Context, db *database.DB, schemaName string, row *database.AuditRow) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (ran_at, source_db, dest_db, masked_tables, row_counts, truncated) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)",
		h.qualify(schemaName, auditTableName))
	_, err := db.Pool.ExecContext(ctx, query,
		row.RanAt, row.SourceDB, row.DestDB, strings.Join(row.MaskedTables, ","), row.RowCounts, row.Truncated)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (h sqlServerHandler) LatestAudit(ctx context.Context, db *database.DB, schemaName string) (*database.AuditRow, error) {
	query := fmt.Sprintf(
		"SELECT TOP 1 ran_at, source_db, dest_db, masked_tables, row_counts, truncated FROM %s ORDER BY ran_at DESC",
		h.qualify(schemaName, auditTableName))

	var row database.AuditRow
	var tables string
	err := db.Pool.QueryRowContext(ctx, query).Scan(
		&row.RanAt, &row.SourceDB, &row.DestDB, &tables, &row.RowCounts, &row.Truncated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read latest audit record: %w", err)
	}
	if tables != "" {
		row.MaskedTables = strings.Split(tables, ",")
	}
	return &row, nil
}

func init() {
	database.RegisterDialectHandler("sqlserver", sqlServerHandler{})
	database.RegisterDialectHandler("cloudsqlsqlserver", sqlServerHandler{})
}
