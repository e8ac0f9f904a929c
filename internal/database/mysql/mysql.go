package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/go-sql-driver/mysql"

	"dbmask/internal/config"
	"dbmask/internal/database"
)

type mysqlHandler struct{}

var _ database.DialectHandler = (*mysqlHandler)(nil)

func (h mysqlHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.User == "" || cfg.Password == "" || cfg.DBName == "" || cfg.CloudSQLInstanceConnectionName == "" {
		return nil, fmt.Errorf("missing required CloudSQL connection parameter (user, pass, db, instance)")
	}
	instanceConnectionName := cfg.CloudSQLInstanceConnectionName

	d, err := cloudsqlconn.NewDialer(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn.NewDialer: %w", err)
	}

	var opts []cloudsqlconn.DialOption
	if cfg.UsePrivateIP {
		opts = append(opts, cloudsqlconn.WithPrivateIP())
	}

	network := fmt.Sprintf("cloudsql-%s", instanceConnectionName)

	mysql.RegisterDialContext(network,
		func(ctx context.Context, addr string) (net.Conn, error) {
			conn, dialErr := d.Dial(ctx, instanceConnectionName, opts...)
			if dialErr != nil {
				log.Printf("ERROR: Cloud SQL dial failed for %s: %v", instanceConnectionName, dialErr)
			}
			return conn, dialErr
		})

	mysqlCfg := mysql.Config{
		User:                 cfg.User,
		Passwd:               cfg.Password,
		Net:                  network,
		Addr:                 instanceConnectionName,
		DBName:               cfg.DBName,
		AllowNativePasswords: true,
		ParseTime:            true,
	}

	dbPool, err := sql.Open("mysql", mysqlCfg.FormatDSN())
	if err != nil {
		mysql.DeregisterDialContext(network)
		d.Close()
		return nil, fmt.Errorf("sql.Open failed for CloudSQL MySQL: %w", err)
	}
	return dbPool, nil
}

func (h mysqlHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	mysqlCfg := mysql.Config{
		User:                 cfg.User,
		Passwd:               cfg.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DBName:               cfg.DBName,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	connStr := mysqlCfg.FormatDSN()

	dbPool, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, fmt.Errorf("sql.Open (standard mysql): %w", err)
	}
	return dbPool, nil
}

func (h mysqlHandler) QuoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, "`", "``")
	return fmt.Sprintf("`%s`", name)
}

func (h mysqlHandler) Placeholder(index int) string {
	return "?"
}

// qualify builds schema.table. On MySQL the schema is the database name.
func (h mysqlHandler) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		return h.QuoteIdentifier(tableName)
	}
	return h.QuoteIdentifier(schemaName) + "." + h.QuoteIdentifier(tableName)
}

// schemaExpr is the TABLE_SCHEMA filter. An empty schema name means the
// database of the current connection.
func schemaFilter(schemaName string) (string, []interface{}) {
	if schemaName == "" {
		return "TABLE_SCHEMA = DATABASE()", nil
	}
	return "TABLE_SCHEMA = ?", []interface{}{schemaName}
}

// SchemaExists checks information_schema.SCHEMATA. An empty schema name
// means the database of the current connection.
func (h mysqlHandler) SchemaExists(ctx context.Context, db *database.DB, schemaName string) (bool, error) {
	cond := "SCHEMA_NAME = ?"
	var args []interface{}
	if schemaName == "" {
		cond = "SCHEMA_NAME = DATABASE()"
	} else {
		args = append(args, schemaName)
	}
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM information_schema.SCHEMATA WHERE %s)", cond)

	var exists bool
	if err := db.Pool.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", schemaName, err)
	}
	return exists, nil
}

func (h mysqlHandler) ListTables(ctx context.Context, db *database.DB, schemaName string) ([]string, error) {
	filter, args := schemaFilter(schemaName)
	query := fmt.Sprintf(
		"SELECT TABLE_NAME FROM information_schema.TABLES WHERE %s AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
		filter)

	rows, err := db.Pool.QueryContext(ctx, query, args...)
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

func (h mysqlHandler) ListColumns(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ColumnInfo, error) {
	filter, args := schemaFilter(schemaName)
	query := fmt.Sprintf(`
		  SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT
		  FROM information_schema.COLUMNS
		  WHERE %s
			AND TABLE_NAME = ?
		  ORDER BY ORDINAL_POSITION;`, filter)
	args = append(args, tableName)

	rows, err := db.Pool.QueryContext(ctx, query, args...)
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

func (h mysqlHandler) ListPrimaryKey(ctx context.Context, db *database.DB, schemaName, tableName string) ([]string, error) {
	filter, args := schemaFilter(schemaName)
	query := fmt.Sprintf(`
		SELECT COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE %s
		  AND TABLE_NAME = ?
		  AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION;`, filter)
	args = append(args, tableName)

	rows, err := db.Pool.QueryContext(ctx, query, args...)
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

func (h mysqlHandler) ListForeignKeys(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.ForeignKeyInfo, error) {
	filter, args := schemaFilter(schemaName)
	query := fmt.Sprintf(`
		SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE %s
		  AND TABLE_NAME = ?
		  AND REFERENCED_TABLE_NAME IS NOT NULL;`, filter)
	args = append(args, tableName)

	rows, err := db.Pool.QueryContext(ctx, query, args...)
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

func (h mysqlHandler) ListIndexes(ctx context.Context, db *database.DB, schemaName, tableName string) ([]database.IndexInfo, error) {
	filter, args := schemaFilter(schemaName)
	query := fmt.Sprintf(`
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE %s
		  AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX;`, filter)
	args = append(args, tableName)

	rows, err := db.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for %s: %w", tableName, err)
	}
	defer rows.Close()

	var indexes []database.IndexInfo
	byName := make(map[string]int)
	for rows.Next() {
		var name, column string
		var nonUnique int
		if err := rows.Scan(&name, &nonUnique, &column); err != nil {
			return nil, fmt.Errorf("failed to scan index info: %w", err)
		}
		if i, ok := byName[name]; ok {
			indexes[i].Columns = append(indexes[i].Columns, column)
			continue
		}
		byName[name] = len(indexes)
		indexes = append(indexes, database.IndexInfo{Name: name, Columns: []string{column}, Unique: nonUnique == 0})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}
	return indexes, nil
}

func (h mysqlHandler) RowCount(ctx context.Context, db *database.DB, schemaName, tableName string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", h.qualify(schemaName, tableName))
	var count int64
	if err := db.Pool.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", tableName, err)
	}
	return count, nil
}

func (h mysqlHandler) CollectColumnStats(ctx context.Context, db *database.DB, schemaName, tableName, columnName string, topN, sampleLimit int) (*database.ColumnStats, error) {
	quotedColumn := h.QuoteIdentifier(columnName)
	source := h.qualify(schemaName, tableName)
	sampled := sampleLimit > 0
	if sampled {
		source = fmt.Sprintf("(SELECT %s FROM %s ORDER BY RAND() LIMIT %d) AS sample",
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
		"SELECT CAST(%s AS CHAR), COUNT(*) AS c FROM %s WHERE %s IS NOT NULL GROUP BY 1 ORDER BY c DESC, 1 LIMIT %d",
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

func (h mysqlHandler) SelectQuery(schemaName, tableName string, columns, orderBy []string, limit int) string {
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

func (h mysqlHandler) InsertQuery(schemaName, tableName string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = h.QuoteIdentifier(c)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		h.qualify(schemaName, tableName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}

// TruncateQuery uses DELETE because MySQL refuses TRUNCATE on tables that
// are referenced by foreign keys. The engine empties tables children-first.
func (h mysqlHandler) TruncateQuery(schemaName, tableName string) string {
	return fmt.Sprintf("DELETE FROM %s", h.qualify(schemaName, tableName))
}

const auditTableName = "masking_audit"

func (h mysqlHandler) EnsureAuditTable(ctx context.Context, db *database.DB, schemaName string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ran_at DATETIME NOT NULL,
		source_db VARCHAR(255) NOT NULL,
		dest_db VARCHAR(255) NOT NULL,
		masked_tables TEXT NOT NULL,
		row_counts TEXT NOT NULL,
		truncated BOOLEAN NOT NULL DEFAULT FALSE
	)`, h.qualify(schemaName, auditTableName))
	if _, err := db.Pool.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure audit table: %w", err)
	}
	return nil
}

func (h mysqlHandler) InsertAudit(ctx context.Context, db *database.DB, schemaName string, row *database.AuditRow) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (ran_at, source_db, dest_db, masked_tables, row_counts, truncated) VALUES (?, ?, ?, ?, ?, ?)",
		h.qualify(schemaName, auditTableName))
	_, err := db.Pool.ExecContext(ctx, query,
		row.RanAt, row.SourceDB, row.DestDB, strings.Join(row.MaskedTables, ","), row.RowCounts, row.Truncated)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (h mysqlHandler) LatestAudit(ctx context.Context, db *database.DB, schemaName string) (*database.AuditRow, error) {
	query := fmt.Sprintf(
		"SELECT ran_at, source_db, dest_db, masked_tables, row_counts, truncated FROM %s ORDER BY ran_at DESC LIMIT 1",
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
	database.RegisterDialectHandler("mysql", mysqlHandler{})
	database.RegisterDialectHandler("cloudsqlmysql", mysqlHandler{})
}
