package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"dbmask/internal/config"
)

// DBAdapter defines the interface for database operations needed by the
// masking pipeline.
type DBAdapter interface {
	SchemaExists(ctx context.Context, schemaName string) (bool, error)
	ListTables(ctx context.Context, schemaName string) ([]string, error)
	ListColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error)
	ListPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error)
	ListForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error)
	ListIndexes(ctx context.Context, schemaName, tableName string) ([]IndexInfo, error)
	RowCount(ctx context.Context, schemaName, tableName string) (int64, error)
	CollectColumnStats(ctx context.Context, schemaName, tableName, columnName string, topN, sampleLimit int) (*ColumnStats, error)
	Ping(ctx context.Context) error
	Close() error
	GetConfig() config.DatabaseConfig
}

var _ DBAdapter = (*DB)(nil)

// DB holds the database connection pool and dialect handler.
type DB struct {
	Pool    *sql.DB
	Handler DialectHandler
	Config  config.DatabaseConfig
}

// ColumnInfo holds basic information about a database column.
type ColumnInfo struct {
	Name       string
	DataType   string
	IsNullable bool
	Default    sql.NullString
}

// ForeignKeyInfo describes one foreign-key constraint column.
type ForeignKeyInfo struct {
	Column    string
	RefTable  string
	RefColumn string
}

// IndexInfo describes one index on a table.
type IndexInfo struct {
	Name    string
	Columns []string
	Unique  bool
}

// ValueCount is one most-common value with its occurrence count.
type ValueCount struct {
	Value string
	Count int64
}

// ColumnStats holds raw per-column aggregates collected from the source.
// The profiler turns these into fractions.
type ColumnStats struct {
	RowCount      int64
	NullCount     int64
	DistinctCount int64
	TopValues     []ValueCount
	Sampled       bool
}

// AuditRow is the wire shape of one masking_audit record. MaskedTables is a
// TEXT[] on PostgreSQL and a comma-joined TEXT elsewhere; RowCounts is a
// JSON-encoded map either way.
type AuditRow struct {
	RanAt        time.Time
	SourceDB     string
	DestDB       string
	MaskedTables []string
	RowCounts    string
	Truncated    bool
}

var (
	dialectHandlers = make(map[string]DialectHandler)
	mu              sync.RWMutex
)

func RegisterDialectHandler(dialect string, handler DialectHandler) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := dialectHandlers[dialect]; exists {
		log.Printf("WARN: Dialect handler for '%s' is being overwritten.", dialect)
	}
	dialectHandlers[dialect] = handler
}

func GetDialectHandler(dialect string) (DialectHandler, error) {
	mu.RLock()
	defer mu.RUnlock()
	handler, ok := dialectHandlers[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}
	return handler, nil
}

func New(cfg config.DatabaseConfig) (*DB, error) {
	handler, err := GetDialectHandler(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	var pool *sql.DB
	if strings.HasPrefix(cfg.Dialect, "cloudsql") {
		pool, err = handler.CreateCloudSQLPool(cfg)
	} else {
		pool, err = handler.CreateStandardPool(cfg)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create database pool for dialect %s: %w", cfg.Dialect, err)
	}

	ctx := context.Background()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database (ping failed) for dialect %s: %w", cfg.Dialect, err)
	}

	return &DB{
		Pool:    pool,
		Handler: handler,
		Config:  cfg,
	}, nil
}

func (db *DB) GetConfig() config.DatabaseConfig {
	return db.Config
}

func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database connection pool is not initialized")
	}
	return db.Pool.PingContext(ctx)
}

func (db *DB) Close() error {
	if db.Pool != nil {
		return db.Pool.Close()
	}
	log.Println("WARN: Attempted to close a nil database connection pool.")
	return nil
}

func (db *DB) SchemaExists(ctx context.Context, schemaName string) (bool, error) {
	if db.Handler == nil {
		return false, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.SchemaExists(ctx, db, schemaName)
}

func (db *DB) ListTables(ctx context.Context, schemaName string) ([]string, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.ListTables(ctx, db, schemaName)
}

func (db *DB) ListColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.ListColumns(ctx, db, schemaName, tableName)
}

func (db *DB) ListPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.ListPrimaryKey(ctx, db, schemaName, tableName)
}

func (db *DB) ListForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.ListForeignKeys(ctx, db, schemaName, tableName)
}

func (db *DB) ListIndexes(ctx context.Context, schemaName, tableName string) ([]IndexInfo, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.ListIndexes(ctx, db, schemaName, tableName)
}

func (db *DB) RowCount(ctx context.Context, schemaName, tableName string) (int64, error) {
	if db.Handler == nil {
		return 0, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.RowCount(ctx, db, schemaName, tableName)
}

func (db *DB) CollectColumnStats(ctx context.Context, schemaName, tableName, columnName string, topN, sampleLimit int) (*ColumnStats, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	return db.Handler.CollectColumnStats(ctx, db, schemaName, tableName, columnName, topN, sampleLimit)
}

// DialectHandler abstracts everything the pipeline needs that differs
// between database engines. Handlers register themselves from init() in
// their subpackage.
type DialectHandler interface {
	CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error)
	CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error)

	QuoteIdentifier(name string) string
	Placeholder(index int) string

	SchemaExists(ctx context.Context, db *DB, schemaName string) (bool, error)
	ListTables(ctx context.Context, db *DB, schemaName string) ([]string, error)
	ListColumns(ctx context.Context, db *DB, schemaName, tableName string) ([]ColumnInfo, error)
	ListPrimaryKey(ctx context.Context, db *DB, schemaName, tableName string) ([]string, error)
	ListForeignKeys(ctx context.Context, db *DB, schemaName, tableName string) ([]ForeignKeyInfo, error)
	ListIndexes(ctx context.Context, db *DB, schemaName, tableName string) ([]IndexInfo, error)

	RowCount(ctx context.Context, db *DB, schemaName, tableName string) (int64, error)
	CollectColumnStats(ctx context.Context, db *DB, schemaName, tableName, columnName string, topN, sampleLimit int) (*ColumnStats, error)

	SelectQuery(schemaName, tableName string, columns, orderBy []string, limit int) string
	InsertQuery(schemaName, tableName string, columns []string) string
	TruncateQuery(schemaName, tableName string) string

	EnsureAuditTable(ctx context.Context, db *DB, schemaName string) error
	InsertAudit(ctx context.Context, db *DB, schemaName string, row *AuditRow) error
	LatestAudit(ctx context.Context, db *DB, schemaName string) (*AuditRow, error)
}
