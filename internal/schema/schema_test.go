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
package schema

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dbmask/internal/config"
	"dbmask/internal/database"
)

// MockDBAdapter is a mock implementation of the database.DBAdapter interface.
type MockDBAdapter struct {
	mock.Mock
}

func (m *MockDBAdapter) SchemaExists(ctx context.Context, schemaName string) (bool, error) {
	args := m.Called(ctx, schemaName)
	return args.Bool(0), args.Error(1)
}

func (m *MockDBAdapter) ListTables(ctx context.Context, schemaName string) ([]string, error) {
	args := m.Called(ctx, schemaName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDBAdapter) ListColumns(ctx context.Context, schemaName, tableName string) ([]database.ColumnInfo, error) {
	args := m.Called(ctx, schemaName, tableName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.ColumnInfo), args.Error(1)
}

func (m *MockDBAdapter) ListPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	args := m.Called(ctx, schemaName, tableName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDBAdapter) ListForeignKeys(ctx context.Context, schemaName, tableName string) ([]database.ForeignKeyInfo, error) {
	args := m.Called(ctx, schemaName, tableName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.ForeignKeyInfo), args.Error(1)
}

func (m *MockDBAdapter) ListIndexes(ctx context.Context, schemaName, tableName string) ([]database.IndexInfo, error) {
	args := m.Called(ctx, schemaName, tableName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.IndexInfo), args.Error(1)
}

func (m *MockDBAdapter) RowCount(ctx context.Context, schemaName, tableName string) (int64, error) {
	args := m.Called(ctx, schemaName, tableName)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDBAdapter) CollectColumnStats(ctx context.Context, schemaName, tableName, columnName string, topN, sampleLimit int) (*database.ColumnStats, error) {
	args := m.Called(ctx, schemaName, tableName, columnName, topN, sampleLimit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.ColumnStats), args.Error(1)
}

func (m *MockDBAdapter) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDBAdapter) Close() error {
	return m.Called().Error(0)
}

func (m *MockDBAdapter) GetConfig() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func TestIntrospect(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	mockDB.On("SchemaExists", ctx, "public").Return(true, nil)
	mockDB.On("ListTables", ctx, "public").Return([]string{"users", "orders"}, nil)

	mockDB.On("ListColumns", ctx, "public", "users").Return([]database.ColumnInfo{
		{Name: "id", DataType: "integer", IsNullable: false},
		{Name: "email", DataType: "varchar", IsNullable: false},
		{Name: "bio", DataType: "text", IsNullable: true, Default: sql.NullString{String: "''", Valid: true}},
	}, nil)
	mockDB.On("ListPrimaryKey", ctx, "public", "users").Return([]string{"id"}, nil)
	mockDB.On("ListForeignKeys", ctx, "public", "users").Return([]database.ForeignKeyInfo{}, nil)
	mockDB.On("ListIndexes", ctx, "public", "users").Return([]database.IndexInfo{
		{Name: "users_email_key", Columns: []string{"email"}, Unique: true},
	}, nil)
	mockDB.On("RowCount", ctx, "public", "users").Return(int64(42), nil)

	mockDB.On("ListColumns", ctx, "public", "orders").Return([]database.ColumnInfo{
		{Name: "id", DataType: "integer", IsNullable: false},
		{Name: "user_id", DataType: "integer", IsNullable: false},
	}, nil)
	mockDB.On("ListPrimaryKey", ctx, "public", "orders").Return([]string{"id"}, nil)
	mockDB.On("ListForeignKeys", ctx, "public", "orders").Return([]database.ForeignKeyInfo{
		{Column: "user_id", RefTable: "users", RefColumn: "id"},
	}, nil)
	mockDB.On("ListIndexes", ctx, "public", "orders").Return([]database.IndexInfo{}, nil)
	mockDB.On("RowCount", ctx, "public", "orders").Return(int64(7), nil)

	snap, err := Introspect(ctx, mockDB, []string{"public"})
	require.NoError(t, err)
	require.Len(t, snap.Tables, 2)

	users := snap.Table("users")
	require.NotNil(t, users)
	assert.Equal(t, int64(42), users.RowCount)
	assert.Equal(t, []string{"id"}, users.PrimaryKey)
	assert.True(t, users.Column("bio").HasDefault)
	assert.True(t, users.Column("bio").Nullable)
	assert.True(t, users.HasUniqueConstraint("email"))
	assert.True(t, users.HasUniqueConstraint("id"))
	assert.False(t, users.HasUniqueConstraint("bio"))

	orders := snap.Table("orders")
	require.NotNil(t, orders)
	require.NotNil(t, orders.ForeignKeyFor("user_id"))
	assert.Equal(t, "users", orders.ForeignKeyFor("user_id").RefTable)
	assert.Nil(t, orders.ForeignKeyFor("id"))
	assert.True(t, orders.IsPrimaryKey("id"))
	assert.False(t, orders.IsPrimaryKey("user_id"))

	mockDB.AssertExpectations(t)
}

func TestIntrospectTableFailureIsWrapped(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	boom := errors.New("connection reset")
	mockDB.On("SchemaExists", ctx, "public").Return(true, nil)
	mockDB.On("ListTables", ctx, "public").Return([]string{"users"}, nil)
	mockDB.On("ListColumns", ctx, "public", "users").Return(nil, boom)

	_, err := Introspect(ctx, mockDB, []string{"public"})
	require.Error(t, err)

	var introspectErr *IntrospectError
	require.ErrorAs(t, err, &introspectErr)
	assert.Equal(t, "users", introspectErr.Table)
	assert.ErrorIs(t, err, boom)
}

func TestIntrospectRejectsDuplicateTableNames(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	for _, schemaName := range []string{"sales", "billing"} {
		mockDB.On("SchemaExists", ctx, schemaName).Return(true, nil)
		mockDB.On("ListTables", ctx, schemaName).Return([]string{"invoices"}, nil)
		mockDB.On("ListColumns", ctx, schemaName, "invoices").Return([]database.ColumnInfo{
			{Name: "id", DataType: "integer"},
		}, nil)
		mockDB.On("ListPrimaryKey", ctx, schemaName, "invoices").Return([]string{"id"}, nil)
		mockDB.On("ListForeignKeys", ctx, schemaName, "invoices").Return([]database.ForeignKeyInfo{}, nil)
		mockDB.On("ListIndexes", ctx, schemaName, "invoices").Return([]database.IndexInfo{}, nil)
		mockDB.On("RowCount", ctx, schemaName, "invoices").Return(int64(0), nil)
	}

	_, err := Introspect(ctx, mockDB, []string{"sales", "billing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoices")
}

func TestIntrospectRejectsUnknownSchema(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	// A misspelled schema name must fail the run, not introspect as an
	// empty snapshot that masks nothing and still audits success.
	mockDB.On("SchemaExists", ctx, "publik").Return(false, nil)

	snap, err := Introspect(ctx, mockDB, []string{"publik"})
	require.Error(t, err)
	assert.Nil(t, snap)

	var unknownErr *UnknownSchemaError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "publik", unknownErr.Schema)
	mockDB.AssertNotCalled(t, "ListTables", ctx, "publik")
}

func TestDependencyOrder(t *testing.T) {
	tests := []struct {
		name   string
		snap   *Snapshot
		expect []string
	}{
		{
			name: "linear chain",
			snap: NewSnapshot(
				&Table{Name: "order_items", ForeignKeys: []ForeignKey{{Column: "order_id", RefTable: "orders", RefColumn: "id"}}},
				&Table{Name: "orders", ForeignKeys: []ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}}},
				&Table{Name: "users"},
			),
			expect: []string{"users", "orders", "order_items"},
		},
		{
			name: "ties break alphabetically",
			snap: NewSnapshot(
				&Table{Name: "zebra"},
				&Table{Name: "apple"},
				&Table{Name: "mango"},
			),
			expect: []string{"apple", "mango", "zebra"},
		},
		{
			name: "self reference ignored",
			snap: NewSnapshot(
				&Table{Name: "employees", ForeignKeys: []ForeignKey{{Column: "manager_id", RefTable: "employees", RefColumn: "id"}}},
			),
			expect: []string{"employees"},
		},
		{
			name: "reference outside snapshot ignored",
			snap: NewSnapshot(
				&Table{Name: "orders", ForeignKeys: []ForeignKey{{Column: "region_id", RefTable: "regions", RefColumn: "id"}}},
			),
			expect: []string{"orders"},
		},
		{
			name: "diamond",
			snap: NewSnapshot(
				&Table{Name: "users"},
				&Table{Name: "orders", ForeignKeys: []ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}}},
				&Table{Name: "reviews", ForeignKeys: []ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}}},
				&Table{Name: "audit_trail", ForeignKeys: []ForeignKey{
					{Column: "order_id", RefTable: "orders", RefColumn: "id"},
					{Column: "review_id", RefTable: "reviews", RefColumn: "id"},
				}},
			),
			expect: []string{"users", "orders", "reviews", "audit_trail"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := tt.snap.DependencyOrder(nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, order)
		})
	}
}

func TestDependencyOrderCycle(t *testing.T) {
	snap := NewSnapshot(
		&Table{Name: "a", ForeignKeys: []ForeignKey{{Column: "b_id", RefTable: "b", RefColumn: "id"}}},
		&Table{Name: "b", ForeignKeys: []ForeignKey{{Column: "a_id", RefTable: "a", RefColumn: "id"}}},
	)

	_, err := snap.DependencyOrder(nil)
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Tables)

	// A manual full ordering breaks the cycle.
	order, err := snap.DependencyOrder([]string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestDependencyOrderOverrideValidation(t *testing.T) {
	snap := NewSnapshot(
		&Table{Name: "users"},
		&Table{Name: "orders"},
	)

	tests := []struct {
		name     string
		override []string
		wantErr  string
	}{
		{"unknown table", []string{"users", "nope"}, "unknown table"},
		{"duplicate table", []string{"users", "users"}, "twice"},
		{"incomplete", []string{"users"}, "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := snap.DependencyOrder(tt.override)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
