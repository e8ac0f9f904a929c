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
package profile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dbmask/internal/config"
	"dbmask/internal/database"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
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

func usersTable(rowCount int64) *schema.Table {
	return &schema.Table{
		Schema:   "public",
		Name:     "users",
		RowCount: rowCount,
		Columns: []schema.Column{
			{Name: "id", DataType: "integer"},
			{Name: "email", DataType: "varchar"},
		},
	}
}

func TestProfileTable(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	mockDB.On("CollectColumnStats", ctx, "public", "users", "id", 5, 0).Return(&database.ColumnStats{
		RowCount: 100, NullCount: 0, DistinctCount: 100,
	}, nil)
	mockDB.On("CollectColumnStats", ctx, "public", "users", "email", 5, 0).Return(&database.ColumnStats{
		RowCount: 100, NullCount: 20, DistinctCount: 40,
		TopValues: []database.ValueCount{{Value: "a@x.test", Count: 3}},
	}, nil)

	p := profile.New(mockDB, profile.Options{SampleThreshold: 20000, SampleRows: 5000, TopValues: 5})
	profiles, err := p.ProfileTable(ctx, usersTable(100))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	id := profiles["id"]
	assert.Equal(t, 0.0, id.NullFraction)
	assert.Equal(t, 1.0, id.DistinctFraction)
	assert.False(t, id.Approximate)
	assert.False(t, id.Unknown)

	email := profiles["email"]
	assert.InDelta(t, 0.2, email.NullFraction, 1e-9)
	// Distinct fraction is computed over non-null values.
	assert.InDelta(t, 0.5, email.DistinctFraction, 1e-9)
	assert.Len(t, email.MostCommon, 1)

	mockDB.AssertExpectations(t)
}

func TestProfileTableSwitchesToSample(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	// Above the threshold every column is profiled with the sample limit.
	mockDB.On("CollectColumnStats", ctx, "public", "users", "id", 5, 5000).Return(&database.ColumnStats{
		RowCount: 5000, NullCount: 0, DistinctCount: 5000, Sampled: true,
	}, nil)
	mockDB.On("CollectColumnStats", ctx, "public", "users", "email", 5, 5000).Return(&database.ColumnStats{
		RowCount: 5000, NullCount: 0, DistinctCount: 4800, Sampled: true,
	}, nil)

	p := profile.New(mockDB, profile.Options{SampleThreshold: 20000, SampleRows: 5000, TopValues: 5})
	profiles, err := p.ProfileTable(ctx, usersTable(1000000))
	require.NoError(t, err)

	assert.True(t, profiles["id"].Approximate)
	assert.True(t, profiles["email"].Approximate)
	mockDB.AssertExpectations(t)
}

func TestProfileTableColumnFailureDegradesToUnknown(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	mockDB.On("CollectColumnStats", ctx, "public", "users", "id", 5, 0).Return(nil, errors.New("permission denied"))
	mockDB.On("CollectColumnStats", ctx, "public", "users", "email", 5, 0).Return(&database.ColumnStats{
		RowCount: 10, NullCount: 0, DistinctCount: 10,
	}, nil)

	p := profile.New(mockDB, profile.Options{SampleThreshold: 20000, SampleRows: 5000, TopValues: 5})
	profiles, err := p.ProfileTable(ctx, usersTable(10))
	require.NoError(t, err)

	assert.True(t, profiles["id"].Unknown)
	assert.False(t, profiles["email"].Unknown)
	mockDB.AssertExpectations(t)
}

func TestProfileAll(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	mockDB.On("CollectColumnStats", ctx, "public", "users", mock.Anything, 5, 0).Return(&database.ColumnStats{
		RowCount: 10, NullCount: 0, DistinctCount: 10,
	}, nil)

	snap := &schema.Snapshot{Tables: []*schema.Table{usersTable(10)}}

	p := profile.New(mockDB, profile.Options{SampleThreshold: 20000, SampleRows: 5000, TopValues: 5})
	all, err := p.ProfileAll(ctx, snap)
	require.NoError(t, err)
	require.Contains(t, all, "users")
	assert.Len(t, all["users"], 2)
}

func TestEmptyTableHasZeroFractions(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockDBAdapter)

	mockDB.On("CollectColumnStats", ctx, "public", "users", mock.Anything, 5, 0).Return(&database.ColumnStats{}, nil)

	p := profile.New(mockDB, profile.Options{SampleThreshold: 20000, SampleRows: 5000, TopValues: 5})
	profiles, err := p.ProfileTable(ctx, usersTable(0))
	require.NoError(t, err)

	assert.Equal(t, 0.0, profiles["email"].NullFraction)
	assert.Equal(t, 0.0, profiles["email"].DistinctFraction)
}
