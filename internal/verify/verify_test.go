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
package verify_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbmask/internal/audit"
	"dbmask/internal/config"
	"dbmask/internal/database"
	_ "dbmask/internal/database/postgres"
	"dbmask/internal/schema"
	"dbmask/internal/verify"
)

var auditSelect = regexp.QuoteMeta(`SELECT ran_at, source_db, dest_db, masked_tables, row_counts, truncated FROM "public"."masking_audit"`)

func newMockDB(t *testing.T, dbName string) (*database.DB, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	handler, err := database.GetDialectHandler("postgres")
	require.NoError(t, err)

	return &database.DB{Pool: pool, Handler: handler, Config: config.DatabaseConfig{DBName: dbName}}, mock
}

func verifySnapshot() *schema.Snapshot {
	return schema.NewSnapshot(
		&schema.Table{
			Schema:     "public",
			Name:       "users",
			PrimaryKey: []string{"id"},
			Columns: []schema.Column{
				{Name: "id", DataType: "integer"},
				{Name: "email", DataType: "varchar"},
			},
		},
		&schema.Table{
			Schema:     "public",
			Name:       "orders",
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Column: "user_id", RefTable: "users", RefColumn: "id"},
			},
			Columns: []schema.Column{
				{Name: "id", DataType: "integer"},
				{Name: "user_id", DataType: "integer"},
			},
		},
	)
}

func auditRow(truncated bool, counts string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ran_at", "source_db", "dest_db", "masked_tables", "row_counts", "truncated"}).
		AddRow(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), "prod", "prod_masked", []byte(`{users,orders}`), counts, truncated)
}

func checkByName(t *testing.T, report *verify.Report, name string) verify.Check {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("report has no check named %q", name)
	return verify.Check{}
}

func TestRunFailsWithoutAuditRecord(t *testing.T) {
	src, _ := newMockDB(t, "prod")
	dst, dstMock := newMockDB(t, "prod_masked")

	dstMock.ExpectQuery(auditSelect).
		WillReturnRows(sqlmock.NewRows([]string{"ran_at", "source_db", "dest_db", "masked_tables", "row_counts", "truncated"}))

	report, err := verify.New(src, dst).Run(context.Background(), verifySnapshot())
	require.NoError(t, err)

	assert.False(t, report.Passed)
	assert.Nil(t, report.Audit)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, verify.Fail, report.Checks[0].Status)
}

func TestRunAllChecksPass(t *testing.T) {
	src, srcMock := newMockDB(t, "prod")
	dst, dstMock := newMockDB(t, "prod_masked")

	dstMock.ExpectQuery(auditSelect).WillReturnRows(auditRow(false, `{"orders":1,"users":2}`))

	// Row counts, dest then source per table.
	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders" c LEFT JOIN "public"."users" p`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT "email" FROM "public"."users" LIMIT 1000`)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("user1+a1b2c3@example.test").
			AddRow(nil))

	report, err := verify.New(src, dst).Run(context.Background(), verifySnapshot())
	require.NoError(t, err)

	assert.True(t, report.Passed)
	require.NotNil(t, report.Audit)
	assert.Equal(t, map[string]int64{"users": 2, "orders": 1}, report.Audit.RowCounts)

	assert.Equal(t, verify.Pass, checkByName(t, report, "row count users").Status)
	assert.Equal(t, verify.Pass, checkByName(t, report, "fk orphans orders.user_id").Status)
	assert.Equal(t, verify.Pass, checkByName(t, report, "email format users.email").Status)

	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, dstMock.ExpectationsWereMet())
}

func TestRunComparesCappedRunAgainstAuditedCounts(t *testing.T) {
	src, srcMock := newMockDB(t, "prod")
	dst, dstMock := newMockDB(t, "prod_masked")

	// Only users was audited; orders is reported as skipped.
	dstMock.ExpectQuery(auditSelect).WillReturnRows(auditRow(true, `{"users":1}`))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders" c LEFT JOIN "public"."users" p`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT "email" FROM "public"."users" LIMIT 1000`)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("user1+a1b2c3@example.test"))

	report, err := verify.New(src, dst).Run(context.Background(), verifySnapshot())
	require.NoError(t, err)

	users := checkByName(t, report, "row count users")
	assert.Equal(t, verify.Pass, users.Status)
	assert.Contains(t, users.Detail, "intentionally skipped")

	orders := checkByName(t, report, "row count orders")
	assert.Equal(t, verify.Skip, orders.Status)

	assert.True(t, report.Passed)
}

func TestRunFlagsBadEmails(t *testing.T) {
	src, srcMock := newMockDB(t, "prod")
	dst, dstMock := newMockDB(t, "prod_masked")

	dstMock.ExpectQuery(auditSelect).WillReturnRows(auditRow(false, `{"users":1}`))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders" c LEFT JOIN "public"."users" p`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT "email" FROM "public"."users" LIMIT 1000`)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("still a real name"))

	report, err := verify.New(src, dst).Run(context.Background(), verifySnapshot())
	require.NoError(t, err)

	email := checkByName(t, report, "email format users.email")
	assert.Equal(t, verify.Fail, email.Status)
	assert.False(t, report.Passed)
}

func TestToMarkdown(t *testing.T) {
	report := &verify.Report{
		GeneratedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SourceDB:    "prod",
		DestDB:      "prod_masked",
		Audit: &audit.Record{
			RanAt:        time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
			MaskedTables: []string{"users"},
			Truncated:    true,
		},
		Checks: []verify.Check{
			{Name: "row count users", Status: verify.Pass, Detail: "1 rows"},
			{Name: "email format users.email", Status: verify.Fail, Detail: "1 of 1 sampled values are not valid addresses"},
		},
	}

	md := report.ToMarkdown()
	assert.Contains(t, md, "# Masking Verification: prod vs prod_masked")
	assert.Contains(t, md, "**Result: FAIL**")
	assert.Contains(t, md, "(row-capped run)")
	assert.Contains(t, md, "- [PASS] row count users: 1 rows")
	assert.Contains(t, md, "- [FAIL] email format users.email")
}
