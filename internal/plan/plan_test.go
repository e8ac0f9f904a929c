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
package plan_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"dbmask/internal/classify"
	"dbmask/internal/plan"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
	"dbmask/internal/transform"
)

func storeSnapshot() *schema.Snapshot {
	return schema.NewSnapshot(
		&schema.Table{
			Schema:     "public",
			Name:       "users",
			PrimaryKey: []string{"id"},
			Columns: []schema.Column{
				{Name: "id", DataType: "integer"},
				{Name: "email", DataType: "varchar"},
				{Name: "full_name", DataType: "varchar"},
				{Name: "password", DataType: "varchar"},
				{Name: "status", DataType: "varchar"},
				{Name: "created_at", DataType: "timestamp"},
			},
			Indexes: []schema.Index{
				{Name: "users_email_key", Columns: []string{"email"}, Unique: true},
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
				{Name: "total", DataType: "numeric"},
			},
		},
	)
}

func storeProfiles() map[string]profile.TableProfile {
	return map[string]profile.TableProfile{
		"users": {
			"id":         {RowCount: 100, DistinctFraction: 1.0},
			"email":      {RowCount: 100, DistinctFraction: 1.0},
			"full_name":  {RowCount: 100, DistinctFraction: 0.98},
			"password":   {RowCount: 100, DistinctFraction: 1.0},
			"status":     {RowCount: 100, DistinctFraction: 0.03},
			"created_at": {RowCount: 100, DistinctFraction: 0.9},
		},
		"orders": {
			"id":      {RowCount: 50, DistinctFraction: 1.0},
			"user_id": {RowCount: 50, DistinctFraction: 0.8},
			"total":   {RowCount: 50, DistinctFraction: 0.6},
		},
	}
}

func newResolver(m *plan.Mapping) *plan.Resolver {
	return &plan.Resolver{
		Mapping:       m,
		MediumDefault: plan.MediumPassthrough,
		BcryptCost:    4,
		Seed:          1234,
	}
}

func TestResolveDefaultMapping(t *testing.T) {
	snap := storeSnapshot()
	r := newResolver(plan.DefaultMapping())

	p, err := r.Resolve(snap, storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "orders"}, p.Order)
	assert.Equal(t, int64(1234), p.Seed)

	users := p.Tables["users"]
	require.NotNil(t, users)

	email := users.Spec("email")
	require.NotNil(t, email)
	assert.Equal(t, "faker.email", email.Transform)
	assert.Equal(t, plan.SourceMapping, email.Source)
	assert.True(t, email.Unique)

	password := users.Spec("password")
	require.NotNil(t, password)
	assert.Equal(t, "hash.bcrypt", password.Transform)
	require.NotNil(t, password.Options)
	assert.Equal(t, 4, password.Options.BcryptCost)

	// Primary keys stay passthrough even though the classifier would not
	// have chosen that for an id column.
	id := users.Spec("id")
	require.NotNil(t, id)
	assert.Equal(t, "passthrough", id.Transform)
	assert.Equal(t, plan.SourceConstraint, id.Source)

	userID := p.Tables["orders"].Spec("user_id")
	require.NotNil(t, userID)
	assert.Equal(t, "passthrough", userID.Transform)
	assert.Equal(t, plan.SourceConstraint, userID.Source)
}

func TestResolveMappingOverridesClassifier(t *testing.T) {
	snap := storeSnapshot()
	m := &plan.Mapping{Tables: map[string]plan.TableMapping{
		"users": {Columns: map[string]plan.ColumnRule{
			"status": {Transform: "enum.choice", Options: &transform.Options{Choices: []string{"active", "disabled"}}},
		}},
	}}

	p, err := newResolver(m).Resolve(snap, storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	status := p.Tables["users"].Spec("status")
	require.NotNil(t, status)
	assert.Equal(t, "enum.choice", status.Transform)
	assert.Equal(t, plan.SourceMapping, status.Source)
}

func TestResolveKeyColumnMappingIsForcedToPassthrough(t *testing.T) {
	snap := storeSnapshot()
	m := &plan.Mapping{Tables: map[string]plan.TableMapping{
		"users": {Columns: map[string]plan.ColumnRule{
			"id": {Transform: "number.int"},
		}},
	}}

	p, err := newResolver(m).Resolve(snap, storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	id := p.Tables["users"].Spec("id")
	assert.Equal(t, "passthrough", id.Transform)
	assert.Equal(t, plan.SourceConstraint, id.Source)
}

func TestResolveClassifierDefaults(t *testing.T) {
	snap := storeSnapshot()

	// Without mapping entries the HIGH-tier columns get generated values
	// and the LOW/MEDIUM ones pass through.
	p, err := newResolver(nil).Resolve(snap, storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	users := p.Tables["users"]
	assert.Equal(t, "faker.email", users.Spec("email").Transform)
	assert.Equal(t, "faker.name", users.Spec("full_name").Transform)
	assert.Equal(t, "hash.bcrypt", users.Spec("password").Transform)
	assert.Equal(t, plan.SourceClassifier, users.Spec("email").Source)

	assert.Equal(t, "passthrough", users.Spec("status").Transform)
	assert.Equal(t, "passthrough", users.Spec("created_at").Transform)
	assert.Equal(t, "passthrough", p.Tables["orders"].Spec("total").Transform)
}

func TestResolveMediumGenerate(t *testing.T) {
	snap := storeSnapshot()
	r := newResolver(nil)
	r.MediumDefault = plan.MediumGenerate

	p, err := r.Resolve(snap, storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	status := p.Tables["users"].Spec("status")
	assert.Equal(t, classify.Medium, status.Tier)
	assert.Equal(t, "faker.word", status.Transform)

	// LOW columns still pass through under the generate policy.
	assert.Equal(t, "passthrough", p.Tables["orders"].Spec("total").Transform)
}

func TestResolveRejectsBadMediumDefault(t *testing.T) {
	r := newResolver(nil)
	r.MediumDefault = "sometimes"
	_, err := r.Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "medium-risk default")
}

func TestResolveRejectsUnknownTransform(t *testing.T) {
	m := &plan.Mapping{Tables: map[string]plan.TableMapping{
		"users": {Columns: map[string]plan.ColumnRule{
			"status": {Transform: "faker.nope"},
		}},
	}}

	_, err := newResolver(m).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.Error(t, err)

	var unknownErr *transform.UnknownTransformError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestResolveRejectsUnknownMappedColumn(t *testing.T) {
	m := &plan.Mapping{Tables: map[string]plan.TableMapping{
		"users": {Columns: map[string]plan.ColumnRule{
			"no_such_column": {Transform: "faker.word"},
		}},
	}}

	_, err := newResolver(m).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_column")
}

func TestResolveIgnoresUnknownMappedTable(t *testing.T) {
	// The built-in default mapping names tables not every source has, so
	// an unknown table is a warning rather than an error.
	m := &plan.Mapping{Tables: map[string]plan.TableMapping{
		"no_such_table": {Columns: map[string]plan.ColumnRule{
			"x": {Transform: "faker.word"},
		}},
	}}

	_, err := newResolver(m).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)
}

func TestResolveIsIdempotent(t *testing.T) {
	snap := storeSnapshot()
	profiles := storeProfiles()
	order := []string{"users", "orders"}

	first, err := newResolver(plan.DefaultMapping()).Resolve(snap, profiles, order)
	require.NoError(t, err)
	second, err := newResolver(plan.DefaultMapping()).Resolve(snap, profiles, order)
	require.NoError(t, err)

	assert.True(t, reflect.DeepEqual(first.Tables["users"].Specs, second.Tables["users"].Specs))
	assert.True(t, reflect.DeepEqual(first.Tables["orders"].Specs, second.Tables["orders"].Specs))
}

func TestMaskedColumns(t *testing.T) {
	p, err := newResolver(plan.DefaultMapping()).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	masked := p.Tables["users"].MaskedColumns()
	assert.ElementsMatch(t, []string{"email", "full_name", "password"}, masked)
	assert.Empty(t, p.Tables["orders"].MaskedColumns())
}

func TestMappingSkeleton(t *testing.T) {
	p, err := newResolver(nil).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	skeleton := p.MappingSkeleton()

	users, ok := skeleton.Tables["users"]
	require.True(t, ok)
	assert.Equal(t, "faker.email", users.Columns["email"].Transform)
	assert.Equal(t, "faker.name", users.Columns["full_name"].Transform)
	assert.Equal(t, "hash.bcrypt", users.Columns["password"].Transform)

	// Passthrough columns and key columns never make it into the draft.
	_, hasID := users.Columns["id"]
	assert.False(t, hasID)
	_, hasStatus := users.Columns["status"]
	assert.False(t, hasStatus)

	// Tables copied verbatim are left out entirely.
	_, hasOrders := skeleton.Tables["orders"]
	assert.False(t, hasOrders)
}

func TestMappingSkeletonRoundTrips(t *testing.T) {
	p, err := newResolver(nil).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)

	raw, err := yaml.Marshal(p.MappingSkeleton())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "draft.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	// The written draft is a valid mapping a later run can resolve with.
	m, err := plan.LoadMapping(path)
	require.NoError(t, err)
	_, err = newResolver(m).Resolve(storeSnapshot(), storeProfiles(), []string{"users", "orders"})
	require.NoError(t, err)
}

func TestLoadMapping(t *testing.T) {
	doc := `tables:
  users:
    columns:
      email:
        transform: faker.email
      status:
        transform: enum.choice
        options:
          choices: [active, disabled]
          salt: pepper
`
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m, err := plan.LoadMapping(path)
	require.NoError(t, err)

	users, ok := m.Tables["users"]
	require.True(t, ok)
	assert.Equal(t, "faker.email", users.Columns["email"].Transform)

	status := users.Columns["status"]
	assert.Equal(t, "enum.choice", status.Transform)
	require.NotNil(t, status.Options)
	assert.Equal(t, []string{"active", "disabled"}, status.Options.Choices)
	assert.Equal(t, "pepper", status.Options.Salt)
}

func TestLoadMappingRejectsUnknownFields(t *testing.T) {
	doc := `tables:
  users:
    colums:
      email:
        transform: faker.email
`
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := plan.LoadMapping(path)
	require.Error(t, err)
}

func TestDefaultMappingCoversAccountShape(t *testing.T) {
	m := plan.DefaultMapping()
	assert.Equal(t, "faker.email", m.Tables["users"].Columns["email"].Transform)
	assert.Equal(t, "faker.name", m.Tables["users"].Columns["full_name"].Transform)
	assert.Equal(t, "hash.bcrypt", m.Tables["users"].Columns["password"].Transform)
	assert.Equal(t, "faker.sentence", m.Tables["reviews"].Columns["comment"].Transform)
}
