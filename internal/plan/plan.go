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

// Package plan merges the declarative column mapping with classifier
// defaults into a fully resolved masking plan. The masking engine never
// starts against a plan with an undecided column.
package plan

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"dbmask/internal/classify"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
	"dbmask/internal/transform"
)

// ColumnRule is one mapping entry for a column.
type ColumnRule struct {
	Transform string             `yaml:"transform"`
	Options   *transform.Options `yaml:"options"`
}

// TableMapping holds the rules of one table.
type TableMapping struct {
	Columns map[string]ColumnRule `yaml:"columns"`
}

// Mapping is the declarative masking mapping document.
type Mapping struct {
	Tables map[string]TableMapping `yaml:"tables"`
}

// LoadMapping reads a mapping document from a YAML file. Unknown fields
// are rejected so typos surface as configuration errors.
func LoadMapping(path string) (*Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file %s: %w", path, err)
	}
	var m Mapping
	if err := yaml.UnmarshalStrict(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}
	return &m, nil
}

// DefaultMapping is the built-in mapping used when no file is given. It
// covers the common account and review shapes.
func DefaultMapping() *Mapping {
	return &Mapping{
		Tables: map[string]TableMapping{
			"users": {Columns: map[string]ColumnRule{
				"email":     {Transform: "faker.email"},
				"full_name": {Transform: "faker.name"},
				"password":  {Transform: "hash.bcrypt"},
			}},
			"reviews": {Columns: map[string]ColumnRule{
				"comment": {Transform: "faker.sentence"},
			}},
		},
	}
}

// Source records where a resolved transform came from.
type Source string

const (
	// SourceMapping marks transforms set by an explicit mapping entry.
	SourceMapping Source = "mapping"
	// SourceClassifier marks transforms defaulted from the risk tier.
	SourceClassifier Source = "classifier"
	// SourceConstraint marks key columns forced to passthrough to keep
	// referential integrity.
	SourceConstraint Source = "constraint"
)

// TransformSpec is the resolved transform of one column.
type TransformSpec struct {
	Table     string
	Column    string
	Transform string
	Options   *transform.Options

	Source   Source
	Tier     classify.RiskTier
	Category classify.Category
	Reason   string

	// Unique marks columns whose masked values must stay pairwise
	// distinct.
	Unique bool
}

// TablePlan holds the specs of one table, in column order.
type TablePlan struct {
	Table *schema.Table
	Specs []TransformSpec
}

// Spec returns the resolved transform for the named column, or nil.
func (tp *TablePlan) Spec(column string) *TransformSpec {
	for i := range tp.Specs {
		if tp.Specs[i].Column == column {
			return &tp.Specs[i]
		}
	}
	return nil
}

// MaskedColumns lists the columns of this table whose transform is not
// passthrough.
func (tp *TablePlan) MaskedColumns() []string {
	var cols []string
	for _, spec := range tp.Specs {
		if spec.Transform != "passthrough" {
			cols = append(cols, spec.Column)
		}
	}
	return cols
}

// MaskingPlan is the fully resolved plan for one run: every column of
// every table has exactly one transform.
type MaskingPlan struct {
	// Order is the dependency order tables are processed in, parents
	// before children.
	Order  []string
	Tables map[string]*TablePlan
	Seed   int64
}

// MappingSkeleton extracts the plan's non-passthrough transforms as a
// mapping document. Written out as YAML it is a draft an operator can
// edit and feed back through --mapping, with the classifier's defaults
// already filled in.
func (p *MaskingPlan) MappingSkeleton() *Mapping {
	m := &Mapping{Tables: map[string]TableMapping{}}
	for _, tableName := range p.Order {
		var cols map[string]ColumnRule
		for _, spec := range p.Tables[tableName].Specs {
			if spec.Transform == "passthrough" {
				continue
			}
			if cols == nil {
				cols = map[string]ColumnRule{}
			}
			cols[spec.Column] = ColumnRule{Transform: spec.Transform, Options: spec.Options}
		}
		if cols != nil {
			m.Tables[tableName] = TableMapping{Columns: cols}
		}
	}
	return m
}

// UnresolvedColumnError lists every column the resolver could not decide,
// all at once.
type UnresolvedColumnError struct {
	Columns []string
}

func (e *UnresolvedColumnError) Error() string {
	return fmt.Sprintf("no transform resolvable for %d column(s): %s",
		len(e.Columns), strings.Join(e.Columns, ", "))
}

// defaultTransforms maps each semantic category to the transform used
// when the classifier decides a column must be generated.
var defaultTransforms = map[classify.Category]string{
	classify.CategoryEmail:      "faker.email",
	classify.CategoryName:       "faker.name",
	classify.CategoryUsername:   "faker.username",
	classify.CategoryPhone:      "faker.phone",
	classify.CategoryCredential: "hash.bcrypt",
	classify.CategoryNationalID: "faker.ssn",
	classify.CategoryStreet:     "faker.street",
	classify.CategoryCity:       "faker.city",
	classify.CategoryZip:        "faker.zip",
	classify.CategoryBirthdate:  "date.between",
	classify.CategoryIPAddress:  "faker.ipv4",
	classify.CategoryURL:        "faker.url",
	classify.CategoryFreeText:   "faker.sentence",
	classify.CategoryGeneric:    "faker.word",
}

// MediumPassthrough and MediumGenerate are the two policies for unmapped
// MEDIUM-risk columns.
const (
	MediumPassthrough = "passthrough"
	MediumGenerate    = "generate"
)

// Resolver merges a mapping with classifier output.
type Resolver struct {
	Mapping *Mapping

	// MediumDefault is the policy for unmapped MEDIUM-risk columns,
	// MediumPassthrough or MediumGenerate.
	MediumDefault string

	// BcryptCost is stamped onto hash.bcrypt specs that do not set one.
	BcryptCost int

	// Seed is carried into the plan for the engine's transforms.
	Seed int64
}

// Resolve builds the masking plan for the snapshot. order must be the
// dependency order of the snapshot's tables. Mapping entries that name
// unknown tables, unknown columns, unknown transforms or invalid options
// are configuration errors; columns with no decidable transform are
// aggregated into one UnresolvedColumnError.
func (r *Resolver) Resolve(snap *schema.Snapshot, profiles map[string]profile.TableProfile, order []string) (*MaskingPlan, error) {
	if r.MediumDefault != MediumPassthrough && r.MediumDefault != MediumGenerate {
		return nil, fmt.Errorf("medium-risk default must be %q or %q, got %q",
			MediumPassthrough, MediumGenerate, r.MediumDefault)
	}
	if err := r.checkMappingTargets(snap); err != nil {
		return nil, err
	}

	p := &MaskingPlan{
		Order:  order,
		Tables: make(map[string]*TablePlan, len(snap.Tables)),
		Seed:   r.Seed,
	}

	var unresolved []string
	for _, tableName := range order {
		table := snap.Table(tableName)
		tp := &TablePlan{Table: table}

		for i := range table.Columns {
			col := &table.Columns[i]
			var prof *profile.ColumnProfile
			if tableProfiles, ok := profiles[tableName]; ok {
				prof = tableProfiles[col.Name]
			}

			spec, err := r.resolveColumn(table, col, prof)
			if err != nil {
				return nil, err
			}
			if spec.Transform == "" {
				unresolved = append(unresolved, tableName+"."+col.Name)
				continue
			}
			tp.Specs = append(tp.Specs, spec)
		}
		p.Tables[tableName] = tp
	}

	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, &UnresolvedColumnError{Columns: unresolved}
	}
	return p, nil
}

func (r *Resolver) resolveColumn(table *schema.Table, col *schema.Column, prof *profile.ColumnProfile) (TransformSpec, error) {
	spec := TransformSpec{
		Table:  table.Name,
		Column: col.Name,
		Unique: table.HasUniqueConstraint(col.Name),
	}

	cls := classify.Classify(col, prof)
	spec.Tier = cls.Tier
	spec.Category = cls.Category

	// Key columns are never transformed: primary keys are row identity,
	// foreign keys must keep pointing at the parent's identity.
	if table.IsPrimaryKey(col.Name) || table.ForeignKeyFor(col.Name) != nil {
		if rule, ok := r.mappingRule(table.Name, col.Name); ok && rule.Transform != "passthrough" {
			log.Printf("WARN: Mapping assigns %s to key column %s.%s; forcing passthrough to preserve integrity.",
				rule.Transform, table.Name, col.Name)
		}
		spec.Transform = "passthrough"
		spec.Source = SourceConstraint
		spec.Reason = "key column"
		return spec, nil
	}

	if rule, ok := r.mappingRule(table.Name, col.Name); ok {
		if err := transform.Validate(rule.Transform, rule.Options); err != nil {
			return spec, fmt.Errorf("mapping entry %s.%s: %w", table.Name, col.Name, err)
		}
		spec.Transform = rule.Transform
		spec.Options = r.stampOptions(rule.Transform, rule.Options)
		spec.Source = SourceMapping
		spec.Reason = "explicit mapping entry"
		return spec, nil
	}

	spec.Source = SourceClassifier
	spec.Reason = cls.Reason
	switch cls.Tier {
	case classify.High:
		spec.Transform = defaultTransforms[cls.Category]
	case classify.Medium:
		if r.MediumDefault == MediumGenerate {
			spec.Transform = defaultTransforms[cls.Category]
		} else {
			spec.Transform = "passthrough"
		}
	case classify.Low:
		spec.Transform = "passthrough"
	}
	spec.Options = r.stampOptions(spec.Transform, nil)
	return spec, nil
}

// stampOptions fills run-level defaults into the options of one spec.
func (r *Resolver) stampOptions(name string, opts *transform.Options) *transform.Options {
	if name != "hash.bcrypt" {
		return opts
	}
	if opts == nil {
		opts = &transform.Options{}
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = r.BcryptCost
	}
	return opts
}

func (r *Resolver) mappingRule(tableName, columnName string) (ColumnRule, bool) {
	if r.Mapping == nil {
		return ColumnRule{}, false
	}
	tm, ok := r.Mapping.Tables[tableName]
	if !ok {
		return ColumnRule{}, false
	}
	rule, ok := tm.Columns[columnName]
	return rule, ok
}

// checkMappingTargets rejects mapping entries pointing at tables or
// columns that do not exist in the snapshot.
func (r *Resolver) checkMappingTargets(snap *schema.Snapshot) error {
	if r.Mapping == nil {
		return nil
	}
	for tableName, tm := range r.Mapping.Tables {
		table := snap.Table(tableName)
		if table == nil {
			// The default mapping may name tables this source does not
			// have; an explicit file naming them is suspicious either way.
			log.Printf("WARN: Mapping names table %s which is not in the source schema; ignoring.", tableName)
			continue
		}
		for columnName := range tm.Columns {
			if table.Column(columnName) == nil {
				return fmt.Errorf("mapping names column %s.%s which does not exist", tableName, columnName)
			}
		}
	}
	return nil
}
