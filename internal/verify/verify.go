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

// Package verify compares a masked destination against its source: row
// counts per table, foreign-key orphans, masked email shape, and the
// latest audit record. It only reads; a failed verification changes
// nothing.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"dbmask/internal/audit"
	"dbmask/internal/database"
	"dbmask/internal/schema"
)

// Status is the outcome of one check.
type Status string

const (
	Pass Status = "PASS"
	Fail Status = "FAIL"
	Skip Status = "SKIP"
)

// Check is one verification result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Report is the full comparison outcome.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	SourceDB    string        `json:"source_db"`
	DestDB      string        `json:"dest_db"`
	Audit       *audit.Record `json:"audit,omitempty"`
	Checks      []Check       `json:"checks"`
	Passed      bool          `json:"passed"`
}

// Verifier runs read-only checks against both databases.
type Verifier struct {
	source *database.DB
	dest   *database.DB

	// EmailSample bounds how many destination values each email-shaped
	// column is checked over.
	EmailSample int
}

func New(source, dest *database.DB) *Verifier {
	return &Verifier{source: source, dest: dest, EmailSample: 1000}
}

var (
	emailColumn = regexp.MustCompile(`(?i)e.?mail`)
	emailShape  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Run verifies the destination against the source snapshot. The returned
// report fails closed: any failing check fails the whole report.
func (v *Verifier) Run(ctx context.Context, snap *schema.Snapshot) (*Report, error) {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		SourceDB:    v.source.GetConfig().DBName,
		DestDB:      v.dest.GetConfig().DBName,
	}

	if len(snap.Tables) == 0 {
		return nil, fmt.Errorf("source snapshot has no tables to verify")
	}

	rec, err := audit.New(v.dest, snap.Tables[0].Schema).Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading latest audit record: %w", err)
	}
	report.Audit = rec
	if rec == nil {
		report.add("audit record", Fail, "destination has no masking_audit record; no completed run to verify")
		return report.finish(), nil
	}
	report.add("audit record", Pass, fmt.Sprintf("last run %s masked %d tables", rec.RanAt.Format(time.RFC3339), len(rec.MaskedTables)))

	for _, table := range snap.Tables {
		v.checkRowCount(ctx, report, table, rec)
	}
	for _, table := range snap.Tables {
		v.checkOrphans(ctx, report, snap, table)
	}
	for _, table := range snap.Tables {
		v.checkEmails(ctx, report, table)
	}

	return report.finish(), nil
}

func (v *Verifier) checkRowCount(ctx context.Context, report *Report, table *schema.Table, rec *audit.Record) {
	name := "row count " + table.Name
	destCount, err := v.dest.RowCount(ctx, table.Schema, table.Name)
	if err != nil {
		report.add(name, Fail, err.Error())
		return
	}

	if rec.Truncated {
		// A capped run copies a slice on purpose; compare against the
		// audited counts, not the source.
		want, audited := rec.RowCounts[table.Name]
		if !audited {
			report.add(name, Skip, fmt.Sprintf("table not in audited run; destination has %d rows", destCount))
			return
		}
		if destCount != want {
			report.add(name, Fail, fmt.Sprintf("destination has %d rows, audit recorded %d", destCount, want))
			return
		}
		srcCount, err := v.source.RowCount(ctx, table.Schema, table.Name)
		if err != nil {
			report.add(name, Fail, err.Error())
			return
		}
		report.add(name, Pass, fmt.Sprintf("%d rows match audited cap; %d source rows intentionally skipped", destCount, srcCount-destCount))
		return
	}

	srcCount, err := v.source.RowCount(ctx, table.Schema, table.Name)
	if err != nil {
		report.add(name, Fail, err.Error())
		return
	}
	if destCount != srcCount {
		report.add(name, Fail, fmt.Sprintf("destination has %d rows, source has %d", destCount, srcCount))
		return
	}
	report.add(name, Pass, fmt.Sprintf("%d rows", destCount))
}

// checkOrphans counts destination child rows whose foreign key resolves
// to no parent row.
func (v *Verifier) checkOrphans(ctx context.Context, report *Report, snap *schema.Snapshot, table *schema.Table) {
	h := v.dest.Handler
	for _, fk := range table.ForeignKeys {
		parent := snap.Table(fk.RefTable)
		if parent == nil {
			continue
		}
		name := fmt.Sprintf("fk orphans %s.%s", table.Name, fk.Column)

		child := h.QuoteIdentifier(table.Schema) + "." + h.QuoteIdentifier(table.Name)
		ref := h.QuoteIdentifier(parent.Schema) + "." + h.QuoteIdentifier(parent.Name)
		query := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
			child, ref,
			h.QuoteIdentifier(fk.Column), h.QuoteIdentifier(fk.RefColumn),
			h.QuoteIdentifier(fk.Column), h.QuoteIdentifier(fk.RefColumn))

		var orphans int64
		if err := v.dest.Pool.QueryRowContext(ctx, query).Scan(&orphans); err != nil {
			report.add(name, Fail, err.Error())
			continue
		}
		if orphans > 0 {
			report.add(name, Fail, fmt.Sprintf("%d orphan rows reference missing %s.%s", orphans, fk.RefTable, fk.RefColumn))
			continue
		}
		report.add(name, Pass, "no orphans")
	}
}

// checkEmails samples email-shaped columns on the destination and checks
// every non-null value still parses as an address.
func (v *Verifier) checkEmails(ctx context.Context, report *Report, table *schema.Table) {
	for _, col := range table.Columns {
		if !emailColumn.MatchString(col.Name) {
			continue
		}
		name := fmt.Sprintf("email format %s.%s", table.Name, col.Name)

		query := v.dest.Handler.SelectQuery(table.Schema, table.Name, []string{col.Name}, nil, v.EmailSample)
		rows, err := v.dest.Pool.QueryContext(ctx, query)
		if err != nil {
			report.add(name, Fail, err.Error())
			continue
		}

		var checked, bad int
		for rows.Next() {
			var value *string
			if err := rows.Scan(&value); err != nil {
				rows.Close()
				report.add(name, Fail, err.Error())
				bad = -1
				break
			}
			if value == nil {
				continue
			}
			checked++
			if !emailShape.MatchString(*value) {
				bad++
			}
		}
		if bad == -1 {
			continue
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			report.add(name, Fail, err.Error())
			continue
		}
		rows.Close()

		if bad > 0 {
			report.add(name, Fail, fmt.Sprintf("%d of %d sampled values are not valid addresses", bad, checked))
			continue
		}
		report.add(name, Pass, fmt.Sprintf("%d sampled values well-formed", checked))
	}
}

func (r *Report) add(name string, status Status, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

func (r *Report) finish() *Report {
	r.Passed = true
	for _, c := range r.Checks {
		if c.Status == Fail {
			r.Passed = false
			break
		}
	}
	return r
}

// ToJSON renders the report for machine consumption.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ToMarkdown renders the report for humans.
func (r *Report) ToMarkdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Masking Verification: %s vs %s\n\n", r.SourceDB, r.DestDB)
	fmt.Fprintf(&b, "_Generated: %s_\n\n", r.GeneratedAt.Format(time.RFC3339))
	if r.Passed {
		b.WriteString("**Result: PASS**\n\n")
	} else {
		b.WriteString("**Result: FAIL**\n\n")
	}
	if r.Audit != nil {
		fmt.Fprintf(&b, "Last run: %s, tables %s", r.Audit.RanAt.Format(time.RFC3339), strings.Join(r.Audit.MaskedTables, ", "))
		if r.Audit.Truncated {
			b.WriteString(" (row-capped run)")
		}
		b.WriteString("\n\n")
	}
	b.WriteString("## Checks\n")
	for _, c := range r.Checks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Status, c.Name, c.Detail)
	}
	return b.String()
}
