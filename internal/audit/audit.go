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

// Package audit persists one append-only record per successful masking
// run into the destination's masking_audit table. A failed or aborted
// run never writes a record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dbmask/internal/database"
)

// Record is one masking run: when it ran, which databases were involved,
// which tables were masked, and how many rows each received.
type Record struct {
	RanAt        time.Time
	SourceDB     string
	DestDB       string
	MaskedTables []string
	RowCounts    map[string]int64

	// Truncated marks runs bounded by a row cap; downstream comparison
	// treats the missing rows as intentionally skipped, not as loss.
	Truncated bool
}

// Recorder writes and reads audit records on the destination database.
type Recorder struct {
	db         *database.DB
	schemaName string
}

func New(db *database.DB, schemaName string) *Recorder {
	return &Recorder{db: db, schemaName: schemaName}
}

// Write appends one record, creating the audit table on first use.
func (r *Recorder) Write(ctx context.Context, rec *Record) error {
	if err := r.db.Handler.EnsureAuditTable(ctx, r.db, r.schemaName); err != nil {
		return err
	}

	counts, err := json.Marshal(rec.RowCounts)
	if err != nil {
		return fmt.Errorf("encoding row counts: %w", err)
	}

	row := &database.AuditRow{
		RanAt:        rec.RanAt,
		SourceDB:     rec.SourceDB,
		DestDB:       rec.DestDB,
		MaskedTables: rec.MaskedTables,
		RowCounts:    string(counts),
		Truncated:    rec.Truncated,
	}
	return r.db.Handler.InsertAudit(ctx, r.db, r.schemaName, row)
}

// Latest returns the most recent record, or nil when no run has been
// recorded yet.
func (r *Recorder) Latest(ctx context.Context) (*Record, error) {
	row, err := r.db.Handler.LatestAudit(ctx, r.db, r.schemaName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	rec := &Record{
		RanAt:        row.RanAt,
		SourceDB:     row.SourceDB,
		DestDB:       row.DestDB,
		MaskedTables: row.MaskedTables,
		Truncated:    row.Truncated,
	}
	if row.RowCounts != "" {
		if err := json.Unmarshal([]byte(row.RowCounts), &rec.RowCounts); err != nil {
			return nil, fmt.Errorf("decoding row counts: %w", err)
		}
	}
	return rec, nil
}
