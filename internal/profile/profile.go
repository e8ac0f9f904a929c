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

// Package profile computes per-column value statistics on the source
// database. The classifier combines these with column names to assign
// risk tiers; columns that cannot be profiled degrade to Unknown instead
// of failing the run.
package profile

import (
	"context"
	"log"

	"dbmask/internal/database"
	"dbmask/internal/schema"
)

// ColumnProfile holds the statistics of one column.
type ColumnProfile struct {
	Table  string
	Column string

	// RowCount is the number of rows the aggregates were computed over.
	// When Approximate is set this is the sample size, not the table size.
	RowCount         int64
	NullFraction     float64
	DistinctFraction float64
	MostCommon       []database.ValueCount

	// Approximate marks profiles computed over a bounded random sample.
	Approximate bool

	// Unknown marks columns whose statistics could not be collected. The
	// classifier treats such columns pessimistically.
	Unknown bool
}

// Options controls how profiles are collected.
type Options struct {
	// SampleThreshold is the table row count above which aggregation
	// switches to a random sample of SampleRows rows.
	SampleThreshold int64
	SampleRows      int

	// TopValues is how many most-common values to keep per column.
	TopValues int
}

// TableProfile maps column name to its profile for one table.
type TableProfile map[string]*ColumnProfile

// Profiler collects column statistics from a source database.
type Profiler struct {
	db   database.DBAdapter
	opts Options
}

func New(db database.DBAdapter, opts Options) *Profiler {
	return &Profiler{db: db, opts: opts}
}

// ProfileTable profiles every column of the table. A column whose
// statistics query fails is reported as Unknown with a warning rather
// than aborting the table.
func (p *Profiler) ProfileTable(ctx context.Context, table *schema.Table) (TableProfile, error) {
	sampleLimit := 0
	if p.opts.SampleThreshold > 0 && table.RowCount > p.opts.SampleThreshold {
		sampleLimit = p.opts.SampleRows
		log.Printf("INFO: Table %s has %d rows; profiling over a random sample of %d.",
			table.Name, table.RowCount, sampleLimit)
	}

	profiles := make(TableProfile, len(table.Columns))
	for _, col := range table.Columns {
		prof := &ColumnProfile{Table: table.Name, Column: col.Name}
		profiles[col.Name] = prof

		stats, err := p.db.CollectColumnStats(ctx, table.Schema, table.Name, col.Name, p.opts.TopValues, sampleLimit)
		if err != nil {
			log.Printf("WARN: Failed to profile %s.%s: %v. Marking statistics unknown.", table.Name, col.Name, err)
			prof.Unknown = true
			continue
		}

		prof.RowCount = stats.RowCount
		prof.Approximate = stats.Sampled
		prof.MostCommon = stats.TopValues
		if stats.RowCount > 0 {
			prof.NullFraction = float64(stats.NullCount) / float64(stats.RowCount)
			nonNull := stats.RowCount - stats.NullCount
			if nonNull > 0 {
				prof.DistinctFraction = float64(stats.DistinctCount) / float64(nonNull)
			}
		}
	}

	return profiles, nil
}

// ProfileAll profiles every table of the snapshot, keyed by table name.
func (p *Profiler) ProfileAll(ctx context.Context, snap *schema.Snapshot) (map[string]TableProfile, error) {
	all := make(map[string]TableProfile, len(snap.Tables))
	for _, table := range snap.Tables {
		tp, err := p.ProfileTable(ctx, table)
		if err != nil {
			return nil, err
		}
		all[table.Name] = tp
	}
	return all, nil
}
