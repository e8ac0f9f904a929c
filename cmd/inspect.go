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
package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dbmask/internal/classify"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
	"dbmask/internal/utils"
)

var (
	inspectFormat     string
	inspectOut        string
	inspectTables     string
	inspectSchemaOnly bool
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the source schema and its PII risk",
	Long: `Reads the source schema and column statistics and prints an insight
report: tables with row counts, per-column types and risk tiers, keys and
indexes, and the columns most likely to hold personal data. Reads only;
the source is never modified.`,
	Example:           `./dbmask inspect --source-dialect postgres --source-database prod --source-username u --source-password p --format md`,
	PersistentPreRunE: initFlagsAndConfig,
	RunE:              runInspect,
}

type columnInsight struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Tier     string  `json:"risk_tier"`
	Category string  `json:"category,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	NullFrac float64 `json:"null_frac,omitempty"`
	Distinct float64 `json:"distinct_frac,omitempty"`
	Sampled  bool    `json:"sampled,omitempty"`
}

type tableInsight struct {
	Schema      string          `json:"schema"`
	Table       string          `json:"table"`
	RowCount    int64           `json:"row_count"`
	PrimaryKey  []string        `json:"primary_key,omitempty"`
	ForeignKeys []string        `json:"foreign_keys,omitempty"`
	Columns     []columnInsight `json:"columns"`
}

type insightReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	DB          string         `json:"db"`
	Schemas     []string       `json:"schemas"`
	Tables      []tableInsight `json:"tables"`
	HighRisk    []string       `json:"high_risk_columns"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	filter, err := utils.ParseTablesFlag(inspectTables)
	if err != nil {
		return fmt.Errorf("parsing --tables: %w", err)
	}

	src, err := connectSource()
	if err != nil {
		return err
	}
	defer src.Close()

	snap, err := schema.Introspect(ctx, src, cfg.Run.Schemas)
	if err != nil {
		return err
	}

	profiles := map[string]profile.TableProfile{}
	if !inspectSchemaOnly {
		profiler := profile.New(src, profile.Options{
			SampleThreshold: cfg.Run.SampleThreshold,
			SampleRows:      cfg.Run.SampleRows,
			TopValues:       cfg.Run.TopValues,
		})
		if profiles, err = profiler.ProfileAll(ctx, snap); err != nil {
			return err
		}
	}

	report := buildInsight(snap, profiles, filter)

	var output string
	if inspectFormat == "md" {
		output = insightMarkdown(report)
	} else {
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		output = string(raw)
	}

	out := inspectOut
	if out == "" {
		out = utils.GetDefaultOutputFilePath(cfg.Source.DBName, "inspect")
	}
	if out == "-" {
		fmt.Println(output)
		return nil
	}
	if err := os.WriteFile(out, []byte(output), 0o644); err != nil {
		return err
	}
	log.Printf("INFO: Insight report written to %s.", out)
	return nil
}

func buildInsight(snap *schema.Snapshot, profiles map[string]profile.TableProfile, filter map[string][]string) *insightReport {
	report := &insightReport{
		GeneratedAt: time.Now().UTC(),
		DB:          cfg.Source.DBName,
		Schemas:     cfg.Run.Schemas,
	}

	for _, table := range snap.Tables {
		var filterCols []string
		if len(filter) > 0 {
			cols, listed := filter[table.Name]
			if !listed {
				continue
			}
			filterCols = cols
		}
		ti := tableInsight{
			Schema:     table.Schema,
			Table:      table.Name,
			RowCount:   table.RowCount,
			PrimaryKey: table.PrimaryKey,
		}
		for _, fk := range table.ForeignKeys {
			ti.ForeignKeys = append(ti.ForeignKeys, fmt.Sprintf("%s -> %s.%s", fk.Column, fk.RefTable, fk.RefColumn))
		}

		for i := range table.Columns {
			col := &table.Columns[i]
			if !columnListed(filterCols, col.Name) {
				continue
			}
			var prof *profile.ColumnProfile
			if tp, ok := profiles[table.Name]; ok {
				prof = tp[col.Name]
			}
			cls := classify.Classify(col, prof)

			ci := columnInsight{
				Name:     col.Name,
				Type:     col.DataType,
				Nullable: col.Nullable,
				Tier:     string(cls.Tier),
				Category: string(cls.Category),
				Reason:   cls.Reason,
			}
			if prof != nil && !prof.Unknown {
				ci.NullFrac = prof.NullFraction
				ci.Distinct = prof.DistinctFraction
				ci.Sampled = prof.Approximate
			}
			ti.Columns = append(ti.Columns, ci)

			if cls.Tier == classify.High {
				report.HighRisk = append(report.HighRisk, fmt.Sprintf("%s.%s (%s)", table.Name, col.Name, cls.Category))
			}
		}
		report.Tables = append(report.Tables, ti)
	}
	return report
}

// columnListed reports whether the column survives a --tables filter.
// A nil list means the whole table was requested.
func columnListed(filterCols []string, name string) bool {
	if filterCols == nil {
		return true
	}
	for _, c := range filterCols {
		if c == name {
			return true
		}
	}
	return false
}

func insightMarkdown(report *insightReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Schema Insight: %s\n", report.DB)
	fmt.Fprintf(&b, "_Generated: %s_\n\n", report.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## High-Risk Columns\n")
	if len(report.HighRisk) == 0 {
		b.WriteString("- none detected\n")
	}
	for _, c := range report.HighRisk {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n## Tables\n")
	for _, t := range report.Tables {
		fmt.Fprintf(&b, "\n### %s.%s (rows: %d)\n", t.Schema, t.Table, t.RowCount)
		if len(t.PrimaryKey) > 0 {
			fmt.Fprintf(&b, "Primary key: %s\n", strings.Join(t.PrimaryKey, ", "))
		}
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "FK: %s\n", fk)
		}
		b.WriteString("\n| Column | Type | Risk | Category | Null frac | Distinct frac |\n")
		b.WriteString("|--------|------|------|----------|-----------|---------------|\n")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %.2f | %.2f |\n",
				c.Name, c.Type, c.Tier, c.Category, c.NullFrac, c.Distinct)
		}
	}
	return b.String()
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "json", "Output format (json or md)")
	inspectCmd.Flags().StringVar(&inspectOut, "out", "", "Output file path (default <db>_insight.json, '-' for stdout)")
	inspectCmd.Flags().StringVar(&inspectTables, "tables", "", "Restrict the report, e.g. 'users[email,full_name],orders'")
	inspectCmd.Flags().BoolVar(&inspectSchemaOnly, "schema-only", false, "Skip column statistics (fastest)")
}
