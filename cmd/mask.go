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
	"fmt"
	"log"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"dbmask/internal/audit"
	"dbmask/internal/mask"
	"dbmask/internal/utils"
)

var maskAssumeYes bool

// maskCmd represents the mask command
var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Mask the source database into the destination",
	Long: `Connects to both databases, resolves the masking plan, and copies every
table from the source to the destination with sensitive columns replaced by
deterministic substitutes. On success exactly one audit record is appended
to the destination's masking_audit table.`,
	Example:           `./dbmask mask --source-dialect postgres --source-database prod --dest-dialect postgres --dest-database prod_masked --source-username u --source-password p --dest-username u --dest-password p --mapping faker_mapping.yaml --truncate`,
	PersistentPreRunE: initFlagsAndConfig,
	RunE:              runMask,
}

func runMask(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := connectSource()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := connectDest()
	if err != nil {
		return err
	}
	defer dst.Close()

	log.Printf("INFO: Masking %s (%s) into %s (%s).",
		cfg.Source.DBName, cfg.Source.Dialect, cfg.Dest.DBName, cfg.Dest.Dialect)

	snap, _, mp, err := resolvePlan(ctx, src)
	if err != nil {
		return err
	}
	log.Printf("INFO: Plan resolved for %d tables, order: %v.", len(mp.Order), mp.Order)

	if cfg.Run.Truncate && !maskAssumeYes {
		if !utils.ConfirmAction(fmt.Sprintf("truncate %d tables in destination %s and rewrite them", len(mp.Order), cfg.Dest.DBName)) {
			return fmt.Errorf("aborted by user")
		}
	}

	engine := mask.New(src, dst, mp, mask.Options{
		DryLimit:  cfg.Run.DryLimit,
		BatchSize: cfg.Run.BatchSize,
		Truncate:  cfg.Run.Truncate,
		Seed:      cfg.Run.Seed,
	})

	var total int64
	for _, table := range snap.Tables {
		rows := table.RowCount
		if cfg.Run.DryLimit > 0 && rows > int64(cfg.Run.DryLimit) {
			rows = int64(cfg.Run.DryLimit)
		}
		total += rows
	}
	if total < 1 {
		total = 1
	}

	uiprogress.Start()
	bar := uiprogress.AddBar(int(total)).AppendCompleted().PrependElapsed()
	bar.PrependFunc(func(b *uiprogress.Bar) string {
		return "Masking: "
	})
	var done int64
	prev := make(map[string]int64)
	engine.OnProgress(func(table string, processed, _ int64) {
		done += processed - prev[table]
		prev[table] = processed
		bar.Set(int(done))
	})

	start := time.Now()
	result, err := engine.Run(ctx)
	uiprogress.Stop()
	if err != nil {
		return err
	}

	rec := &audit.Record{
		RanAt:        time.Now().UTC(),
		SourceDB:     cfg.Source.DBName,
		DestDB:       cfg.Dest.DBName,
		MaskedTables: result.Tables,
		RowCounts:    result.RowCounts,
		Truncated:    result.Truncated,
	}
	if err := audit.New(dst, cfg.Run.Schemas[0]).Write(ctx, rec); err != nil {
		return fmt.Errorf("masking finished but audit record failed: %w", err)
	}

	var written int64
	for _, n := range result.RowCounts {
		written += n
	}
	fmt.Printf("\nMasked %d tables, %d rows in %s.\n", len(result.Tables), written, time.Since(start).Round(time.Millisecond))
	if result.Truncated {
		fmt.Printf("Row cap %d was active; the audit record marks this run as truncated.\n", cfg.Run.DryLimit)
	}
	return nil
}

func init() {
	maskCmd.Flags().BoolVar(&maskAssumeYes, "yes", false, "Skip the confirmation prompt before truncating")
}
