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
	"os"

	"github.com/spf13/cobra"

	"dbmask/internal/schema"
	"dbmask/internal/utils"
	"dbmask/internal/verify"
)

var (
	verifyFormat string
	verifyOut    string
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the masked destination against the source",
	Long: `Checks the destination after a masking run: per-table row counts
(aware of row-capped runs), foreign-key orphans, masked email shape, and
the latest audit record. Exits non-zero when any check fails.`,
	Example:           `./dbmask verify --source-dialect postgres --source-database prod --dest-dialect postgres --dest-database prod_masked --source-username u --source-password p --dest-username u --dest-password p`,
	PersistentPreRunE: initFlagsAndConfig,
	RunE:              runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	snap, err := schema.Introspect(ctx, src, cfg.Run.Schemas)
	if err != nil {
		return err
	}

	report, err := verify.New(src, dst).Run(ctx, snap)
	if err != nil {
		return err
	}

	var output string
	if verifyFormat == "json" {
		raw, err := report.ToJSON()
		if err != nil {
			return err
		}
		output = string(raw)
	} else {
		output = report.ToMarkdown()
	}

	out := verifyOut
	if out == "" {
		out = utils.GetDefaultOutputFilePath(cfg.Dest.DBName, "verify")
	}
	if out == "-" {
		fmt.Println(output)
	} else {
		if err := os.WriteFile(out, []byte(output), 0o644); err != nil {
			return err
		}
		log.Printf("INFO: Verification report written to %s.", out)
	}

	if !report.Passed {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "md", "Output format (md or json)")
	verifyCmd.Flags().StringVar(&verifyOut, "out", "", "Output file path (default <db>_verify.md, '-' for stdout)")
}
