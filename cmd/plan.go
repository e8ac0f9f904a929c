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
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var planOut string

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Resolve and print the masking plan without writing anything",
	Long: `Runs the read-only pipeline stages (introspection, profiling,
classification, mapping resolution) and prints the fully resolved plan:
one transform per column with its risk tier and where the decision came
from. With --out it also writes the non-passthrough transforms as a YAML
mapping draft, a starting point to edit and pass back via --mapping.`,
	Example:           `./dbmask plan --source-dialect postgres --source-database prod --source-username u --source-password p --out inferred_mapping.yaml`,
	PersistentPreRunE: initFlagsAndConfig,
	RunE:              runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := connectSource()
	if err != nil {
		return err
	}
	defer src.Close()

	_, _, mp, err := resolvePlan(ctx, src)
	if err != nil {
		return err
	}

	fmt.Printf("Masking plan for %s (seed %d), table order: %s\n\n",
		cfg.Source.DBName, mp.Seed, strings.Join(mp.Order, " -> "))

	for _, tableName := range mp.Order {
		tp := mp.Tables[tableName]
		fmt.Printf("%s:\n", tableName)
		for _, spec := range tp.Specs {
			unique := ""
			if spec.Unique {
				unique = " [unique]"
			}
			fmt.Printf("  %-30s %-16s tier=%-6s source=%-10s %s%s\n",
				spec.Column, spec.Transform, spec.Tier, spec.Source, spec.Reason, unique)
		}
		if masked := tp.MaskedColumns(); len(masked) > 0 {
			fmt.Printf("  -> masking %d of %d columns\n", len(masked), len(tp.Specs))
		} else {
			fmt.Printf("  -> copied verbatim\n")
		}
	}

	if planOut != "" {
		raw, err := yaml.Marshal(mp.MappingSkeleton())
		if err != nil {
			return fmt.Errorf("serializing mapping draft: %w", err)
		}
		if err := os.WriteFile(planOut, raw, 0o644); err != nil {
			return fmt.Errorf("writing mapping draft: %w", err)
		}
		log.Printf("INFO: Mapping draft written to %s.", planOut)
	}
	return nil
}

func init() {
	planCmd.Flags().StringVar(&planOut, "out", "", "Write the inferred mapping as a YAML draft to this path")
}
