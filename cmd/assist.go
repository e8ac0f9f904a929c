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

	"dbmask/internal/database"
	"dbmask/internal/genai"
	"dbmask/internal/plan"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
)

var (
	assistModel   string
	assistQuality bool
	assistOut     string
)

// assistCmd represents the assist command
var assistCmd = &cobra.Command{
	Use:   "assist",
	Short: "Draft a masking mapping (or quality queries) with Gemini",
	Long: `Uses the Gemini API as an advisor: by default it proposes a YAML
mapping draft, one suggested transform per column, judged from column
names, types and a handful of most-common values. With --quality-queries
it instead proposes SQL to check data quality on the source. All output
is a draft for human review; nothing is applied automatically.`,
	Example:           `GEMINI_API_KEY=... ./dbmask assist --source-dialect postgres --source-database prod --source-username u --source-password p --out faker_mapping.yaml`,
	PersistentPreRunE: initFlagsAndConfig,
	RunE:              runAssist,
}

func runAssist(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("assist requires a Gemini API key; set --gemini-api-key or the GEMINI_API_KEY environment variable")
	}

	client, err := genai.NewClient(ctx, genai.Config{APIKey: cfg.GeminiAPIKey, Model: assistModel})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.IsAPIKeyValid(ctx); err != nil {
		return err
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

	if assistQuality {
		return suggestQualityQueries(cmd, client, snap)
	}
	return suggestMapping(cmd, client, src, snap)
}

func suggestQualityQueries(cmd *cobra.Command, client genai.LLMClient, snap *schema.Snapshot) error {
	var b strings.Builder
	for _, table := range snap.Tables {
		for _, col := range table.Columns {
			fmt.Fprintf(&b, "%s.%s (%s)\n", table.Name, col.Name, col.DataType)
		}
	}

	queries, err := client.SuggestQualityQueries(cmd.Context(), b.String())
	if err != nil {
		return err
	}

	fmt.Println("Suggested data-quality queries:")
	for i, q := range queries {
		fmt.Printf("\n-- %d\n%s\n", i+1, q)
	}
	return nil
}

func suggestMapping(cmd *cobra.Command, client genai.LLMClient, src *database.DB, snap *schema.Snapshot) error {
	ctx := cmd.Context()

	profiler := profile.New(src, profile.Options{
		SampleThreshold: cfg.Run.SampleThreshold,
		SampleRows:      cfg.Run.SampleRows,
		TopValues:       cfg.Run.TopValues,
	})
	profiles, err := profiler.ProfileAll(ctx, snap)
	if err != nil {
		return err
	}

	draft := &plan.Mapping{Tables: map[string]plan.TableMapping{}}
	for _, table := range snap.Tables {
		for _, col := range table.Columns {
			if table.IsPrimaryKey(col.Name) || table.ForeignKeyFor(col.Name) != nil {
				continue
			}
			var examples []string
			if tp, ok := profiles[table.Name]; ok {
				if prof := tp[col.Name]; prof != nil {
					for _, mc := range prof.MostCommon {
						examples = append(examples, mc.Value)
					}
				}
			}

			name, err := client.SuggestTransform(ctx, col.Name, table.Name, col.DataType, examples)
			if err != nil {
				log.Printf("WARN: No suggestion for %s.%s: %v. Skipping.", table.Name, col.Name, err)
				continue
			}
			if name == "passthrough" {
				continue
			}
			tm, ok := draft.Tables[table.Name]
			if !ok {
				tm = plan.TableMapping{Columns: map[string]plan.ColumnRule{}}
				draft.Tables[table.Name] = tm
			}
			tm.Columns[col.Name] = plan.ColumnRule{Transform: name}
		}
	}

	raw, err := yaml.Marshal(draft)
	if err != nil {
		return err
	}

	if assistOut != "" {
		if err := os.WriteFile(assistOut, raw, 0o644); err != nil {
			return err
		}
		fmt.Printf("Mapping draft written to %s. Review it before use.\n", assistOut)
		return nil
	}
	fmt.Println(string(raw))
	return nil
}

func init() {
	assistCmd.Flags().StringVar(&assistModel, "model", "", "Gemini model name (default gemini-1.5-flash-latest)")
	assistCmd.Flags().BoolVar(&assistQuality, "quality-queries", false, "Suggest data-quality SQL instead of a mapping draft")
	assistCmd.Flags().StringVar(&assistOut, "out", "", "Write the mapping draft to this file instead of stdout")
}
