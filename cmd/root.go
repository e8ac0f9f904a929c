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
	"github.com/spf13/viper"

	"dbmask/internal/config"
	"dbmask/internal/database"
	_ "dbmask/internal/database/mysql"
	_ "dbmask/internal/database/postgres"
	_ "dbmask/internal/database/sqlserver"
	"dbmask/internal/utils"
)

var (
	cfgFile      string
	geminiAPIKey string

	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "dbmask",
	Short: "A deterministic database anonymizer",
	Long: `dbmask copies a database into a destination with the same schema while
replacing sensitive column values with realistic, deterministic substitutes.
It introspects the source schema, profiles and classifies every column,
merges a declarative mapping with classifier defaults, and masks rows in
foreign-key dependency order.`,
}

// initFlagsAndConfig merges flags over the optional config file over the
// built-in defaults (flag > config > default).
func initFlagsAndConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
		log.Printf("INFO: Using config file %s.", viper.ConfigFileUsed())
	}
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	cfg.Source.Dialect = viper.GetString("source-dialect")
	cfg.Source.Host = viper.GetString("source-host")
	cfg.Source.Port = viper.GetInt("source-port")
	cfg.Source.User = viper.GetString("source-username")
	cfg.Source.Password = viper.GetString("source-password")
	cfg.Source.DBName = viper.GetString("source-database")
	cfg.Source.SSLMode = viper.GetString("source-sslmode")
	cfg.Source.CloudSQLInstanceConnectionName = viper.GetString("source-cloudsql-instance-connection-name")
	cfg.Source.UsePrivateIP = viper.GetBool("source-cloudsql-use-private-ip")

	cfg.Dest.Dialect = viper.GetString("dest-dialect")
	cfg.Dest.Host = viper.GetString("dest-host")
	cfg.Dest.Port = viper.GetInt("dest-port")
	cfg.Dest.User = viper.GetString("dest-username")
	cfg.Dest.Password = viper.GetString("dest-password")
	cfg.Dest.DBName = viper.GetString("dest-database")
	cfg.Dest.SSLMode = viper.GetString("dest-sslmode")
	cfg.Dest.CloudSQLInstanceConnectionName = viper.GetString("dest-cloudsql-instance-connection-name")
	cfg.Dest.UsePrivateIP = viper.GetBool("dest-cloudsql-use-private-ip")

	cfg.Run.Schemas = utils.ParseCSV(viper.GetString("schemas"))
	cfg.Run.MappingFile = viper.GetString("mapping")
	cfg.Run.Seed = viper.GetInt64("seed")
	cfg.Run.DryLimit = viper.GetInt("dry-limit")
	cfg.Run.SampleThreshold = viper.GetInt64("sample-threshold")
	cfg.Run.SampleRows = viper.GetInt("sample-rows")
	cfg.Run.TopValues = viper.GetInt("top-values")
	cfg.Run.BatchSize = viper.GetInt("batch-size")
	cfg.Run.BcryptCost = viper.GetInt("bcrypt-cost")
	cfg.Run.MediumDefault = strings.ToLower(viper.GetString("medium-default"))
	cfg.Run.OrderOverride = utils.ParseCSV(viper.GetString("table-order"))
	cfg.Run.Truncate = viper.GetBool("truncate")

	if len(cfg.Run.Schemas) == 0 {
		cfg.Run.Schemas = defaultSchemas(cfg.Source.Dialect, cfg.Source.DBName)
	}

	if geminiAPIKey == "" {
		geminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	cfg.GeminiAPIKey = geminiAPIKey

	return nil
}

// defaultSchemas is the dialect's usual default schema. MySQL scopes
// tables by database, so the schema is the database itself.
func defaultSchemas(dialect, dbName string) []string {
	switch {
	case strings.Contains(dialect, "sqlserver"):
		return []string{"dbo"}
	case strings.Contains(dialect, "mysql"):
		return []string{dbName}
	default:
		return []string{"public"}
	}
}

var supportedDialects = []string{"postgres", "cloudsqlpostgres", "mysql", "cloudsqlmysql", "sqlserver", "cloudsqlsqlserver"}

func validateDialect(dialect string) error {
	for _, supported := range supportedDialects {
		if dialect == supported {
			return nil
		}
	}
	return fmt.Errorf("unsupported dialect: %s (only %s are supported)", dialect, strings.Join(supportedDialects, ", "))
}

func connectSource() (*database.DB, error) {
	if err := validateDialect(cfg.Source.Dialect); err != nil {
		return nil, err
	}
	db, err := database.New(cfg.Source)
	if err != nil {
		log.Println("ERROR: Failed to connect to source database:", err)
		return nil, fmt.Errorf("failed to connect to source database: %w", err)
	}
	return db, nil
}

func connectDest() (*database.DB, error) {
	if err := validateDialect(cfg.Dest.Dialect); err != nil {
		return nil, err
	}
	db, err := database.New(cfg.Dest)
	if err != nil {
		log.Println("ERROR: Failed to connect to destination database:", err)
		return nil, fmt.Errorf("failed to connect to destination database: %w", err)
	}
	return db, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentPreRunE = initFlagsAndConfig

	pf := rootCmd.PersistentFlags()

	pf.StringVar(&cfgFile, "config", "", "Path to a YAML config file (flags override it)")

	// Source connection flags
	pf.String("source-dialect", cfg.Source.Dialect, fmt.Sprintf("Source dialect (%s)", strings.Join(supportedDialects, ", ")))
	pf.String("source-host", cfg.Source.Host, "Source database host")
	pf.Int("source-port", cfg.Source.Port, "Source database port")
	pf.String("source-username", "", "Source database username")
	pf.String("source-password", "", "Source database password")
	pf.String("source-database", "", "Source database name")
	pf.String("source-sslmode", cfg.Source.SSLMode, "Source sslmode (postgres)")
	pf.String("source-cloudsql-instance-connection-name", "", "Cloud SQL instance connection name for the source (Cloud SQL dialects)")
	pf.Bool("source-cloudsql-use-private-ip", false, "Use private IP for the source Cloud SQL connection")

	// Destination connection flags
	pf.String("dest-dialect", cfg.Dest.Dialect, fmt.Sprintf("Destination dialect (%s)", strings.Join(supportedDialects, ", ")))
	pf.String("dest-host", cfg.Dest.Host, "Destination database host")
	pf.Int("dest-port", cfg.Dest.Port, "Destination database port")
	pf.String("dest-username", "", "Destination database username")
	pf.String("dest-password", "", "Destination database password")
	pf.String("dest-database", "", "Destination database name")
	pf.String("dest-sslmode", cfg.Dest.SSLMode, "Destination sslmode (postgres)")
	pf.String("dest-cloudsql-instance-connection-name", "", "Cloud SQL instance connection name for the destination (Cloud SQL dialects)")
	pf.Bool("dest-cloudsql-use-private-ip", false, "Use private IP for the destination Cloud SQL connection")

	// Run options
	pf.String("schemas", "", "Comma-separated schema names (default: dialect's usual schema)")
	pf.String("mapping", "", "Path to the YAML column mapping file (default: built-in mapping)")
	pf.Int64("seed", cfg.Run.Seed, "Run seed; same source, mapping and seed reproduce the same output")
	pf.Int("dry-limit", 0, "Cap rows copied per table (0 = all rows); capped runs are audited as truncated")
	pf.Int64("sample-threshold", cfg.Run.SampleThreshold, "Row count above which profiling samples instead of scanning")
	pf.Int("sample-rows", cfg.Run.SampleRows, "Sample size for profiling large tables")
	pf.Int("top-values", cfg.Run.TopValues, "Most-common values collected per column")
	pf.Int("batch-size", cfg.Run.BatchSize, "Rows per destination write transaction")
	pf.Int("bcrypt-cost", cfg.Run.BcryptCost, "bcrypt cost for hash.bcrypt transforms (10-12 is production-like)")
	pf.String("medium-default", cfg.Run.MediumDefault, "Policy for unmapped MEDIUM-risk columns: passthrough or generate")
	pf.String("table-order", "", "Comma-separated full table order, required when the foreign-key graph has a cycle")
	pf.Bool("truncate", false, "Empty destination tables before writing")

	pf.StringVar(&geminiAPIKey, "gemini-api-key", "", "Gemini API key (can also be set via GEMINI_API_KEY environment variable)")

	rootCmd.AddCommand(maskCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(assistCmd)
}
