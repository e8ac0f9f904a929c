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
package config

// Config holds all configuration for one anonymization run.
type Config struct {
	Source       DatabaseConfig
	Dest         DatabaseConfig
	Run          RunOptions
	GeminiAPIKey string
}

// DatabaseConfig holds connection configuration for one database.
type DatabaseConfig struct {
	Dialect                        string
	Host                           string
	Port                           int
	User                           string
	Password                       string
	DBName                         string
	SSLMode                        string
	CloudSQLInstanceConnectionName string
	UsePrivateIP                   bool
}

// RunOptions holds the knobs of the masking pipeline itself.
type RunOptions struct {
	// Schemas to introspect and mask. Defaults to the dialect's usual
	// default schema (public / dbo / current database).
	Schemas []string

	// MappingFile is the path of the declarative column->transform mapping
	// document. Empty means the built-in default mapping.
	MappingFile string

	// Seed drives every deterministic transform. Two runs with the same
	// source, mapping and seed produce identical masked output.
	Seed int64

	// DryLimit caps how many rows are copied per table. Zero means no cap.
	// A capped run is recorded as truncated in the audit record.
	DryLimit int

	// SampleThreshold is the row count above which column profiling switches
	// from exact aggregation to a bounded random sample of SampleRows rows.
	SampleThreshold int64
	SampleRows      int

	// TopValues is the number of most-common values collected per column.
	TopValues int

	// BatchSize is the number of rows per destination write transaction.
	BatchSize int

	// BcryptCost is the cost for hash.bcrypt transforms. Low by default for
	// speed; 10-12 is production-like.
	BcryptCost int

	// MediumDefault decides what unmapped MEDIUM-risk columns get:
	// "passthrough" copies them unchanged, "generate" assigns the
	// category-appropriate generator.
	MediumDefault string

	// OrderOverride is a manual full table ordering, required when the
	// foreign-key graph contains a cycle.
	OrderOverride []string

	// Truncate empties destination tables before writing, so reruns do not
	// collide on primary keys.
	Truncate bool
}

// Default returns the baseline configuration; flags overwrite it in cmd.
func Default() *Config {
	return &Config{
		Source: DatabaseConfig{
			Dialect: "postgres",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Dest: DatabaseConfig{
			Dialect: "postgres",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Run: RunOptions{
			Schemas:         []string{"public"},
			Seed:            1234,
			SampleThreshold: 20000,
			SampleRows:      5000,
			TopValues:       5,
			BatchSize:       1000,
			BcryptCost:      4,
			MediumDefault:   "passthrough",
		},
	}
}
