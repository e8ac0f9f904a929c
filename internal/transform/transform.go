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

// Package transform holds the masking transforms and their registry.
// Every transform is deterministic in (run seed, salt, table, column,
// primary key): re-running over the same source reproduces the same
// output. The one exception is hash.bcrypt, whose salt comes from the
// crypto randomness of the bcrypt implementation.
package transform

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"
)

// Context identifies the cell being transformed and carries the run seed.
type Context struct {
	Table  string
	Column string

	// PrimaryKey is the row's original primary-key value(s), joined with
	// ":" for composite keys. Empty when the table has no primary key.
	PrimaryKey string

	// Ordinal is the zero-based row position within the table scan. Used
	// for seeding only when PrimaryKey is empty.
	Ordinal int64

	// Unique marks columns that carry a uniqueness constraint; transforms
	// append a key-derived suffix so masked values cannot collide.
	Unique bool

	// Seed is the run-level seed shared by all transforms.
	Seed int64
}

// rowKey is the stable per-row identity used for seeding.
func (c *Context) rowKey() string {
	if c.PrimaryKey != "" {
		return c.PrimaryKey
	}
	return "#" + strconv.FormatInt(c.Ordinal, 10)
}

// rowSeed derives the per-cell seed from the run seed, the salt, and the
// cell's identity. FNV keeps this cheap and stable across platforms.
func (c *Context) rowSeed(salt string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%s", c.Seed, salt, c.Table, c.Column, c.rowKey())
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Options are the per-column knobs a mapping entry may set. Fields not
// meaningful to a given transform are ignored by it.
type Options struct {
	// Salt perturbs the deterministic seed, so two columns with the same
	// values do not mask to the same outputs.
	Salt string `yaml:"salt"`

	// TruncateLen caps the length of string outputs. Zero means no cap.
	TruncateLen int `yaml:"truncate_len"`

	// BcryptCost is the work factor for hash.bcrypt.
	BcryptCost int `yaml:"bcrypt_cost"`

	// Choices is the value set for enum.choice.
	Choices []string `yaml:"choices"`

	// Min and Max bound number.int and number.float outputs. Max 0 keeps
	// the default upper bound, so a mapping may set only Min.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// Start and End bound date.between, in 2006-01-02 layout.
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

const dateLayout = "2006-01-02"

// StartTime parses the Start bound, defaulting to 1970-01-01.
func (o *Options) StartTime() (time.Time, error) {
	if o == nil || o.Start == "" {
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse(dateLayout, o.Start)
}

// EndTime parses the End bound, defaulting to 2030-01-01.
func (o *Options) EndTime() (time.Time, error) {
	if o == nil || o.End == "" {
		return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse(dateLayout, o.End)
}

// Func is one masking transform. A nil input value always yields a nil
// output so NULLs survive masking unchanged.
type Func func(value interface{}, ctx *Context, opts *Options) (interface{}, error)

var registry = map[string]Func{}

// Register adds a named transform. Later registrations overwrite earlier
// ones, which the built-ins never do.
func Register(name string, fn Func) {
	registry[name] = fn
}

// UnknownTransformError reports a mapping entry naming a transform that
// does not exist. This is a configuration error detected before masking.
type UnknownTransformError struct {
	Name string
}

func (e *UnknownTransformError) Error() string {
	return fmt.Sprintf("unknown transform %q (known: %v)", e.Name, Names())
}

// Lookup resolves a transform by name.
func Lookup(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, &UnknownTransformError{Name: name}
	}
	return fn, nil
}

// Names lists the registered transform names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks an (name, options) pair without running it, so a bad
// mapping fails before any row is read.
func Validate(name string, opts *Options) error {
	if _, err := Lookup(name); err != nil {
		return err
	}
	switch name {
	case "enum.choice":
		if opts == nil || len(opts.Choices) == 0 {
			return fmt.Errorf("transform enum.choice requires a non-empty choices option")
		}
	case "number.int", "number.float":
		// Max 0 means unbounded, so a mapping may set only a lower bound.
		if opts != nil && opts.Max != 0 && opts.Max < opts.Min {
			return fmt.Errorf("transform %s has max %v below min %v", name, opts.Max, opts.Min)
		}
	case "date.between":
		start, err := opts.StartTime()
		if err != nil {
			return fmt.Errorf("transform date.between has bad start: %w", err)
		}
		end, err := opts.EndTime()
		if err != nil {
			return fmt.Errorf("transform date.between has bad end: %w", err)
		}
		if end.Before(start) {
			return fmt.Errorf("transform date.between has end %s before start %s", opts.End, opts.Start)
		}
	}
	return nil
}

// valueString renders a scanned database value for hashing and digests.
func valueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// truncate applies the TruncateLen option to a string output.
func truncate(s string, opts *Options) string {
	if opts != nil && opts.TruncateLen > 0 && len(s) > opts.TruncateLen {
		return s[:opts.TruncateLen]
	}
	return s
}
