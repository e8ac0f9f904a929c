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
package mask

import (
	"errors"
	"fmt"
)

// TransformError represents a failure to mask one cell. It is retried
// once and then degraded to a neutral fallback value, never fatal.
type TransformError struct {
	Table  string
	Column string
	Key    string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed for %s.%s (row %s): %v", e.Table, e.Column, e.Key, e.Err)
}

func (e *TransformError) Unwrap() error {
	return errors.Unwrap(e.Err)
}

// ReadError represents a failure to stream rows from the source.
type ReadError struct {
	Table string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read rows of %s: %v", e.Table, e.Err)
}

func (e *ReadError) Unwrap() error {
	return errors.Unwrap(e.Err)
}

// WriteError represents a failed batch write to the destination. It is
// fatal: the batch rolls back and the run aborts.
type WriteError struct {
	Table string
	Batch int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write batch %d of %s: %v", e.Batch, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return errors.Unwrap(e.Err)
}

// ErrCancelled represents a run interrupted by its context.
type ErrCancelled struct {
	Msg string
	Err error
}

func (e *ErrCancelled) Error() string {
	return fmt.Sprintf("operation cancelled: %s: %v", e.Msg, e.Err)
}

func (e *ErrCancelled) Unwrap() error {
	return errors.Unwrap(e.Err)
}
