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
package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultOutputFilePath(t *testing.T) {
	assert.Equal(t, "prod_verify.md", GetDefaultOutputFilePath("prod", "verify"))
	assert.Equal(t, "prod_insight.json", GetDefaultOutputFilePath("prod", "inspect"))
	assert.Equal(t, "prod_other.txt", GetDefaultOutputFilePath("prod", "other"))
}

func TestParseTablesFlag(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		expect  map[string][]string
		wantErr bool
	}{
		{
			name:   "empty",
			input:  "",
			expect: map[string][]string{},
		},
		{
			name:   "plain tables",
			input:  "users,orders",
			expect: map[string][]string{"users": nil, "orders": nil},
		},
		{
			name:  "tables with columns",
			input: "users[email,full_name],orders",
			expect: map[string][]string{
				"users":  {"email", "full_name"},
				"orders": nil,
			},
		},
		{
			name:  "spaces are tolerated",
			input: "users [email, full_name]",
			expect: map[string][]string{
				"users": {"email", "full_name"},
			},
		},
		{
			name:    "missing closing bracket",
			input:   "users[email",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTablesFlag(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestSplitOutsideBrackets(t *testing.T) {
	assert.Equal(t, []string{"a", "b[c,d]", "e"}, SplitOutsideBrackets("a,b[c,d],e"))
	assert.Equal(t, []string{"one"}, SplitOutsideBrackets("one"))
	assert.Nil(t, SplitOutsideBrackets(""))
}

func TestParseCSV(t *testing.T) {
	assert.Nil(t, ParseCSV(""))
	assert.Equal(t, []string{"a", "b"}, ParseCSV("a,b"))
	assert.Equal(t, []string{"a", "b"}, ParseCSV(" a , b , "))
}
