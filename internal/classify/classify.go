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

// Package classify assigns an advisory PII risk tier to each column from
// its name, declared type and value profile. Classification is pure and
// side-effect free; the plan resolver turns tiers into transforms.
package classify

import (
	"regexp"
	"strings"

	"dbmask/internal/profile"
	"dbmask/internal/schema"
)

// RiskTier is the advisory sensitivity level of a column.
type RiskTier string

const (
	High   RiskTier = "HIGH"
	Medium RiskTier = "MEDIUM"
	Low    RiskTier = "LOW"
)

// Category is the semantic shape the classifier detected. The plan
// resolver maps each category to a default transform.
type Category string

const (
	CategoryEmail      Category = "email"
	CategoryName       Category = "name"
	CategoryUsername   Category = "username"
	CategoryPhone      Category = "phone"
	CategoryCredential Category = "credential"
	CategoryNationalID Category = "national_id"
	CategoryStreet     Category = "street"
	CategoryCity       Category = "city"
	CategoryZip        Category = "zip"
	CategoryBirthdate  Category = "birthdate"
	CategoryIPAddress  Category = "ip_address"
	CategoryURL        Category = "url"
	CategoryFreeText   Category = "free_text"
	CategoryGeneric    Category = "generic"
)

// Result is one classification outcome. Reason records which rule fired
// so the resolved plan stays traceable.
type Result struct {
	Tier     RiskTier
	Category Category
	Reason   string
}

// nameHints map column-name patterns to semantic categories. Order
// matters: the first match wins, so narrower patterns come first.
var nameHints = []struct {
	pattern  *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`(?i)e.?mail`), CategoryEmail},
	{regexp.MustCompile(`(?i)(^|_)(user_?name|login|nick(name)?)($|_)`), CategoryUsername},
	{regexp.MustCompile(`(?i)(pass(word|wd)?|secret|token|api_?key|credential)`), CategoryCredential},
	{regexp.MustCompile(`(?i)(^|_)(ssn|social_?security|tax_?id|passport|national_?id)($|_)`), CategoryNationalID},
	{regexp.MustCompile(`(?i)(phone|mobile|fax|tel(ephone)?)`), CategoryPhone},
	{regexp.MustCompile(`(?i)(zip|postal_?code|postcode)`), CategoryZip},
	{regexp.MustCompile(`(?i)(^|_)city($|_)`), CategoryCity},
	{regexp.MustCompile(`(?i)(^|_)ip(_?addr(ess)?)?($|_)`), CategoryIPAddress},
	{regexp.MustCompile(`(?i)(address|street)`), CategoryStreet},
	{regexp.MustCompile(`(?i)(birth(day|date)?|(^|_)dob($|_))`), CategoryBirthdate},
	{regexp.MustCompile(`(?i)(^|_)(url|website|homepage)($|_)`), CategoryURL},
	{regexp.MustCompile(`(?i)((^|_)(first|last|full|middle|sur|given|family)_?name|(^|_)name($|_))`), CategoryName},
	{regexp.MustCompile(`(?i)(comment|description|note|message|bio|about|body|text)`), CategoryFreeText},
}

// nearUniqueFraction is the distinct fraction above which a text column is
// considered identifying per row.
const nearUniqueFraction = 0.9

// Classify assigns a risk tier and semantic category to one column.
// Decision order: sensitive name pattern, then near-unique text, then
// bounded type, then medium by default.
func Classify(col *schema.Column, prof *profile.ColumnProfile) Result {
	if cat, ok := matchNameHint(col.Name); ok {
		return Result{Tier: High, Category: cat, Reason: "column name matches " + string(cat) + " pattern"}
	}

	text := isTextType(col.DataType)

	if prof == nil || prof.Unknown {
		// No statistics to argue the column is bounded. Text stays at
		// MEDIUM, non-text types carry little identifying signal alone.
		if text {
			return Result{Tier: Medium, Category: CategoryGeneric, Reason: "text column with unknown statistics"}
		}
		return Result{Tier: Low, Category: CategoryGeneric, Reason: "non-text column with unknown statistics"}
	}

	if text && prof.DistinctFraction >= nearUniqueFraction {
		return Result{Tier: High, Category: CategoryFreeText, Reason: "near-unique text values"}
	}

	if isBoundedType(col.DataType) {
		return Result{Tier: Low, Category: CategoryGeneric, Reason: "bounded " + col.DataType + " column"}
	}

	return Result{Tier: Medium, Category: CategoryGeneric, Reason: "bounded text values"}
}

func matchNameHint(name string) (Category, bool) {
	for _, hint := range nameHints {
		if hint.pattern.MatchString(name) {
			return hint.category, true
		}
	}
	return "", false
}

func isTextType(dataType string) bool {
	t := strings.ToLower(dataType)
	for _, kw := range []string{"char", "text", "clob", "string", "json", "xml", "enum", "set"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func isBoundedType(dataType string) bool {
	t := strings.ToLower(dataType)
	for _, kw := range []string{
		"int", "serial", "bool", "bit", "date", "time", "year",
		"decimal", "numeric", "float", "double", "real", "money",
	} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}
