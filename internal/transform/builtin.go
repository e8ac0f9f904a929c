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
package transform

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	Register("passthrough", passthrough)
	Register("faker.email", fakerEmail)
	Register("faker.name", fakerString(func(f *gofakeit.Faker) string { return f.Name() }))
	Register("faker.username", fakerString(func(f *gofakeit.Faker) string { return f.Username() }))
	Register("faker.phone", fakerString(func(f *gofakeit.Faker) string { return f.Phone() }))
	Register("faker.street", fakerString(func(f *gofakeit.Faker) string { return f.Street() }))
	Register("faker.city", fakerString(func(f *gofakeit.Faker) string { return f.City() }))
	Register("faker.zip", fakerString(func(f *gofakeit.Faker) string { return f.Zip() }))
	Register("faker.url", fakerString(func(f *gofakeit.Faker) string { return f.URL() }))
	Register("faker.ipv4", fakerString(func(f *gofakeit.Faker) string { return f.IPv4Address() }))
	Register("faker.ssn", fakerString(func(f *gofakeit.Faker) string { return f.SSN() }))
	Register("faker.word", fakerString(func(f *gofakeit.Faker) string { return f.Word() }))
	Register("faker.sentence", fakerString(func(f *gofakeit.Faker) string { return f.Sentence(8) }))
	Register("faker.paragraph", fakerString(func(f *gofakeit.Faker) string { return f.Paragraph(1, 3, 10, " ") }))
	Register("hash.bcrypt", hashBcrypt)
	Register("enum.choice", enumChoice)
	Register("number.int", numberInt)
	Register("number.float", numberFloat)
	Register("date.between", dateBetween)
}

func passthrough(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	return value, nil
}

// fakerEmail builds the masked address from the row key and a digest of
// the original value, so the output is deterministic, unique per row, and
// never routable (example.test cannot receive mail).
func fakerEmail(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	salt := ""
	if opts != nil {
		salt = opts.Salt
	}
	digest := shortDigest(valueString(value) + salt)
	return truncate(fmt.Sprintf("user%s+%s@example.test", keyToken(ctx), digest), opts), nil
}

// fakerString wraps one gofakeit generator as a deterministic transform.
// Unique columns get a row-key suffix so generated values cannot collide.
func fakerString(gen func(f *gofakeit.Faker) string) Func {
	return func(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
		if value == nil {
			return nil, nil
		}
		salt := ""
		if opts != nil {
			salt = opts.Salt
		}
		out := gen(gofakeit.New(ctx.rowSeed(salt)))
		if ctx.Unique {
			out = out + "-" + keyToken(ctx)
		}
		return truncate(out, opts), nil
	}
}

func hashBcrypt(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	cost := 0
	salt := ""
	if opts != nil {
		cost = opts.BcryptCost
		salt = opts.Salt
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(valueString(value)+salt), cost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt failed: %w", err)
	}
	return string(hashed), nil
}

func enumChoice(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if opts == nil || len(opts.Choices) == 0 {
		return nil, fmt.Errorf("enum.choice has no choices configured")
	}
	f := gofakeit.New(ctx.rowSeed(opts.Salt))
	return opts.Choices[f.Number(0, len(opts.Choices)-1)], nil
}

func numberInt(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	min, max, salt := 0, 1000000, ""
	if opts != nil {
		salt = opts.Salt
		min = int(opts.Min)
		if opts.Max != 0 {
			max = int(opts.Max)
		}
	}
	f := gofakeit.New(ctx.rowSeed(salt))
	return int64(f.Number(min, max)), nil
}

func numberFloat(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	min, max, salt := 0.0, 1000000.0, ""
	if opts != nil {
		salt = opts.Salt
		min = opts.Min
		if opts.Max != 0 {
			max = opts.Max
		}
	}
	f := gofakeit.New(ctx.rowSeed(salt))
	return f.Float64Range(min, max), nil
}

func dateBetween(value interface{}, ctx *Context, opts *Options) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	start, err := opts.StartTime()
	if err != nil {
		return nil, err
	}
	end, err := opts.EndTime()
	if err != nil {
		return nil, err
	}
	salt := ""
	if opts != nil {
		salt = opts.Salt
	}
	f := gofakeit.New(ctx.rowSeed(salt))
	return f.DateRange(start, end), nil
}

func shortDigest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}

// keyToken renders the row key as a token safe for embedding in emails
// and suffixes.
func keyToken(ctx *Context) string {
	var b strings.Builder
	for _, r := range ctx.rowKey() {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ':':
			b.WriteByte('.')
		}
	}
	if b.Len() == 0 {
		return shortDigest(ctx.rowKey())
	}
	return b.String()
}
