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
	"context"
	"log"

	"dbmask/internal/database"
	"dbmask/internal/plan"
	"dbmask/internal/profile"
	"dbmask/internal/schema"
)

// resolvePlan runs the read-only pipeline stages against the source:
// introspection, dependency ordering, profiling, and plan resolution.
func resolvePlan(ctx context.Context, src *database.DB) (*schema.Snapshot, map[string]profile.TableProfile, *plan.MaskingPlan, error) {
	snap, err := schema.Introspect(ctx, src, cfg.Run.Schemas)
	if err != nil {
		return nil, nil, nil, err
	}

	order, err := snap.DependencyOrder(cfg.Run.OrderOverride)
	if err != nil {
		return nil, nil, nil, err
	}

	profiler := profile.New(src, profile.Options{
		SampleThreshold: cfg.Run.SampleThreshold,
		SampleRows:      cfg.Run.SampleRows,
		TopValues:       cfg.Run.TopValues,
	})
	profiles, err := profiler.ProfileAll(ctx, snap)
	if err != nil {
		return nil, nil, nil, err
	}

	mapping := plan.DefaultMapping()
	if cfg.Run.MappingFile != "" {
		mapping, err = plan.LoadMapping(cfg.Run.MappingFile)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("INFO: Loaded mapping from %s.", cfg.Run.MappingFile)
	}

	resolver := &plan.Resolver{
		Mapping:       mapping,
		MediumDefault: cfg.Run.MediumDefault,
		BcryptCost:    cfg.Run.BcryptCost,
		Seed:          cfg.Run.Seed,
	}
	mp, err := resolver.Resolve(snap, profiles, order)
	if err != nil {
		return nil, nil, nil, err
	}

	return snap, profiles, mp, nil
}
