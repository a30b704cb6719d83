/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomoncle/bunspike/database"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
)

// Upsert writes entities with one statement where the dialect supports it:
// ON CONFLICT on PostgreSQL and SQLite, ON DUPLICATE KEY on MySQL. Other
// dialects insert each entity and update it by primary key when the insert
// fails. It bypasses the session like the other bulk operations.
func (r *baseRepositoryImpl[E, PK]) Upsert(ctx context.Context, fields []string, conflictKeys []string, entities ...*E) error {
	if len(fields) == 0 {
		return fmt.Errorf("repository: upsert fields cannot be empty")
	}
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if e == nil {
			return database.ErrNilEntity
		}
	}
	s, err := r.bulkSession(ctx)
	if err != nil {
		return err
	}

	db := r.unit.DB()
	switch {
	case db.HasFeature(feature.InsertOnConflict):
		return r.upsertOnConflict(ctx, s.IDB(), fields, conflictKeys, entities)
	case db.HasFeature(feature.InsertOnDuplicateKey):
		return r.upsertOnDuplicateKey(ctx, s.IDB(), fields, entities)
	default:
		return r.upsertFallback(ctx, s.IDB(), entities)
	}
}

func (r *baseRepositoryImpl[E, PK]) upsertOnDuplicateKey(ctx context.Context, idb bun.IDB, fields []string, entities []*E) error {
	q := idb.NewInsert().Model(&entities).On("DUPLICATE KEY UPDATE")
	for _, field := range fields {
		q = q.Set("? = VALUES(?)", bun.Ident(field), bun.Ident(field))
	}
	_, err := q.Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[E, PK]) upsertOnConflict(ctx context.Context, idb bun.IDB, fields []string, conflictKeys []string, entities []*E) error {
	if len(conflictKeys) == 0 {
		col, err := r.pkColumn()
		if err != nil {
			return err
		}
		conflictKeys = []string{col}
	}
	q := idb.NewInsert().Model(&entities).On("CONFLICT (?) DO UPDATE", bun.Safe(strings.Join(conflictKeys, ", ")))
	for _, field := range fields {
		q = q.Set("? = EXCLUDED.?", bun.Ident(field), bun.Ident(field))
	}
	_, err := q.Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[E, PK]) upsertFallback(ctx context.Context, idb bun.IDB, entities []*E) error {
	for _, entity := range entities {
		if _, err := idb.NewInsert().Model(entity).Exec(ctx); err != nil {
			if _, updateErr := idb.NewUpdate().Model(entity).WherePK().Exec(ctx); updateErr != nil {
				return fmt.Errorf("upsert failed for entity: insert error: %v, update error: %w", err, updateErr)
			}
		}
	}
	return nil
}
