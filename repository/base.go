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
	"reflect"

	"github.com/tomoncle/bunspike/database"
	"github.com/tomoncle/bunspike/types"
	"github.com/uptrace/bun"
)

type baseRepositoryImpl[E any, PK any] struct {
	unit *database.Unit
}

// NewEntityRepository returns a repository for E on unit.
func NewEntityRepository[E any, PK any](unit *database.Unit) EntityRepository[E, PK] {
	return newBaseRepository[E, PK](unit)
}

func NewEntityWithIDRepository[E any, PK any](unit *database.Unit) EntityWithIDRepository[E, PK] {
	return newBaseRepository[E, PK](unit)
}

func NewEntityCountRepository[E any, PK any](unit *database.Unit) EntityCountRepository[E, PK] {
	return newBaseRepository[E, PK](unit)
}

func NewExtendedEntityRepository[E any, PK any](unit *database.Unit) ExtendedEntityRepository[E, PK] {
	return newBaseRepository[E, PK](unit)
}

func newBaseRepository[E any, PK any](unit *database.Unit) *baseRepositoryImpl[E, PK] {
	return &baseRepositoryImpl[E, PK]{unit: unit}
}

func (r *baseRepositoryImpl[E, PK]) Unit() *database.Unit { return r.unit }

func (r *baseRepositoryImpl[E, PK]) Session(ctx context.Context) *database.Session {
	return r.unit.Session(ctx)
}

func (r *baseRepositoryImpl[E, PK]) Contains(ctx context.Context, entity *E) bool {
	return entity != nil && r.Session(ctx).Contains(entity)
}

func (r *baseRepositoryImpl[E, PK]) NewSelect(ctx context.Context) *bun.SelectQuery {
	return r.Session(ctx).IDB().NewSelect().Model((*E)(nil))
}

func (r *baseRepositoryImpl[E, PK]) NewUpdate(ctx context.Context) *bun.UpdateQuery {
	return r.Session(ctx).IDB().NewUpdate().Model((*E)(nil))
}

func (r *baseRepositoryImpl[E, PK]) NewDelete(ctx context.Context) *bun.DeleteQuery {
	return r.Session(ctx).IDB().NewDelete().Model((*E)(nil))
}

func (r *baseRepositoryImpl[E, PK]) NewRaw(ctx context.Context, query string, args ...interface{}) *bun.RawQuery {
	return r.Session(ctx).IDB().NewRaw(query, args...)
}

func (r *baseRepositoryImpl[E, PK]) FindAll(ctx context.Context) ([]*E, error) {
	return r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return r.orderByKey(q)
	})
}

func (r *baseRepositoryImpl[E, PK]) FindAllPage(ctx context.Context, page types.Page) ([]*E, error) {
	return r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return r.paginate(q, page)
	})
}

func (r *baseRepositoryImpl[E, PK]) FindAllRange(ctx context.Context, start, max int) ([]*E, error) {
	if start < 0 {
		start = 0
	}
	return r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return r.orderByKey(q).Offset(start).Limit(max)
	})
}

func (r *baseRepositoryImpl[E, PK]) Save(ctx context.Context, entity *E) (*E, error) {
	if entity == nil {
		return nil, database.ErrNilEntity
	}
	s := r.Session(ctx)
	if s.Contains(entity) {
		return entity, nil
	}
	_, zero, err := database.PrimaryKey(r.unit.DB(), entity)
	if err != nil {
		return nil, err
	}
	if zero {
		if err := s.Persist(ctx, entity); err != nil {
			return nil, err
		}
		return entity, nil
	}
	merged, err := s.Merge(ctx, entity)
	if err != nil {
		return nil, err
	}
	return merged.(*E), nil
}

func (r *baseRepositoryImpl[E, PK]) SaveAndFlush(ctx context.Context, entity *E) (*E, error) {
	saved, err := r.Save(ctx, entity)
	if err != nil {
		return nil, err
	}
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *baseRepositoryImpl[E, PK]) SaveAndFlushAndRefresh(ctx context.Context, entity *E) (*E, error) {
	saved, err := r.SaveAndFlush(ctx, entity)
	if err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *baseRepositoryImpl[E, PK]) Remove(ctx context.Context, entity *E) error {
	if entity == nil {
		return database.ErrNilEntity
	}
	return r.Session(ctx).Remove(ctx, entity)
}

func (r *baseRepositoryImpl[E, PK]) RemoveAndFlush(ctx context.Context, entity *E) error {
	if err := r.Remove(ctx, entity); err != nil {
		return err
	}
	return r.Flush(ctx)
}

func (r *baseRepositoryImpl[E, PK]) AttachAndRemove(ctx context.Context, entity *E) error {
	if entity == nil {
		return database.ErrNilEntity
	}
	s := r.Session(ctx)
	if !s.Contains(entity) {
		merged, err := s.Merge(ctx, entity)
		if err != nil {
			return err
		}
		entity = merged.(*E)
	}
	return r.Remove(ctx, entity)
}

func (r *baseRepositoryImpl[E, PK]) Refresh(ctx context.Context, entity *E) error {
	if entity == nil {
		return database.ErrNilEntity
	}
	return r.Session(ctx).Refresh(ctx, entity)
}

func (r *baseRepositoryImpl[E, PK]) Flush(ctx context.Context) error {
	return r.Session(ctx).Flush(ctx)
}

func (r *baseRepositoryImpl[E, PK]) Detach(ctx context.Context, entity *E) {
	if entity != nil {
		r.Session(ctx).Detach(entity)
	}
}

func (r *baseRepositoryImpl[E, PK]) GetPrimaryKey(entity *E) (PK, error) {
	var pk PK
	if entity == nil {
		return pk, database.ErrNilEntity
	}
	v, zero, err := database.PrimaryKey(r.unit.DB(), entity)
	if err != nil || zero {
		return pk, err
	}
	pk, ok := v.(PK)
	if !ok {
		return pk, fmt.Errorf("%w: key of %T is %T, not %T", database.ErrUnsupportedKey, entity, v, pk)
	}
	return pk, nil
}

func (r *baseRepositoryImpl[E, PK]) FindBy(ctx context.Context, id PK) (*E, error) {
	found, err := r.Session(ctx).Find(ctx, new(E), id)
	if err != nil || found == nil {
		return nil, err
	}
	return found.(*E), nil
}

func (r *baseRepositoryImpl[E, PK]) FindOptionalBy(ctx context.Context, id PK) (*E, bool, error) {
	entity, err := r.FindBy(ctx, id)
	return entity, entity != nil, err
}

func (r *baseRepositoryImpl[E, PK]) Count(ctx context.Context) (int64, error) {
	return r.CountWhere(ctx, "")
}

// pkColumn is the column name of E's single primary key.
func (r *baseRepositoryImpl[E, PK]) pkColumn() (string, error) {
	table := r.unit.DB().Table(reflect.TypeFor[E]())
	if table == nil || len(table.PKs) != 1 {
		return "", fmt.Errorf("%w: %s", database.ErrUnsupportedKey, reflect.TypeFor[E]())
	}
	return table.PKs[0].Name, nil
}

func (r *baseRepositoryImpl[E, PK]) orderByKey(q *bun.SelectQuery) *bun.SelectQuery {
	if col, err := r.pkColumn(); err == nil {
		q = q.OrderExpr("?TableAlias.? ASC", bun.Ident(col))
	}
	return q
}

func (r *baseRepositoryImpl[E, PK]) paginate(q *bun.SelectQuery, page types.Page) *bun.SelectQuery {
	if len(page.Orders) > 0 {
		q = q.Order(page.Orders...)
	} else {
		q = r.orderByKey(q)
	}
	return q.Offset(page.Offset()).Limit(page.Limit())
}

// manage swaps query results for the instances the session already manages.
func manage[E any](s *database.Session, items []*E) ([]*E, error) {
	for i, item := range items {
		m, err := s.Manage(item)
		if err != nil {
			return nil, err
		}
		items[i] = m.(*E)
	}
	return items, nil
}
