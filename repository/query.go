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

	"github.com/tomoncle/bunspike/database"
	"github.com/tomoncle/bunspike/types"
	"github.com/uptrace/bun"
)

func (r *baseRepositoryImpl[E, PK]) Select(ctx context.Context, build func(q *bun.SelectQuery) *bun.SelectQuery) ([]*E, error) {
	s := r.Session(ctx)
	if err := s.AutoFlush(ctx); err != nil {
		return nil, err
	}
	entities := make([]*E, 0)
	q := s.IDB().NewSelect().Model(&entities)
	if build != nil {
		q = build(q)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return manage(s, entities)
}

func (r *baseRepositoryImpl[E, PK]) FindWhere(ctx context.Context, where string, args ...interface{}) ([]*E, error) {
	return r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return r.orderByKey(applyWhere(q, where, args))
	})
}

func (r *baseRepositoryImpl[E, PK]) FindOneWhere(ctx context.Context, where string, args ...interface{}) (*E, error) {
	entities, err := r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return applyWhere(q, where, args).Limit(2)
	})
	if err != nil {
		return nil, err
	}
	switch len(entities) {
	case 0:
		return nil, nil
	case 1:
		return entities[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNonUniqueResult, where)
	}
}

func (r *baseRepositoryImpl[E, PK]) FindOptionalWhere(ctx context.Context, where string, args ...interface{}) (*E, bool, error) {
	entity, err := r.FindOneWhere(ctx, where, args...)
	return entity, entity != nil, err
}

func (r *baseRepositoryImpl[E, PK]) FindFirstWhere(ctx context.Context, order string, where string, args ...interface{}) (*E, error) {
	entities, err := r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		q = applyWhere(q, where, args)
		if order != "" {
			q = q.Order(order)
		} else {
			q = r.orderByKey(q)
		}
		return q.Limit(1)
	})
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	return entities[0], nil
}

func (r *baseRepositoryImpl[E, PK]) CountWhere(ctx context.Context, where string, args ...interface{}) (int64, error) {
	s := r.Session(ctx)
	if err := s.AutoFlush(ctx); err != nil {
		return 0, err
	}
	n, err := applyWhere(s.IDB().NewSelect().Model((*E)(nil)), where, args).Count(ctx)
	return int64(n), err
}

func (r *baseRepositoryImpl[E, PK]) ExistsWhere(ctx context.Context, where string, args ...interface{}) (bool, error) {
	s := r.Session(ctx)
	if err := s.AutoFlush(ctx); err != nil {
		return false, err
	}
	return applyWhere(s.IDB().NewSelect().Model((*E)(nil)), where, args).Exists(ctx)
}

func (r *baseRepositoryImpl[E, PK]) FindPage(ctx context.Context, page types.Page, filter *types.QueryFilter) (*types.Pagination[E], error) {
	var where string
	var args []interface{}
	if filter != nil {
		where, args = filter.Schema, filter.Args
	}
	pagination := types.NewPagination[E](page)
	total, err := r.CountWhere(ctx, where, args...)
	if err != nil || total == 0 {
		return pagination, err
	}
	items, err := r.Select(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return r.paginate(applyWhere(q, where, args), page)
	})
	if err != nil {
		return nil, err
	}
	pagination.Total = int(total)
	pagination.Items = items
	return pagination, nil
}

func (r *baseRepositoryImpl[E, PK]) FindNative(ctx context.Context, query string, args ...interface{}) ([]*E, error) {
	s := r.Session(ctx)
	if err := s.AutoFlush(ctx); err != nil {
		return nil, err
	}
	entities := make([]*E, 0)
	if err := s.IDB().NewRaw(query, args...).Scan(ctx, &entities); err != nil {
		return nil, err
	}
	return manage(s, entities)
}

func (r *baseRepositoryImpl[E, PK]) ExecUpdate(ctx context.Context, build func(q *bun.UpdateQuery) *bun.UpdateQuery) (int64, error) {
	s, err := r.bulkSession(ctx)
	if err != nil {
		return 0, err
	}
	res, err := build(s.IDB().NewUpdate().Model((*E)(nil))).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *baseRepositoryImpl[E, PK]) ExecDelete(ctx context.Context, build func(q *bun.DeleteQuery) *bun.DeleteQuery) (int64, error) {
	s, err := r.bulkSession(ctx)
	if err != nil {
		return 0, err
	}
	res, err := build(s.IDB().NewDelete().Model((*E)(nil))).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *baseRepositoryImpl[E, PK]) DeleteWhere(ctx context.Context, where string, args ...interface{}) (int64, error) {
	if where == "" {
		return 0, fmt.Errorf("repository: DeleteWhere needs a condition")
	}
	return r.ExecDelete(ctx, func(q *bun.DeleteQuery) *bun.DeleteQuery {
		return q.Where(where, args...)
	})
}

// bulkSession returns the transactional session after flushing it.
func (r *baseRepositoryImpl[E, PK]) bulkSession(ctx context.Context) (*database.Session, error) {
	s := r.Session(ctx)
	if !s.InTransaction() {
		return nil, database.ErrTransactionRequired
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func applyWhere(q *bun.SelectQuery, where string, args []interface{}) *bun.SelectQuery {
	if where == "" {
		return q
	}
	return q.Where(where, args...)
}

// FindColumn selects a single column of E's table into values of type V,
// e.g. the names of all matching rows.
func FindColumn[V any, E any, PK any](ctx context.Context, repo EntityRepository[E, PK], column string, where string, args ...interface{}) ([]V, error) {
	s := repo.Session(ctx)
	if err := s.AutoFlush(ctx); err != nil {
		return nil, err
	}
	values := make([]V, 0)
	q := applyWhere(repo.NewSelect(ctx).Column(column), where, args)
	if err := q.Scan(ctx, &values); err != nil {
		return nil, err
	}
	return values, nil
}
