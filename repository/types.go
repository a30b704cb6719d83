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
	"errors"

	"github.com/tomoncle/bunspike/database"
	"github.com/tomoncle/bunspike/types"
	"github.com/uptrace/bun"
)

// ErrNonUniqueResult is returned by single-result finders that match several rows.
var ErrNonUniqueResult = errors.New("repository: query returned more than one result")

// QueryRepository finds entities of type E with WHERE clauses and bun builders.
// Finders flush the session first so they see unflushed changes.
type QueryRepository[E any] interface {
	FindWhere(ctx context.Context, where string, args ...interface{}) ([]*E, error)

	// FindOneWhere returns nil when nothing matches and ErrNonUniqueResult
	// when more than one row does.
	FindOneWhere(ctx context.Context, where string, args ...interface{}) (*E, error)

	FindOptionalWhere(ctx context.Context, where string, args ...interface{}) (*E, bool, error)

	// FindFirstWhere returns the first match by order, or by primary key when
	// order is empty.
	FindFirstWhere(ctx context.Context, order string, where string, args ...interface{}) (*E, error)

	CountWhere(ctx context.Context, where string, args ...interface{}) (int64, error)

	ExistsWhere(ctx context.Context, where string, args ...interface{}) (bool, error)

	FindPage(ctx context.Context, page types.Page, filter *types.QueryFilter) (*types.Pagination[E], error)

	// FindNative maps the rows of a raw SQL query to entities.
	FindNative(ctx context.Context, query string, args ...interface{}) ([]*E, error)

	Select(ctx context.Context, build func(q *bun.SelectQuery) *bun.SelectQuery) ([]*E, error)

	// ExecUpdate and ExecDelete run bulk statements inside the current
	// transaction and report rows affected. Managed entities are not updated.
	ExecUpdate(ctx context.Context, build func(q *bun.UpdateQuery) *bun.UpdateQuery) (int64, error)
	ExecDelete(ctx context.Context, build func(q *bun.DeleteQuery) *bun.DeleteQuery) (int64, error)
	DeleteWhere(ctx context.Context, where string, args ...interface{}) (int64, error)
}

// EntityRepository is the base repository of entity type E with primary key
// type PK. Modifying operations need a transaction opened with
// database.Unit.RunInTx.
type EntityRepository[E any, PK any] interface {
	QueryRepository[E]

	Unit() *database.Unit
	Session(ctx context.Context) *database.Session
	Contains(ctx context.Context, entity *E) bool

	// FindAll returns every entity, an empty slice when there are none.
	FindAll(ctx context.Context) ([]*E, error)
	FindAllPage(ctx context.Context, page types.Page) ([]*E, error)
	// FindAllRange returns at most max entities starting at offset start.
	FindAllRange(ctx context.Context, start, max int) ([]*E, error)

	// Save persists entity when its primary key is unassigned and merges it
	// otherwise. The managed instance is returned.
	Save(ctx context.Context, entity *E) (*E, error)
	SaveAndFlush(ctx context.Context, entity *E) (*E, error)
	// SaveAndFlushAndRefresh also reloads the row, picking up values set by
	// the database such as defaults or trigger output.
	SaveAndFlushAndRefresh(ctx context.Context, entity *E) (*E, error)

	Remove(ctx context.Context, entity *E) error
	RemoveAndFlush(ctx context.Context, entity *E) error
	// AttachAndRemove removes an entity that may be detached.
	AttachAndRemove(ctx context.Context, entity *E) error

	Refresh(ctx context.Context, entity *E) error
	Flush(ctx context.Context) error
	Detach(ctx context.Context, entity *E)

	// GetPrimaryKey returns the key of entity, the zero PK when unassigned.
	GetPrimaryKey(entity *E) (PK, error)

	// Upsert inserts entities, updating fields on conflict with conflictKeys.
	Upsert(ctx context.Context, fields []string, conflictKeys []string, entities ...*E) error

	NewSelect(ctx context.Context) *bun.SelectQuery
	NewUpdate(ctx context.Context) *bun.UpdateQuery
	NewDelete(ctx context.Context) *bun.DeleteQuery
	NewRaw(ctx context.Context, query string, args ...interface{}) *bun.RawQuery
}

// EntityWithIDRepository adds lookups by primary key.
type EntityWithIDRepository[E any, PK any] interface {
	EntityRepository[E, PK]

	// FindBy returns nil when no entity has primary key id.
	FindBy(ctx context.Context, id PK) (*E, error)
	FindOptionalBy(ctx context.Context, id PK) (*E, bool, error)
}

// EntityCountRepository adds counting.
type EntityCountRepository[E any, PK any] interface {
	EntityRepository[E, PK]

	Count(ctx context.Context) (int64, error)
}

// ExtendedEntityRepository combines lookups by primary key and counting.
type ExtendedEntityRepository[E any, PK any] interface {
	EntityWithIDRepository[E, PK]
	EntityCountRepository[E, PK]
}
