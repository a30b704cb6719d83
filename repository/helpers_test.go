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
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"github.com/tomoncle/bunspike/database"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type simple struct {
	bun.BaseModel `bun:"table:simple_table,alias:s"`

	ID      int64  `bun:"id,pk,autoincrement"`
	Name    string `bun:"name,notnull"`
	Enabled bool   `bun:"enabled,notnull"`
	Counter int    `bun:"counter,notnull"`
}

type simpleStringID struct {
	bun.BaseModel `bun:"table:simple_string_id"`

	ID   string `bun:"id,pk"`
	Name string `bun:"name"`
}

type author struct {
	bun.BaseModel `bun:"table:authors"`

	ID   string `bun:"id,pk,type:uuid"`
	Name string `bun:"name,unique"`
}

type task struct {
	bun.BaseModel `bun:"table:tasks"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Description string `bun:"description"`
}

type nullableKey struct {
	bun.BaseModel `bun:"table:nullable_keys"`

	ID *int64 `bun:"id,pk,autoincrement"`
}

var seedTasks = fstest.MapFS{
	"common/001_tasks.sql": {Data: []byte("INSERT INTO tasks (id, description) VALUES (1, 'Example task');\n")},
}

var dbSeq atomic.Int64

// newTestUnit returns a unit on a private in-memory SQLite database holding
// the test tables and the seeded example task. The single pooled connection
// belongs to any open transaction, so tests only query through sessions.
func newTestUnit(t *testing.T) *database.Unit {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	for _, m := range []interface{}{(*simple)(nil), (*simpleStringID)(nil), (*author)(nil), (*task)(nil)} {
		_, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}
	_, err = database.NewSeeder(db, seedTasks, "test").Run(ctx)
	require.NoError(t, err)

	return database.NewUnit(t.Name(), db)
}

// inTx runs fn in a transaction on u and fails the test on error.
func inTx(t *testing.T, u *database.Unit, fn func(ctx context.Context)) {
	t.Helper()
	err := u.RunInTx(context.Background(), nil, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	require.NoError(t, err)
}

func createSimple(t *testing.T, ctx context.Context, repo EntityRepository[simple, int64], name string) *simple {
	t.Helper()
	e, err := repo.Save(ctx, &simple{Name: name, Enabled: true})
	require.NoError(t, err)
	return e
}
