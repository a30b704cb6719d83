//go:build integration

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/tomoncle/bunspike/database"
)

func setupPostgres(t *testing.T) *database.Unit {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpg.Run(ctx,
		"postgres:16-alpine",
		tcpg.WithDatabase("testdb"),
		tcpg.WithUsername("postgres"),
		tcpg.WithPassword("password"),
		tcpg.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	host, err := ctr.Host(ctx)
	require.NoError(t, err)

	conn := database.DefaultConnectionConfig()
	conn.Type = "postgres"
	conn.Host = host
	conn.DSN = dsn
	conn.HealthCheckInterval = 0

	registry := database.NewModelRegistry()
	registry.Register(
		database.Model((*simple)(nil), 1),
		database.Model((*simpleStringID)(nil), 2),
		database.Model((*author)(nil), 3),
		database.Model((*task)(nil), 4),
	)

	f := database.NewFactory(&database.Config{Connection: *conn})
	f.SetModelRegistry(registry)
	f.SetSeedFS(seedTasks)
	require.NoError(t, f.Initialize(ctx))
	t.Cleanup(func() { _ = f.Close() })
	require.NoError(t, f.Migrate(ctx))
	_, err = f.Seed(ctx)
	require.NoError(t, err)

	unit, err := database.GetUnit(database.DefaultUnitName)
	require.NoError(t, err)
	return unit
}

func TestPostgresRepository(t *testing.T) {
	u := setupPostgres(t)
	repo := NewExtendedEntityRepository[simple, int64](u)
	authors := NewExtendedEntityRepository[author, string](u)
	ids := NewExtendedEntityRepository[simpleStringID, string](u)

	var id int64
	inTx(t, u, func(ctx context.Context) {
		e := createSimple(t, ctx, repo, "postgres")
		id = e.ID
		e.Counter = 7

		a, err := authors.Save(ctx, &author{Name: "Emmanuel Bernard"})
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)

		require.NoError(t, ids.Upsert(ctx, []string{"name"}, nil, &simpleStringID{ID: "k", Name: "one"}))
		require.NoError(t, ids.Upsert(ctx, []string{"name"}, []string{"id"}, &simpleStringID{ID: "k", Name: "two"}))
	})

	ctx := context.Background()
	e, err := repo.FindBy(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 7, e.Counter, "dirty entity flushed on commit")

	k, err := ids.FindBy(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", k.Name)

	seeded, err := NewExtendedEntityRepository[task, int64](u).FindBy(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, seeded)
	assert.Equal(t, "Example task", seeded.Description)

	err = u.RunInTx(ctx, nil, func(ctx context.Context) error {
		_, err := authors.Save(ctx, &author{Name: "Emmanuel Bernard"})
		return err
	})
	assert.True(t, database.IsDuplicateKey(err))
}
