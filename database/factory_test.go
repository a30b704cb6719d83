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

package database

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	primary := DefaultConnectionConfig()
	primary.Type = "sqlite"
	primary.DSN = memoryDSN(t, "primary")
	primary.HealthCheckInterval = 0

	reporting := *primary
	reporting.DSN = memoryDSN(t, "reporting")
	return &Config{
		Connection: *primary,
		Units:      map[string]ConnectionConfig{"reporting": reporting},
		Migrate:    MigrateConfig{EnableMigrateOnStartup: true, SeedOnMigration: true},
		Seed:       SeedConfig{Environment: "test"},
	}
}

func TestFactoryInitialize(t *testing.T) {
	ctx := context.Background()
	registry := NewModelRegistry()
	registry.Register(Model((*simple)(nil), 1))

	f := NewFactory(testConfig(t))
	f.SetLogger(&recordingLogger{})
	f.SetModelRegistry(registry)
	f.SetSeedFS(seedFS())
	f.SetMetricsRegisterer(prometheus.NewRegistry())
	require.NoError(t, f.Initialize(ctx))
	t.Cleanup(func() { _ = f.Close() })

	def, err := GetUnit(DefaultUnitName)
	require.NoError(t, err)
	reporting, err := GetUnit("reporting")
	require.NoError(t, err)
	assert.NotSame(t, def.DB(), reporting.DB())

	assert.Equal(t, 3, countSimple(t, def.DB()), "seeded on migration")
	assert.Equal(t, 0, countSimple(t, reporting.DB()), "tables exist on every unit")

	health := f.HealthStatus(ctx)
	require.Len(t, health, 2)
	assert.True(t, health["reporting"].Healthy)
	assert.Len(t, f.Stats(), 2)

	_, err = f.Manager("missing")
	assert.ErrorIs(t, err, ErrUnknownUnit)

	require.NoError(t, f.Close())
	_, err = GetUnit("reporting")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestFactoryInitializeFailureClosesUnits(t *testing.T) {
	cfg := testConfig(t)
	broken := cfg.Units["reporting"]
	broken.Type = "oracle"
	cfg.Units["reporting"] = broken

	f := NewFactory(cfg)
	f.SetLogger(&recordingLogger{})
	err := f.Initialize(context.Background())
	require.Error(t, err)

	_, err = GetUnit(DefaultUnitName)
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestInitDB(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Migrate = MigrateConfig{}
	cfg.Units = nil

	db, err := InitDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB() })
	require.NotNil(t, db)
	GetFactory().SetLogger(&recordingLogger{})

	assert.Same(t, db, GetDB())
	u, err := DefaultUnit()
	require.NoError(t, err)
	assert.Equal(t, DefaultUnitName, u.Name())
	assert.True(t, GetHealthStatus(ctx).Healthy)
	assert.Equal(t, 1, GetDatabaseStats().MaxOpenConns)
	assert.NoError(t, RunMigrations(ctx))

	require.NoError(t, CloseDB())
	assert.Nil(t, GetDB())
	assert.False(t, GetHealthStatus(ctx).Healthy)
	assert.ErrorIs(t, RunMigrations(ctx), ErrNotInitialized)
	assert.ErrorIs(t, InitData(ctx), ErrNotInitialized)
}

func TestInitDBRejectsInvalidConfig(t *testing.T) {
	_, err := InitDB(nil)
	assert.Error(t, err)
	_, err = InitDB(&Config{})
	assert.Error(t, err)
}
