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
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) *ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.Type = "sqlite"
	cfg.DSN = memoryDSN(t)
	cfg.HealthCheckInterval = 0
	return cfg
}

func TestConnectionManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewConnectionManager("lifecycle", sqliteConfig(t))
	m.SetLogger(&recordingLogger{})

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Connect(ctx), "connecting twice is a no-op")
	require.NotNil(t, m.GetDB())
	unit := m.Unit()
	require.NotNil(t, unit)
	assert.Equal(t, "lifecycle", unit.Name())
	assert.NoError(t, m.Ping(ctx))

	status := m.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.Equal(t, "lifecycle", status.Unit)
	assert.Equal(t, 1, m.GetStats().MaxOpenConns, "in-memory sqlite uses a single connection")

	require.NoError(t, m.Reconnect(ctx))
	assert.NoError(t, m.Ping(ctx))
	assert.Same(t, unit, m.Unit())
	assert.Same(t, m.GetDB(), unit.DB())

	require.NoError(t, m.Disconnect())
	assert.Nil(t, m.GetDB())
	assert.Same(t, unit, m.Unit())
	assert.ErrorIs(t, m.Ping(ctx), ErrNotInitialized)
	assert.False(t, m.HealthCheck(ctx).Healthy)
	assert.Equal(t, &DBStats{}, m.GetStats())
}

func TestHealthCheckReconnectsRepeatedly(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConnectionConfig()
	cfg.Type = "sqlite"
	cfg.DBName = filepath.Join(t.TempDir(), "reconnect.db")
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = time.Millisecond
	cfg.MaxReconnectTries = 3

	m := NewConnectionManager("reconnect", cfg)
	m.SetLogger(&recordingLogger{})
	require.NoError(t, m.Connect(ctx))
	t.Cleanup(func() { _ = m.Disconnect() })

	unit := m.Unit()
	_, err := unit.DB().NewCreateTable().Model((*simple)(nil)).Exec(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		broken := m.GetDB()
		require.NoError(t, broken.Close())
		require.Eventually(t, func() bool {
			return m.GetDB() != broken && m.HealthCheck(ctx).Healthy
		}, 5*time.Second, 10*time.Millisecond, "reconnect %d", i+1)

		assert.Same(t, unit, m.Unit())
		assert.Equal(t, 0, countSimple(t, unit.DB()), "the unit uses the new pool")
	}
}

func TestConnectionManagerUnsupportedType(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Type = "oracle"
	err := NewConnectionManager("bad", cfg).Connect(context.Background())
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestConnectionManagerInstallsMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	cfg := sqliteConfig(t)
	cfg.EnableMetrics = true

	m := WithMetricsRegisterer(NewConnectionManager("metered", cfg), reg)
	m.SetLogger(&recordingLogger{})
	require.NoError(t, m.Connect(ctx))
	t.Cleanup(func() { _ = m.Disconnect() })

	_, err := m.GetDB().ExecContext(ctx, "SELECT 1")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "bunspike_db_query_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
