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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
connection:
  type: postgres
  host: db.internal
  port: 5432
  username: app
  password: secret
  dbname: library
  slow_query_time: 500ms
units:
  reporting:
    type: sqlite
    dbname: ":memory:"
    enable_metrics: true
migrate:
  enable_migrate_on_startup: true
  seed_on_migration: true
seed:
  filepath: configs/sql
  environment: test
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Connection.Type)
	assert.Equal(t, "db.internal", cfg.Connection.Host)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.SlowQueryTime)
	assert.Equal(t, 100, cfg.Connection.MaxOpenConns, "defaults are kept")

	reporting, ok := cfg.Units["reporting"]
	require.True(t, ok)
	assert.Equal(t, "sqlite", reporting.Type)
	assert.True(t, reporting.EnableMetrics)
	assert.Equal(t, 10, reporting.MaxIdleConns)

	assert.True(t, cfg.Migrate.EnableMigrateOnStartup)
	assert.True(t, cfg.Migrate.SeedOnMigration)
	assert.Equal(t, "test", cfg.Seed.Environment)
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_ENABLE_QUERY_LOG", "true")

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "override.internal", cfg.Connection.Host)
	assert.Equal(t, 6543, cfg.Connection.Port)
	assert.Equal(t, 7, cfg.Connection.MaxOpenConns)
	assert.True(t, cfg.Connection.EnableQueryLog)
}

func TestParseConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing type":      "connection:\n  host: x\n  dbname: y\n",
		"unknown type":      "connection:\n  type: oracle\n  host: x\n  dbname: y\n",
		"missing host":      "connection:\n  type: mysql\n  dbname: y\n",
		"bad sslmode":       "connection:\n  type: postgres\n  host: x\n  dbname: y\n  sslmode: maybe\n",
		"invalid unit":      "connection:\n  type: sqlite\n  dbname: a\nunits:\n  other:\n    type: mysql\n",
		"malformed yaml":    "connection: [",
		"negative pool max": "connection:\n  type: sqlite\n  dbname: a\n  max_open_conns: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigUnitsKeepEveryField(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
connection:
  type: sqlite
  dbname: app
units:
  archive:
    type: mysql
    host: archive.internal
    dbname: archive
    read_timeout: 7s
    write_timeout: 8s
    enable_reconnect: false
    reconnect_interval: 2s
    max_reconnect_tries: 9
  plain:
    type: sqlite
    dbname: plain
`))
	require.NoError(t, err)

	archive := cfg.Units["archive"]
	assert.Equal(t, 7*time.Second, archive.ReadTimeout)
	assert.Equal(t, 8*time.Second, archive.WriteTimeout)
	assert.False(t, archive.EnableReconnect)
	assert.Equal(t, 2*time.Second, archive.ReconnectInterval)
	assert.Equal(t, 9, archive.MaxReconnectTries)
	assert.Equal(t, 100, archive.MaxOpenConns)

	plain := cfg.Units["plain"]
	assert.True(t, plain.EnableReconnect, "defaults apply to unset fields")
	assert.Equal(t, 30*time.Second, plain.ReadTimeout)
	assert.Equal(t, 3, plain.MaxReconnectTries)
}

func TestParseConfigHostOrDSN(t *testing.T) {
	cfg, err := ParseConfig([]byte("connection:\n  type: postgres\n  dsn: postgres://app@db/library\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Connection.Host)

	cfg, err = ParseConfig([]byte("connection:\n  type: sqlite3\n  dbname: app\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Connection.Type)

	_, err = ParseConfig([]byte("connection:\n  type: postgres\n  dbname: library\n"))
	assert.ErrorContains(t, err, "Host")
}

func TestSQLiteNeedsNoHost(t *testing.T) {
	cfg, err := ParseConfig([]byte("connection:\n  type: sqlite\n  dbname: app\n"))
	require.NoError(t, err)
	assert.Equal(t, "app.db", sqliteDSN(&cfg.Connection))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "library", cfg.Connection.DBName)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "file::memory:?cache=shared", sqliteDSN(&ConnectionConfig{DBName: ":memory:"}))
	assert.Equal(t, "data.db", sqliteDSN(&ConnectionConfig{DBName: "data.db"}))
	assert.Equal(t, "file:x?mode=memory", sqliteDSN(&ConnectionConfig{DBName: "ignored", DSN: "file:x?mode=memory"}))
	assert.True(t, isMemorySQLite(&ConnectionConfig{Type: "sqlite", DSN: "file:x?mode=memory"}))
	assert.False(t, isMemorySQLite(&ConnectionConfig{Type: "postgres", DBName: ":memory:"}))
}
