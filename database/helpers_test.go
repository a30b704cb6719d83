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
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type simple struct {
	bun.BaseModel `bun:"table:simple_table,alias:s"`

	ID      int64  `bun:"id,pk,autoincrement"`
	Name    string `bun:"name,notnull"`
	Enabled bool   `bun:"enabled"`
	Counter int    `bun:"counter"`
}

type author struct {
	bun.BaseModel `bun:"table:authors"`

	ID   string `bun:"id,pk,type:uuid"`
	Name string `bun:"name"`
}

type keyless struct {
	Name string `bun:"name"`
}

// memoryDSN names an in-memory database after the test and optional suffixes.
func memoryDSN(t *testing.T, suffix ...string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	for _, s := range suffix {
		name += "_" + s
	}
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

var dbSeq atomic.Int64

// openTestDB opens a private in-memory SQLite database with the given tables.
// The pool holds one connection, so nothing may query db while a
// transaction on it is open.
func openTestDB(t *testing.T, models ...interface{}) *bun.DB {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, memoryDSN(t, strconv.FormatInt(dbSeq.Add(1), 10)))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	for _, m := range models {
		_, err := db.NewCreateTable().Model(m).IfNotExists().Exec(context.Background())
		require.NoError(t, err)
	}
	return db
}

func newTestUnit(t *testing.T) *Unit {
	t.Helper()
	return NewUnit(t.Name(), openTestDB(t, (*simple)(nil), (*author)(nil)))
}

func countSimple(t *testing.T, idb bun.IDB) int {
	t.Helper()
	n, err := idb.NewSelect().Model((*simple)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

type logEntry struct {
	level  string
	msg    string
	fields []interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) SetLevel(LogLevel) {}

func (l *recordingLogger) Debug(msg string, fields ...interface{}) { l.record("debug", msg, fields) }

func (l *recordingLogger) Info(msg string, fields ...interface{}) { l.record("info", msg, fields) }

func (l *recordingLogger) Warn(msg string, fields ...interface{}) { l.record("warn", msg, fields) }

func (l *recordingLogger) Error(msg string, fields ...interface{}) { l.record("error", msg, fields) }

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}
