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
	"sort"
	"sync"

	"github.com/uptrace/bun"
)

// DefaultUnitName names the unit created by InitDB.
const DefaultUnitName = "default"

// Unit is a named persistence unit: one bun.DB plus the sessions opened on it.
// Applications with several databases register one unit per database and
// build repositories against the unit they need.
type Unit struct {
	name   string
	mu     sync.RWMutex
	db     *bun.DB
	logger Logger
}

// NewUnit wraps db as the unit called name.
func NewUnit(name string, db *bun.DB) *Unit {
	return &Unit{name: name, db: db, logger: GetLogger()}
}

func (u *Unit) Name() string { return u.name }

func (u *Unit) DB() *bun.DB {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.db
}

// setDB points the unit at a new connection after a reconnect, so
// repositories holding the unit keep working.
func (u *Unit) setDB(db *bun.DB) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.db = db
}

// SetLogger replaces the logger handed to sessions of this unit.
func (u *Unit) SetLogger(logger Logger) {
	if logger != nil {
		u.logger = logger
	}
}

type sessionKey struct{ unit string }

// RunInTx runs fn inside a transaction with a session bound to ctx. Pending
// session changes are flushed before commit; an error from fn or from the
// flush rolls the transaction back. A call nested in an active transaction of
// the same unit joins it instead of opening a new one.
func (u *Unit) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	if s, ok := ctx.Value(sessionKey{u.name}).(*Session); ok && s.InTransaction() {
		return fn(ctx)
	}
	return u.DB().RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		s := newSession(u, tx, true)
		defer s.close()
		ctx = context.WithValue(ctx, sessionKey{u.name}, s)
		s.logger.Debug("Transaction started", "unit", u.name, "session", s.id)
		if err := fn(ctx); err != nil {
			s.logger.Debug("Transaction rolled back", "unit", u.name, "session", s.id, "error", err)
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return fmt.Errorf("flush before commit: %w", err)
		}
		return nil
	})
}

// Session returns the session bound to ctx for this unit, or a new
// non-transactional session whose reads are never managed.
func (u *Unit) Session(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionKey{u.name}).(*Session); ok && !s.closed {
		return s
	}
	return newSession(u, u.DB(), false)
}

var (
	unitsMu sync.RWMutex
	units   = map[string]*Unit{}
)

// RegisterUnit makes u available through GetUnit, replacing any unit of the same name.
func RegisterUnit(u *Unit) {
	unitsMu.Lock()
	defer unitsMu.Unlock()
	units[u.name] = u
}

// UnregisterUnit removes the unit called name.
func UnregisterUnit(name string) {
	unitsMu.Lock()
	defer unitsMu.Unlock()
	delete(units, name)
}

// GetUnit looks up a registered unit.
func GetUnit(name string) (*Unit, error) {
	unitsMu.RLock()
	defer unitsMu.RUnlock()
	u, ok := units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return u, nil
}

// UnitNames lists registered units in name order.
func UnitNames() []string {
	unitsMu.RLock()
	defer unitsMu.RUnlock()
	names := make([]string, 0, len(units))
	for name := range units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
