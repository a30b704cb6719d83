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
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// Session tracks the entities loaded or saved inside one transaction.
//
// Managed entities are unique per (type, primary key); changes made to them
// are written at Flush, which RunInTx calls before commit. A session opened
// outside a transaction only reads, and never manages what it returns.
//
// A Session is not safe for concurrent use.
type Session struct {
	id     string
	unit   *Unit
	idb    bun.IDB
	tx     bool
	closed bool
	logger Logger

	managed  map[any]*managedEntry
	identity map[identityKey]any
	order    []any
	removals []any
}

type managedEntry struct {
	key identityKey
	// copy of the struct as last written or read; invalid means always dirty
	snapshot reflect.Value
}

func newSession(u *Unit, idb bun.IDB, tx bool) *Session {
	return &Session{
		id:       uuid.NewString(),
		unit:     u,
		idb:      idb,
		tx:       tx,
		logger:   u.logger,
		managed:  make(map[any]*managedEntry),
		identity: make(map[identityKey]any),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Unit() *Unit { return s.unit }

// IDB is the transaction when InTransaction reports true, the unit's DB otherwise.
func (s *Session) IDB() bun.IDB { return s.idb }

func (s *Session) InTransaction() bool { return s.tx && !s.closed }

// Contains reports whether entity is the managed instance for its key.
func (s *Session) Contains(entity any) bool {
	if _, err := entityValue(entity); err != nil {
		return false
	}
	_, ok := s.managed[entity]
	return ok
}

// Persist inserts a new entity and manages it. The INSERT runs immediately
// so database generated keys are populated on return.
func (s *Session) Persist(ctx context.Context, entity any) error {
	rv, field, err := s.writable(entity)
	if err != nil {
		return err
	}
	if s.Contains(entity) {
		return nil
	}
	assignGeneratedKey(field, rv.Elem())
	if _, err := s.idb.NewInsert().Model(entity).Exec(ctx); err != nil {
		return fmt.Errorf("persist %s: %w", rv.Type().Elem(), err)
	}
	s.manage(rv, field, true)
	s.logger.Debug("Entity persisted", "session", s.id, "entity", rv.Type().Elem().String())
	return nil
}

// Merge makes the state of entity managed and returns the managed instance,
// which is entity itself unless another instance with the same key is
// already managed. Entities whose row does not exist yet are inserted.
func (s *Session) Merge(ctx context.Context, entity any) (any, error) {
	rv, field, err := s.writable(entity)
	if err != nil {
		return nil, err
	}
	if s.Contains(entity) {
		return entity, nil
	}
	id := field.Value(rv.Elem())
	if id.IsZero() {
		if err := s.Persist(ctx, entity); err != nil {
			return nil, err
		}
		return entity, nil
	}

	key := newIdentityKey(rv.Type(), id)
	if existing, ok := s.identity[key]; ok {
		reflect.ValueOf(existing).Elem().Set(rv.Elem())
		return existing, nil
	}

	exists, err := s.idb.NewSelect().Model(entity).WherePK().Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", rv.Type().Elem(), err)
	}
	if !exists {
		if _, err := s.idb.NewInsert().Model(entity).Exec(ctx); err != nil {
			return nil, fmt.Errorf("merge %s: %w", rv.Type().Elem(), err)
		}
		s.manage(rv, field, true)
		return entity, nil
	}
	s.manage(rv, field, false)
	return entity, nil
}

// Remove unmanages entity and schedules its DELETE for the next flush.
func (s *Session) Remove(ctx context.Context, entity any) error {
	rv, _, err := s.writable(entity)
	if err != nil {
		return err
	}
	entry, ok := s.managed[entity]
	if !ok {
		return fmt.Errorf("remove %s: %w", rv.Type().Elem(), ErrDetachedEntity)
	}
	s.forget(entity, entry)
	s.removals = append(s.removals, entity)
	return nil
}

// Refresh overwrites a managed entity with the current row.
func (s *Session) Refresh(ctx context.Context, entity any) error {
	rv, err := entityValue(entity)
	if err != nil {
		return err
	}
	entry, ok := s.managed[entity]
	if !ok {
		return fmt.Errorf("refresh %s: %w", rv.Type().Elem(), ErrDetachedEntity)
	}
	if err := s.idb.NewSelect().Model(entity).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("refresh %s: %w", rv.Type().Elem(), ErrEntityNotFound)
		}
		return fmt.Errorf("refresh %s: %w", rv.Type().Elem(), err)
	}
	entry.snapshot = snapshot(rv)
	return nil
}

// Detach stops tracking entity. Unflushed changes to it, including a
// scheduled removal, are dropped.
func (s *Session) Detach(entity any) {
	if entry, ok := s.managed[entity]; ok {
		s.forget(entity, entry)
	}
	for i, removed := range s.removals {
		if removed == entity {
			s.removals = append(s.removals[:i], s.removals[i+1:]...)
			break
		}
	}
}

// Flush writes changed managed entities, then the scheduled removals.
func (s *Session) Flush(ctx context.Context) error {
	if !s.InTransaction() {
		return ErrTransactionRequired
	}

	var updated int
	live := make([]any, 0, len(s.managed))
	for _, entity := range s.order {
		entry, ok := s.managed[entity]
		if !ok {
			continue
		}
		live = append(live, entity)
		rv := reflect.ValueOf(entity)
		if !entry.dirty(rv) {
			continue
		}
		if _, err := s.idb.NewUpdate().Model(entity).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("flush update %s: %w", rv.Type().Elem(), err)
		}
		entry.snapshot = snapshot(rv)
		updated++
	}
	s.order = live

	removals := s.removals
	s.removals = nil
	for i, entity := range removals {
		if _, err := s.idb.NewDelete().Model(entity).WherePK().Exec(ctx); err != nil {
			s.removals = removals[i:]
			return fmt.Errorf("flush delete %T: %w", entity, err)
		}
	}

	if updated > 0 || len(removals) > 0 {
		s.logger.Debug("Session flushed", "session", s.id, "updated", updated, "deleted", len(removals))
	}
	return nil
}

// AutoFlush flushes a transactional session and is a no-op otherwise.
// Queries call it so they observe pending changes.
func (s *Session) AutoFlush(ctx context.Context) error {
	if !s.InTransaction() {
		return nil
	}
	return s.Flush(ctx)
}

// Find loads the entity of dest's type with primary key id into dest. The
// already managed instance is returned instead when there is one; a nil
// result means no such row.
func (s *Session) Find(ctx context.Context, dest any, id any) (any, error) {
	rv, err := entityValue(dest)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("find %s: primary key must not be nil", rv.Type().Elem())
	}
	field, err := primaryKeyField(s.unit.DB(), rv.Type().Elem())
	if err != nil {
		return nil, err
	}
	key := newIdentityKey(rv.Type(), reflect.ValueOf(id))
	if existing, ok := s.identity[key]; ok {
		return existing, nil
	}
	if s.removing(key) {
		return nil, nil
	}

	err = s.idb.NewSelect().
		Model(dest).
		Where("?TableAlias.? = ?", bun.Ident(field.Name), id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", rv.Type().Elem(), err)
	}
	return s.Manage(dest)
}

// Manage adds a freshly loaded entity to the session and returns the
// canonical instance for its key. Outside a transaction, or when its row is
// queued for deletion, entity is returned unmanaged.
func (s *Session) Manage(entity any) (any, error) {
	rv, err := entityValue(entity)
	if err != nil {
		return nil, err
	}
	if !s.InTransaction() {
		return entity, nil
	}
	if s.Contains(entity) {
		return entity, nil
	}
	field, err := primaryKeyField(s.unit.DB(), rv.Type().Elem())
	if err != nil {
		return nil, err
	}
	key := newIdentityKey(rv.Type(), field.Value(rv.Elem()))
	if existing, ok := s.identity[key]; ok {
		return existing, nil
	}
	if s.removing(key) {
		return entity, nil
	}
	s.manage(rv, field, true)
	return entity, nil
}

// Managed returns the number of entities the session tracks.
func (s *Session) Managed() int { return len(s.managed) }

func (s *Session) writable(entity any) (reflect.Value, *schema.Field, error) {
	rv, err := entityValue(entity)
	if err != nil {
		return rv, nil, err
	}
	if !s.InTransaction() {
		return rv, nil, ErrTransactionRequired
	}
	field, err := primaryKeyField(s.unit.DB(), rv.Type().Elem())
	if err != nil {
		return rv, nil, err
	}
	return rv, field, nil
}

func (s *Session) manage(rv reflect.Value, field *schema.Field, clean bool) {
	entity := rv.Interface()
	entry := &managedEntry{
		key: newIdentityKey(rv.Type(), field.Value(rv.Elem())),
	}
	if clean {
		entry.snapshot = snapshot(rv)
	}
	s.managed[entity] = entry
	s.identity[entry.key] = entity
	s.order = append(s.order, entity)
}

// removing reports whether the entity with key is queued for deletion.
func (s *Session) removing(key identityKey) bool {
	for _, removed := range s.removals {
		rv := reflect.ValueOf(removed)
		if rv.Type() != key.typ {
			continue
		}
		field, err := primaryKeyField(s.unit.DB(), rv.Type().Elem())
		if err != nil {
			continue
		}
		if newIdentityKey(rv.Type(), field.Value(rv.Elem())) == key {
			return true
		}
	}
	return false
}

func (s *Session) forget(entity any, entry *managedEntry) {
	delete(s.managed, entity)
	if s.identity[entry.key] == entity {
		delete(s.identity, entry.key)
	}
}

func (s *Session) close() {
	s.closed = true
	s.managed = make(map[any]*managedEntry)
	s.identity = make(map[identityKey]any)
	s.order = nil
	s.removals = nil
}

func (e *managedEntry) dirty(rv reflect.Value) bool {
	if !e.snapshot.IsValid() {
		return true
	}
	return !reflect.DeepEqual(e.snapshot.Interface(), rv.Elem().Interface())
}

func snapshot(rv reflect.Value) reflect.Value {
	c := reflect.New(rv.Elem().Type()).Elem()
	c.Set(rv.Elem())
	return c
}
