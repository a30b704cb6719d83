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
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// entityValue checks that entity is a non-nil pointer to a struct.
func entityValue(entity any) (reflect.Value, error) {
	if entity == nil {
		return reflect.Value{}, ErrNilEntity
	}
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr {
		return reflect.Value{}, fmt.Errorf("%w: got %T", ErrNotAnEntity, entity)
	}
	if rv.IsNil() {
		return reflect.Value{}, ErrNilEntity
	}
	if rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: got %T", ErrNotAnEntity, entity)
	}
	return rv, nil
}

// primaryKeyField returns the single primary key field bun maps for typ.
func primaryKeyField(db *bun.DB, typ reflect.Type) (*schema.Field, error) {
	table := db.Table(typ)
	if table == nil || len(table.PKs) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, typ)
	}
	return table.PKs[0], nil
}

// PrimaryKey returns the primary key of entity and whether it is still
// unassigned: a nil pointer, numeric zero or the empty string.
func PrimaryKey(db *bun.DB, entity any) (any, bool, error) {
	rv, err := entityValue(entity)
	if err != nil {
		return nil, false, err
	}
	field, err := primaryKeyField(db, rv.Type().Elem())
	if err != nil {
		return nil, false, err
	}
	fv := field.Value(rv.Elem())
	return fv.Interface(), fv.IsZero(), nil
}

// assignGeneratedKey fills a zero string key declared with type:uuid.
// Other zero keys are left for the database to generate.
func assignGeneratedKey(field *schema.Field, strct reflect.Value) {
	fv := field.Value(strct)
	if !fv.IsZero() || !strings.EqualFold(field.UserSQLType, "uuid") {
		return
	}
	switch {
	case fv.Kind() == reflect.String:
		fv.SetString(uuid.NewString())
	case fv.Type() == reflect.TypeOf(uuid.UUID{}):
		fv.Set(reflect.ValueOf(uuid.New()))
	}
}

type identityKey struct {
	typ reflect.Type
	id  any
}

func newIdentityKey(typ reflect.Type, id reflect.Value) identityKey {
	for id.Kind() == reflect.Ptr && !id.IsNil() {
		id = id.Elem()
	}
	var v any
	if id.Type().Comparable() {
		v = id.Interface()
	} else {
		v = fmt.Sprint(id.Interface())
	}
	return identityKey{typ: typ, id: v}
}
