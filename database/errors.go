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
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

var (
	// ErrTransactionRequired is returned by modifying operations outside RunInTx.
	ErrTransactionRequired = errors.New("database: no active transaction")
	// ErrNilEntity is returned when a nil entity pointer is passed in.
	ErrNilEntity = errors.New("database: entity must not be nil")
	// ErrNotAnEntity is returned when the value is not a pointer to a struct.
	ErrNotAnEntity = errors.New("database: entity must be a non-nil pointer to a struct")
	// ErrDetachedEntity is returned when an operation needs a managed entity.
	ErrDetachedEntity = errors.New("database: entity is not managed by the session")
	// ErrEntityNotFound is returned when the row backing an entity no longer exists.
	ErrEntityNotFound = errors.New("database: entity not found")
	// ErrUnsupportedKey is returned for entities without exactly one primary key column.
	ErrUnsupportedKey = errors.New("database: entity must declare exactly one primary key")
	// ErrUnknownUnit is returned when no unit is registered under a name.
	ErrUnknownUnit = errors.New("database: unknown persistence unit")
	// ErrNotInitialized is returned when the database has not been connected yet.
	ErrNotInitialized = errors.New("database: not initialized")
)

type SQLError int

const (
	UnknownErr SQLError = iota
	NoRowsErr
	NoIndexErr
	NoColumnErr
	ExistIndexErr
	ExistColumnErr
	NoTableErr
	ExistTableErr
	DuplicateKeyErr
	NotNullViolationErr
	ForeignKeyViolationErr
	CheckConstraintViolationErr
	DataTruncatedErr
	InvalidTypeCastErr
)

func (e SQLError) String() string {
	switch e {
	case NoRowsErr:
		return "no rows"
	case NoIndexErr:
		return "no index"
	case NoColumnErr:
		return "no column"
	case ExistIndexErr:
		return "index exists"
	case ExistColumnErr:
		return "column exists"
	case NoTableErr:
		return "no table"
	case ExistTableErr:
		return "table exists"
	case DuplicateKeyErr:
		return "duplicate key"
	case NotNullViolationErr:
		return "not null violation"
	case ForeignKeyViolationErr:
		return "foreign key violation"
	case CheckConstraintViolationErr:
		return "check constraint violation"
	case DataTruncatedErr:
		return "data truncated"
	case InvalidTypeCastErr:
		return "invalid type cast"
	default:
		return "unknown"
	}
}

// pqCodes maps Postgres SQLSTATE codes to SQLError kinds.
var pqCodes = map[pq.ErrorCode]SQLError{
	"42703": NoColumnErr,
	"42704": NoIndexErr,
	"42P01": NoTableErr,
	"42P07": ExistTableErr,
	"42701": ExistColumnErr,
	"23505": DuplicateKeyErr,
	"23502": NotNullViolationErr,
	"23503": ForeignKeyViolationErr,
	"23514": CheckConstraintViolationErr,
	"22001": DataTruncatedErr,
	"42804": InvalidTypeCastErr,
}

// IsSqlError reports whether err came from the database and classifies it.
// Driver error types are inspected first; SQLite and wrapped errors fall back
// to message matching.
func IsSqlError(err error) (is bool, sqlErr SQLError) {
	if err == nil {
		return false, UnknownErr
	}
	if errors.Is(err, sql.ErrNoRows) {
		return true, NoRowsErr
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1091:
			return true, NoIndexErr
		case 1054:
			return true, NoColumnErr
		case 1061:
			return true, ExistIndexErr
		case 1060:
			return true, ExistColumnErr
		case 1146:
			return true, NoTableErr
		case 1050:
			return true, ExistTableErr
		case 1062:
			return true, DuplicateKeyErr
		case 1048:
			return true, NotNullViolationErr
		case 1216, 1217, 1451, 1452:
			return true, ForeignKeyViolationErr
		case 3819:
			return true, CheckConstraintViolationErr
		case 1265, 1406:
			return true, DataTruncatedErr
		default:
			return true, UnknownErr
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind, ok := pqCodes[pqErr.Code]; ok {
			return true, kind
		}
		return true, UnknownErr
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "no such column"), strings.Contains(s, "undefined column"):
		return true, NoColumnErr
	case strings.Contains(s, "no such index"):
		return true, NoIndexErr
	case strings.Contains(s, "no such table"), strings.Contains(s, "undefined table"):
		return true, NoTableErr
	case strings.Contains(s, "already exists") && strings.Contains(s, "index"):
		return true, ExistIndexErr
	case strings.Contains(s, "already exists") && strings.Contains(s, "table"):
		return true, ExistTableErr
	case strings.Contains(s, "duplicate column name"):
		return true, ExistColumnErr
	case strings.Contains(s, "unique constraint failed"), strings.Contains(s, "duplicate key value"):
		return true, DuplicateKeyErr
	case strings.Contains(s, "not null constraint failed"), strings.Contains(s, "not-null constraint"):
		return true, NotNullViolationErr
	case strings.Contains(s, "foreign key constraint failed"):
		return true, ForeignKeyViolationErr
	case strings.Contains(s, "check constraint failed"):
		return true, CheckConstraintViolationErr
	case strings.Contains(s, "datatype mismatch"):
		return true, InvalidTypeCastErr
	}
	return false, UnknownErr
}

// IsDuplicateKey is a shortcut for the most common classification.
func IsDuplicateKey(err error) bool {
	ok, kind := IsSqlError(err)
	return ok && kind == DuplicateKeyErr
}
