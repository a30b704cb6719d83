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

// Package bunspike exposes repositories bound to the default persistence unit
// opened by database.InitDB.
package bunspike

import (
	"context"
	"sync"

	"github.com/tomoncle/bunspike/database"
	"github.com/tomoncle/bunspike/repository"
)

// Repository returns a repository for E on the default unit.
func Repository[E any, PK any]() (repository.ExtendedEntityRepository[E, PK], error) {
	unit, err := database.DefaultUnit()
	if err != nil {
		return nil, err
	}
	return repository.NewExtendedEntityRepository[E, PK](unit), nil
}

// MustRepository is like Repository but panics when InitDB has not run.
func MustRepository[E any, PK any]() repository.ExtendedEntityRepository[E, PK] {
	repo, err := Repository[E, PK]()
	if err != nil {
		panic(err)
	}
	return repo
}

// Transactional runs fn in a transaction on the default unit.
func Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	unit, err := database.DefaultUnit()
	if err != nil {
		return err
	}
	return unit.RunInTx(ctx, nil, fn)
}

// Service resolves its repository on use, so it can be declared as a package
// variable before InitDB runs. The repository is rebuilt when InitDB has since
// replaced the default unit. The zero value is ready to use.
type Service[E any, PK any] struct {
	mu   sync.Mutex
	repo repository.ExtendedEntityRepository[E, PK]
}

func (s *Service[E, PK]) Repository() (repository.ExtendedEntityRepository[E, PK], error) {
	unit, err := database.DefaultUnit()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo == nil || s.repo.Unit() != unit {
		s.repo = repository.NewExtendedEntityRepository[E, PK](unit)
	}
	return s.repo, nil
}
