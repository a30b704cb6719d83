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
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// Migration is an applied migration recorded in bun_migrations.
type Migration struct {
	bun.BaseModel `bun:"table:bun_migrations"`

	Version     string    `bun:"version,pk"`
	Name        string    `bun:"name,notnull"`
	AppliedAt   time.Time `bun:"applied_at,notnull"`
	Description string    `bun:"description"`
}

// MigrationFunc is a migration step executed within a transaction.
type MigrationFunc func(ctx context.Context, db bun.IDB) error

// MigrationItem describes one migration version.
type MigrationItem struct {
	Version     string
	Name        string
	Description string
	Up          MigrationFunc
}

// MigrationManager applies migrations to one unit, each version at most once.
type MigrationManager struct {
	db       *bun.DB
	logger   Logger
	registry ModelRegistry
	items    []MigrationItem
}

// NewMigrationManager returns a manager for db. Tables of the models in the
// default registry are created on every run before versioned migrations.
func NewMigrationManager(db *bun.DB, logger Logger) *MigrationManager {
	if logger == nil {
		logger = GetLogger()
	}
	return &MigrationManager{db: db, logger: logger, registry: defaultRegistry}
}

// SetRegistry replaces the model registry whose tables are created.
func (mm *MigrationManager) SetRegistry(r ModelRegistry) {
	mm.registry = r
}

// Add appends application migrations. Versions sort lexically.
func (mm *MigrationManager) Add(items ...MigrationItem) {
	mm.items = append(mm.items, items...)
}

// RunMigrations creates bun_migrations and any missing registered table,
// then applies pending migrations in version order. Query logging is muted unless
// BUNDEBUG_MIGRATION is set.
func (mm *MigrationManager) RunMigrations(ctx context.Context) error {
	if mm.db == nil {
		return ErrNotInitialized
	}
	if _, ok := os.LookupEnv("BUNDEBUG_MIGRATION"); !ok {
		EnableBunSqlSilent(true)
		defer EnableBunSqlSilent(false)
	}

	if _, err := mm.db.NewCreateTable().Model((*Migration)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	if err := mm.createRegisteredTables(ctx, mm.db); err != nil {
		return err
	}

	items := make([]MigrationItem, len(mm.items))
	copy(items, mm.items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Version < items[j].Version })

	for _, item := range items {
		if err := mm.run(ctx, item); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", item.Version, err)
		}
	}
	mm.logger.Info("Database migrations completed!")
	return nil
}

func (mm *MigrationManager) run(ctx context.Context, item MigrationItem) error {
	applied, err := mm.db.NewSelect().
		Model((*Migration)(nil)).
		Where("version = ?", item.Version).
		Exists(ctx)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	err = mm.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := item.Up(ctx, tx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(&Migration{
			Version:     item.Version,
			Name:        item.Name,
			AppliedAt:   time.Now(),
			Description: item.Description,
		}).Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	mm.logger.Info("Migration executed successfully", "version", item.Version, "name", item.Name)
	return nil
}

func (mm *MigrationManager) createRegisteredTables(ctx context.Context, db bun.IDB) error {
	for _, model := range mm.registry.Instances() {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table %T: %w", model, err)
		}
	}
	return nil
}

// GetAppliedMigrations returns migration records ordered by version.
func (mm *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	var migrations []Migration
	err := mm.db.NewSelect().
		Model(&migrations).
		Order("version ASC").
		Scan(ctx)
	return migrations, err
}
