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
	"sync"

	"github.com/uptrace/bun"
)

var (
	globalMu      sync.RWMutex
	globalFactory *Factory
)

// InitDB connects the units described by cfg and makes them the process-wide
// defaults. A previous InitDB is closed first.
func InitDB(cfg *Config) (*bun.DB, error) {
	return InitDBContext(context.Background(), cfg)
}

func InitDBContext(ctx context.Context, cfg *Config) (*bun.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := CloseDB(); err != nil {
		GetLogger().Warn("Failed to close previous database", "error", err)
	}

	factory := NewFactory(cfg)
	if err := factory.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	globalMu.Lock()
	globalFactory = factory
	globalMu.Unlock()
	return GetDB(), nil
}

// GetFactory returns the factory created by InitDB, or nil.
func GetFactory() *Factory {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalFactory
}

// GetDB returns the default unit's database, or nil before InitDB.
func GetDB() *bun.DB {
	u, err := DefaultUnit()
	if err != nil {
		return nil
	}
	return u.DB()
}

// DefaultUnit returns the unit registered as DefaultUnitName.
func DefaultUnit() (*Unit, error) {
	return GetUnit(DefaultUnitName)
}

// CloseDB closes every unit opened by InitDB.
func CloseDB() error {
	globalMu.Lock()
	f := globalFactory
	globalFactory = nil
	globalMu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// GetHealthStatus checks the default unit.
func GetHealthStatus(ctx context.Context) *HealthStatus {
	if f := GetFactory(); f != nil {
		if m, err := f.Manager(DefaultUnitName); err == nil {
			return m.HealthCheck(ctx)
		}
	}
	return &HealthStatus{Unit: DefaultUnitName, LastError: ErrNotInitialized.Error()}
}

// GetDatabaseStats returns pool statistics of the default unit.
func GetDatabaseStats() *DBStats {
	if f := GetFactory(); f != nil {
		if m, err := f.Manager(DefaultUnitName); err == nil {
			return m.GetStats()
		}
	}
	return &DBStats{}
}

// RunMigrations applies pending migrations on every unit.
func RunMigrations(ctx context.Context) error {
	f := GetFactory()
	if f == nil {
		return ErrNotInitialized
	}
	return f.Migrate(ctx)
}

// InitData runs the configured seed files against the default unit.
func InitData(ctx context.Context) error {
	f := GetFactory()
	if f == nil {
		return ErrNotInitialized
	}
	_, err := f.Seed(ctx)
	return err
}
