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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Factory connects every unit named in a Config, registers them, and runs
// the configured migrations and seeding.
type Factory struct {
	config     *Config
	registerer prometheus.Registerer
	registry   ModelRegistry
	seedFS     fs.FS
	logger     Logger

	mu       sync.RWMutex
	managers map[string]ConnectionManager
}

// NewFactory returns a factory for cfg, which should already be validated.
func NewFactory(cfg *Config) *Factory {
	return &Factory{
		config:   cfg,
		registry: defaultRegistry,
		logger:   GetLogger(),
		managers: make(map[string]ConnectionManager),
	}
}

// SetMetricsRegisterer sets where units with EnableMetrics register collectors.
func (f *Factory) SetMetricsRegisterer(reg prometheus.Registerer) {
	f.registerer = reg
}

// SetModelRegistry replaces the registry whose models migrations create.
func (f *Factory) SetModelRegistry(r ModelRegistry) {
	f.registry = r
}

// SetSeedFS makes Seed read from fsys instead of Config.Seed.Filepath.
func (f *Factory) SetSeedFS(fsys fs.FS) {
	f.seedFS = fsys
}

// SetLogger sets the logger on the factory and its managers.
func (f *Factory) SetLogger(logger Logger) {
	f.logger = logger
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.managers {
		m.SetLogger(logger)
	}
}

// Initialize connects all units. On failure the units already connected are
// closed again.
func (f *Factory) Initialize(ctx context.Context) error {
	if f.config == nil {
		return fmt.Errorf("database configuration cannot be empty")
	}
	for _, name := range f.unitNames() {
		cfg := f.connectionConfig(name)
		m := WithMetricsRegisterer(NewConnectionManager(name, cfg), f.registerer)
		m.SetLogger(f.logger)
		if err := m.Connect(ctx); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to connect unit %s: %w", name, err)
		}
		f.mu.Lock()
		f.managers[name] = m
		f.mu.Unlock()
		RegisterUnit(m.Unit())
	}

	if f.config.Migrate.EnableMigrateOnStartup {
		if err := f.Migrate(ctx); err != nil {
			return err
		}
		if f.config.Migrate.SeedOnMigration {
			if _, err := f.Seed(ctx); err != nil {
				return err
			}
		}
	}
	f.logger.Info("Database initialization completed!", "units", len(f.managers))
	return nil
}

func (f *Factory) unitNames() []string {
	names := []string{DefaultUnitName}
	for name := range f.config.Units {
		if name != DefaultUnitName {
			names = append(names, name)
		}
	}
	sort.Strings(names[1:])
	return names
}

func (f *Factory) connectionConfig(name string) *ConnectionConfig {
	if name == DefaultUnitName {
		return &f.config.Connection
	}
	cfg := f.config.Units[name]
	return &cfg
}

// Manager returns the connection manager of a unit.
func (f *Factory) Manager(name string) (ConnectionManager, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.managers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return m, nil
}

// Migrate creates the registered models' tables on every unit.
func (f *Factory) Migrate(ctx context.Context) error {
	for _, name := range f.unitNames() {
		m, err := f.Manager(name)
		if err != nil {
			return err
		}
		mm := NewMigrationManager(m.GetDB(), f.logger)
		mm.SetRegistry(f.registry)
		if err := mm.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations on unit %s: %w", name, err)
		}
	}
	return nil
}

// Seed loads seed files into the default unit.
func (f *Factory) Seed(ctx context.Context) ([]SeedResult, error) {
	m, err := f.Manager(DefaultUnitName)
	if err != nil {
		return nil, err
	}
	fsys := f.seedFS
	if fsys == nil {
		dir := f.config.Seed.Filepath
		if dir == "" {
			dir = "configs/sql"
		}
		fsys = os.DirFS(dir)
	}
	env := f.config.Seed.Environment
	if env == "" {
		env = "prod"
	}
	seeder := NewSeeder(m.GetDB(), fsys, env)
	seeder.SetLogger(f.logger)
	return seeder.Run(ctx)
}

// HealthStatus checks every unit.
func (f *Factory) HealthStatus(ctx context.Context) map[string]*HealthStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	statuses := make(map[string]*HealthStatus, len(f.managers))
	for name, m := range f.managers {
		statuses[name] = m.HealthCheck(ctx)
	}
	return statuses
}

// Stats returns pool statistics for every unit.
func (f *Factory) Stats() map[string]*DBStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[string]*DBStats, len(f.managers))
	for name, m := range f.managers {
		stats[name] = m.GetStats()
	}
	return stats
}

// Close disconnects and unregisters every unit.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for name, m := range f.managers {
		UnregisterUnit(name)
		if err := m.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", name, err))
		}
		delete(f.managers, name)
	}
	return errors.Join(errs...)
}
