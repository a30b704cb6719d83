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
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// ConnectionManager owns the connection of one persistence unit.
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) error
	HealthCheck(ctx context.Context) *HealthStatus
	GetDB() *bun.DB
	Unit() *Unit
	GetStats() *DBStats
	SetLogger(logger Logger)
}

// HealthStatus holds the result of a health check against the database.
type HealthStatus struct {
	Unit          string        `json:"unit"`
	Healthy       bool          `json:"healthy"`
	Connected     bool          `json:"connected"`
	ResponseTime  time.Duration `json:"response_time"`
	ActiveConns   int           `json:"active_conns"`
	IdleConns     int           `json:"idle_conns"`
	MaxOpenConns  int           `json:"max_open_conns"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// DBStats mirrors database/sql pool statistics.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

type connectionManager struct {
	name            string
	config          *ConnectionConfig
	registerer      prometheus.Registerer
	db              *bun.DB
	sqlDB           *sql.DB
	unit            *Unit
	logger          Logger
	mu              sync.RWMutex
	connected       bool
	reconnectTries  int
	stopHealthCheck chan struct{}
}

// NewConnectionManager returns a manager for the unit called name. A nil
// config falls back to DefaultConnectionConfig.
func NewConnectionManager(name string, config *ConnectionConfig) ConnectionManager {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	return &connectionManager{
		name:   name,
		config: config,
		logger: GetLogger(),
	}
}

// WithMetricsRegisterer sets where EnableMetrics registers its collectors.
func WithMetricsRegisterer(m ConnectionManager, reg prometheus.Registerer) ConnectionManager {
	if cm, ok := m.(*connectionManager); ok {
		cm.registerer = reg
	}
	return m
}

func (dm *connectionManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.connected && dm.db != nil {
		return nil
	}

	sqlDB, db, err := dm.open()
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	dm.sqlDB, dm.db = sqlDB, db
	dm.configurePool()
	if err := dm.installHooks(); err != nil {
		_ = db.Close()
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, dm.config.ConnectTimeout)
	defer cancel()
	if err := dm.db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	dm.connected = true
	dm.reconnectTries = 0
	if dm.unit == nil {
		dm.unit = NewUnit(dm.name, dm.db)
	} else {
		dm.unit.setDB(dm.db)
	}

	if dm.config.HealthCheckInterval > 0 {
		dm.startHealthCheck()
	}
	dm.logger.Info("Database connected", "unit", dm.name, "type", dm.config.Type, "host", dm.config.Host)
	return nil
}

func (dm *connectionManager) open() (*sql.DB, *bun.DB, error) {
	if dm.config.ConnectTimeout <= 0 {
		dm.config.ConnectTimeout = 30 * time.Second
	}

	switch dm.config.Type {
	case "mysql":
		dsn := dm.config.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%s&readTimeout=%s&writeTimeout=%s",
				dm.config.Username, dm.config.Password, dm.config.Host, dm.config.Port, dm.config.DBName,
				dm.config.ConnectTimeout, dm.config.ReadTimeout, dm.config.WriteTimeout)
		}
		sqlDB, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, err
		}
		return sqlDB, bun.NewDB(sqlDB, mysqldialect.New()), nil

	case "postgres", "postgresql":
		dsn := dm.config.DSN
		if dsn == "" {
			sslMode := dm.config.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
				dm.config.Username, dm.config.Password, dm.config.Host, dm.config.Port, dm.config.DBName,
				sslMode, int(dm.config.ConnectTimeout.Seconds()))
		}
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		return sqlDB, bun.NewDB(sqlDB, pgdialect.New()), nil

	case "sqlite", "sqlite3":
		sqlDB, err := sql.Open(sqliteshim.ShimName, sqliteDSN(dm.config))
		if err != nil {
			return nil, nil, err
		}
		return sqlDB, bun.NewDB(sqlDB, sqlitedialect.New()), nil
	}
	return nil, nil, fmt.Errorf("unsupported database type: %s", dm.config.Type)
}

// sqliteDSN maps DBName to a file, or to a shared in-memory database for ":memory:".
func sqliteDSN(cfg *ConnectionConfig) string {
	switch {
	case cfg.DSN != "":
		return cfg.DSN
	case cfg.DBName == ":memory:":
		return "file::memory:?cache=shared"
	case strings.HasSuffix(cfg.DBName, ".db"):
		return cfg.DBName
	default:
		return cfg.DBName + ".db"
	}
}

func (dm *connectionManager) configurePool() {
	maxOpen := dm.config.MaxOpenConns
	if isMemorySQLite(dm.config) {
		// every pooled connection would otherwise see its own empty database
		maxOpen = 1
	}
	dm.sqlDB.SetMaxIdleConns(dm.config.MaxIdleConns)
	dm.sqlDB.SetMaxOpenConns(maxOpen)
	dm.sqlDB.SetConnMaxLifetime(dm.config.ConnMaxLifetime)
	dm.sqlDB.SetConnMaxIdleTime(dm.config.ConnMaxIdleTime)
}

func isMemorySQLite(cfg *ConnectionConfig) bool {
	if !isSQLite(cfg.Type) {
		return false
	}
	return strings.Contains(sqliteDSN(cfg), ":memory:") || strings.Contains(sqliteDSN(cfg), "mode=memory")
}

func (dm *connectionManager) installHooks() error {
	if dm.config.EnableQueryLog {
		dm.db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	} else {
		dm.db.AddQueryHook(NewQueryHook(false))
	}
	if dm.config.SlowQueryTime > 0 {
		dm.db.AddQueryHook(&slowQueryHook{threshold: dm.config.SlowQueryTime, unit: dm.name, logger: dm.logger})
	}
	if dm.config.EnableMetrics {
		hook, err := NewMetricsHook(dm.registerer, dm.name)
		if err != nil {
			return err
		}
		dm.db.AddQueryHook(hook)
	}
	return nil
}

// Disconnect stops the health check and closes the pool. The unit is kept
// and picks up the new pool on the next Connect.
func (dm *connectionManager) Disconnect() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.stopHealthCheck != nil {
		close(dm.stopHealthCheck)
		dm.stopHealthCheck = nil
	}
	return dm.closeLocked()
}

func (dm *connectionManager) closeLocked() error {
	if dm.db == nil {
		return nil
	}
	err := dm.db.Close()
	dm.db, dm.sqlDB = nil, nil
	dm.connected = false
	if err != nil {
		dm.logger.Error("Failed to close database connection", "unit", dm.name, "error", err)
	} else {
		dm.logger.Info("Database connection closed", "unit", dm.name)
	}
	return err
}

func (dm *connectionManager) Reconnect(ctx context.Context) error {
	dm.logger.Info("Attempting to reconnect to the database", "unit", dm.name)
	if err := dm.Disconnect(); err != nil {
		dm.logger.Warn("Error disconnecting existing connection", "unit", dm.name, "error", err)
	}
	return dm.Connect(ctx)
}

func (dm *connectionManager) Ping(ctx context.Context) error {
	dm.mu.RLock()
	db := dm.db
	dm.mu.RUnlock()
	if db == nil {
		return ErrNotInitialized
	}
	return db.PingContext(ctx)
}

func (dm *connectionManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *connectionManager) Unit() *Unit {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.unit
}

func (dm *connectionManager) HealthCheck(ctx context.Context) *HealthStatus {
	dm.mu.RLock()
	db, sqlDB := dm.db, dm.sqlDB
	dm.mu.RUnlock()

	start := time.Now()
	status := &HealthStatus{Unit: dm.name, LastCheckTime: start}
	if db == nil {
		status.LastError = ErrNotInitialized.Error()
		return status
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := db.PingContext(pingCtx)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.LastError = err.Error()
	} else {
		status.Healthy = true
		status.Connected = true
	}

	stats := sqlDB.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConnections
	return status
}

// startHealthCheck runs one checker per connection manager until Disconnect.
// The caller holds dm.mu.
func (dm *connectionManager) startHealthCheck() {
	if dm.stopHealthCheck != nil {
		return
	}
	stop := make(chan struct{})
	dm.stopHealthCheck = stop
	go func() {
		ticker := time.NewTicker(dm.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				status := dm.HealthCheck(ctx)
				cancel()
				if !status.Healthy && dm.config.EnableReconnect {
					dm.handleReconnect(stop)
				}
			case <-stop:
				return
			}
		}
	}()
}

// handleReconnect replaces a broken pool without stopping the checker that
// called it, so later failures are retried too.
func (dm *connectionManager) handleReconnect(stop <-chan struct{}) {
	dm.mu.Lock()
	if dm.reconnectTries >= dm.config.MaxReconnectTries {
		dm.mu.Unlock()
		dm.logger.Error("Max reconnect attempts reached, stopping", "unit", dm.name, "tries", dm.config.MaxReconnectTries)
		return
	}
	dm.reconnectTries++
	try := dm.reconnectTries
	dm.mu.Unlock()
	dm.logger.Info("Starting database reconnect", "unit", dm.name, "try", try)

	select {
	case <-time.After(dm.config.ReconnectInterval):
	case <-stop:
		return
	}

	dm.mu.Lock()
	select {
	case <-stop:
		dm.mu.Unlock()
		return
	default:
	}
	if err := dm.closeLocked(); err != nil {
		dm.logger.Warn("Error disconnecting existing connection", "unit", dm.name, "error", err)
	}
	dm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dm.config.ConnectTimeout)
	defer cancel()
	if err := dm.Connect(ctx); err != nil {
		dm.logger.Error("Reconnect failed", "unit", dm.name, "error", err, "try", try)
		return
	}
	dm.logger.Info("Reconnect succeeded", "unit", dm.name)
}

func (dm *connectionManager) GetStats() *DBStats {
	dm.mu.RLock()
	sqlDB := dm.sqlDB
	dm.mu.RUnlock()
	if sqlDB == nil {
		return &DBStats{}
	}
	stats := sqlDB.Stats()
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

func (dm *connectionManager) SetLogger(logger Logger) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}
