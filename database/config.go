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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConnectionConfig describes how to connect to a database and tune its pool.
type ConnectionConfig struct {
	Type                string        `yaml:"type" validate:"required,oneof=mysql postgres postgresql sqlite sqlite3"`
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port" validate:"gte=0,lte=65535"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	DBName              string        `yaml:"dbname" validate:"required_without=DSN"`
	DSN                 string        `yaml:"dsn"`
	SSLMode             string        `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxIdleConns        int           `yaml:"max_idle_conns" validate:"gte=0"`
	MaxOpenConns        int           `yaml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	EnableReconnect     bool          `yaml:"enable_reconnect"`
	ReconnectInterval   time.Duration `yaml:"reconnect_interval"`
	MaxReconnectTries   int           `yaml:"max_reconnect_tries" validate:"gte=0"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	EnableQueryLog      bool          `yaml:"enable_query_log"`
	SlowQueryTime       time.Duration `yaml:"slow_query_time"`
	EnableMetrics       bool          `yaml:"enable_metrics"`
}

// MigrateConfig controls schema creation on startup.
type MigrateConfig struct {
	EnableMigrateOnStartup bool `yaml:"enable_migrate_on_startup"`
	SeedOnMigration        bool `yaml:"seed_on_migration"`
}

// SeedConfig controls data seeding and environment selection.
type SeedConfig struct {
	Filepath    string `yaml:"filepath"`
	Environment string `yaml:"environment"`
}

// Config aggregates the default unit's connection, additional named units,
// migration and seed settings.
type Config struct {
	Connection ConnectionConfig            `yaml:"connection"`
	Units      map[string]ConnectionConfig `yaml:"units" validate:"dive"`
	Migrate    MigrateConfig               `yaml:"migrate"`
	Seed       SeedConfig                  `yaml:"seed"`
}

// DefaultConnectionConfig returns a connection config with sensible defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     time.Minute * 30,
		ConnectTimeout:      time.Second * 10,
		ReadTimeout:         time.Second * 30,
		WriteTimeout:        time.Second * 30,
		EnableReconnect:     true,
		ReconnectInterval:   time.Second * 5,
		MaxReconnectTries:   3,
		HealthCheckInterval: time.Minute * 5,
		SlowQueryTime:       time.Second * 2,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateConnection, ConnectionConfig{})
	return v
}

// validateConnection requires a host for server databases unless a DSN is given.
func validateConnection(sl validator.StructLevel) {
	c := sl.Current().Interface().(ConnectionConfig)
	if c.Host == "" && c.DSN == "" && !isSQLite(c.Type) {
		sl.ReportError(c.Host, "Host", "Host", "required_without_dsn", "")
	}
}

func isSQLite(typ string) bool {
	return typ == "sqlite" || typ == "sqlite3"
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid database configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML configuration file. A .env file next to the working
// directory is loaded first when present, then DB_* variables override the
// default unit's connection settings. Unset values fall back to
// DefaultConnectionConfig.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes the same way LoadConfig does, without touching the filesystem.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Connection: *DefaultConnectionConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// units start from the defaults, not from the zero value
	var raw struct {
		Units map[string]yaml.Node `yaml:"units"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	for name, node := range raw.Units {
		unit := *DefaultConnectionConfig()
		if err := node.Decode(&unit); err != nil {
			return nil, fmt.Errorf("failed to parse unit %s: %w", name, err)
		}
		cfg.Units[name] = unit
	}
	overrideFromEnv(&cfg.Connection)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideFromEnv overrides configuration values from environment variables.
func overrideFromEnv(cfg *ConnectionConfig) {
	if v := os.Getenv("DB_TYPE"); v != "" {
		cfg.Type = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DB_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.SSLMode = v
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("DB_CONN_MAX_LIFETIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnMaxLifetime = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DB_ENABLE_RECONNECT"); v != "" {
		cfg.EnableReconnect = v == "true"
	}
	if v := os.Getenv("DB_ENABLE_QUERY_LOG"); v != "" {
		cfg.EnableQueryLog = v == "true"
	}
	if v := os.Getenv("DB_ENABLE_METRICS"); v != "" {
		cfg.EnableMetrics = v == "true"
	}
}
