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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/uptrace/bun"
)

const commonSeedDir = "common"

var seedOrderPattern = regexp.MustCompile(`^(\d+)_`)

// Seeder loads data from SQL files laid out as
//
//	common/NNN_name.sql
//	environments/<environment>/NNN_name.sql
//
// Common files run first, each group ordered by its numeric prefix. Files
// are text/template documents over the process environment plus
// ENVIRONMENT and TIMESTAMP; each file runs in its own transaction.
type Seeder struct {
	db          *bun.DB
	fsys        fs.FS
	environment string
	logger      Logger
}

// SeedFile describes one SQL file found by the Seeder.
type SeedFile struct {
	Path        string
	Name        string
	Order       int
	Environment string
}

// SeedResult is the outcome of executing one SeedFile.
type SeedResult struct {
	File         string
	Duration     time.Duration
	Statements   int
	RowsAffected int64
	Err          error
}

func NewSeeder(db *bun.DB, fsys fs.FS, environment string) *Seeder {
	return &Seeder{db: db, fsys: fsys, environment: environment, logger: GetLogger()}
}

// NewDirSeeder seeds from a directory on disk.
func NewDirSeeder(db *bun.DB, dir, environment string) *Seeder {
	return NewSeeder(db, os.DirFS(dir), environment)
}

func (s *Seeder) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Run executes every seed file and stops at the first failure.
func (s *Seeder) Run(ctx context.Context) ([]SeedResult, error) {
	files, err := s.Files()
	if err != nil {
		return nil, fmt.Errorf("failed to list seed files: %w", err)
	}
	if len(files) == 0 {
		s.logger.Info("No seed files found", "environment", s.environment)
		return nil, nil
	}

	results := make([]SeedResult, 0, len(files))
	for _, file := range files {
		result := s.execute(ctx, file)
		results = append(results, result)
		if result.Err != nil {
			s.logger.Error("Seed file failed", "file", result.File, "error", result.Err)
			return results, fmt.Errorf("seed file %s: %w", result.File, result.Err)
		}
		s.logger.Info("Seed file executed",
			"file", result.File,
			"duration", result.Duration.String(),
			"statements", result.Statements,
			"rows_affected", result.RowsAffected,
		)
	}
	s.logger.Info("Seeding completed", "files", len(results), "environment", s.environment)
	return results, nil
}

// Files lists the seed files in execution order.
func (s *Seeder) Files() ([]SeedFile, error) {
	files, err := s.filesIn(commonSeedDir, commonSeedDir)
	if err != nil {
		return nil, err
	}
	if s.environment != "" {
		envFiles, err := s.filesIn(path.Join("environments", s.environment), s.environment)
		if err != nil {
			return nil, err
		}
		files = append(files, envFiles...)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Environment != files[j].Environment {
			return files[i].Environment == commonSeedDir
		}
		if files[i].Order != files[j].Order {
			return files[i].Order < files[j].Order
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func (s *Seeder) filesIn(dir, environment string) ([]SeedFile, error) {
	if _, err := fs.Stat(s.fsys, dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var files []SeedFile
	err := fs.WalkDir(s.fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			return nil
		}
		files = append(files, SeedFile{
			Path:        p,
			Name:        d.Name(),
			Order:       seedOrder(d.Name()),
			Environment: environment,
		})
		return nil
	})
	return files, err
}

// seedOrder reads the numeric prefix of a file name; unnumbered files go last.
func seedOrder(name string) int {
	if m := seedOrderPattern.FindStringSubmatch(name); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 999
}

func (s *Seeder) execute(ctx context.Context, file SeedFile) SeedResult {
	start := time.Now()
	result := SeedResult{File: file.Path}

	content, err := fs.ReadFile(s.fsys, file.Path)
	if err != nil {
		result.Err = fmt.Errorf("failed to read file: %w", err)
		result.Duration = time.Since(start)
		return result
	}
	rendered, err := s.render(file.Name, string(content))
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}
	statements := splitStatements(rendered)
	result.Statements = len(statements)
	if len(statements) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	result.Err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("statement %q: %w", stmt, err)
			}
			n, _ := res.RowsAffected()
			result.RowsAffected += n
		}
		return nil
	})
	result.Duration = time.Since(start)
	return result
}

func (s *Seeder) render(name, content string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	vars["ENVIRONMENT"] = s.environment
	vars["TIMESTAMP"] = time.Now().Format("2006-01-02 15:04:05")

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// splitStatements splits on lines ending in ';' and drops "--" comment lines.
// Lines may be of any length.
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString(" ")
		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
