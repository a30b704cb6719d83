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
	"io"
	"os"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/tomoncle/bunspike/utils"
	"github.com/uptrace/bun"
)

const (
	ansiReset    = "\x1b[0m"
	ansiRed      = "\x1b[31m"
	ansiYellow   = "\x1b[33m"
	ansiGreen    = "\x1b[32m"
	ansiBlue     = "\x1b[34m"
	ansiMagenta  = "\x1b[35m"
	ansiCyan     = "\x1b[36m"
	ansiBGYellow = "\x1b[43;97m"
)

var silentQueries atomic.Bool

// EnableBunSqlSilent mutes QueryHook output, e.g. while migrations run.
func EnableBunSqlSilent(b bool) {
	silentQueries.Store(b)
}

func colorWrap(s, code string) string { return code + s + ansiReset }

// QueryHook prints every query with its duration, coloured by operation.
// The environment variable named by EnvName overrides Enabled: "0" or empty
// disables, "2" also prints successful queries.
type QueryHook struct {
	EnvName string
	Enabled bool
	Verbose bool
	Writer  io.Writer
}

var _ bun.QueryHook = (*QueryHook)(nil)

// NewQueryHook returns a QueryHook writing to stdout and honouring BUNDEBUG.
func NewQueryHook(verbose bool) *QueryHook {
	return &QueryHook{EnvName: "BUNDEBUG", Enabled: true, Verbose: verbose, Writer: os.Stdout}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if silentQueries.Load() {
		return
	}
	enabled, verbose := h.Enabled, h.Verbose
	if h.EnvName != "" {
		if env, ok := os.LookupEnv(h.EnvName); ok {
			enabled = env != "" && env != "0"
			verbose = env == "2"
		}
	}
	if !enabled {
		return
	}
	if !verbose {
		switch {
		case event.Err == nil, errors.Is(event.Err, sql.ErrNoRows), errors.Is(event.Err, sql.ErrTxDone):
			return
		}
	}

	now := time.Now()
	args := []interface{}{
		utils.FormatTimestamp(now),
		colorWrap("[BUN]", ansiCyan),
		fmt.Sprintf("%12s", now.Sub(event.StartTime).Round(time.Microsecond)),
		" ", colorQuery(event),
	}
	if event.Err != nil {
		typ := reflect.TypeOf(event.Err).String()
		args = append(args, "\t", color.New(color.BgRed).Sprintf(" %s: %s ", typ, event.Err.Error()))
	}
	w := h.Writer
	if w == nil {
		w = os.Stdout
	}
	_, _ = fmt.Fprintln(w, args...)
}

func colorQuery(event *bun.QueryEvent) string {
	switch event.Operation() {
	case "SELECT":
		return colorWrap(event.Query, ansiGreen)
	case "INSERT":
		return colorWrap(event.Query, ansiBlue)
	case "UPDATE":
		return colorWrap(event.Query, ansiYellow)
	case "DELETE":
		return colorWrap(event.Query, ansiMagenta)
	default:
		return colorWrap(event.Query, ansiRed)
	}
}

// slowQueryHook logs successful queries slower than threshold through the package Logger.
type slowQueryHook struct {
	threshold time.Duration
	unit      string
	logger    Logger
}

func (h *slowQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *slowQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if event.Err != nil || h.logger == nil {
		return
	}
	if d := time.Since(event.StartTime); d > h.threshold {
		h.logger.Warn(colorWrap("Database slow query detected", ansiBGYellow),
			"unit", h.unit,
			"duration", d,
			"slow_threshold", h.threshold,
			"query", event.Query,
		)
	}
}
