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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook records query latency and failures per unit and SQL operation.
type MetricsHook struct {
	unit     string
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

var _ bun.QueryHook = (*MetricsHook)(nil)

// NewMetricsHook registers the query collectors on reg. Several units may
// share one registry; the collectors are registered once and labelled by unit.
func NewMetricsHook(reg prometheus.Registerer, unit string) (*MetricsHook, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bunspike",
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Duration of SQL queries issued through a persistence unit.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"unit", "operation"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunspike",
		Subsystem: "db",
		Name:      "query_errors_total",
		Help:      "SQL queries that returned an error other than no rows.",
	}, []string{"unit", "operation"})

	var err error
	if duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, err
	}
	if failures, err = registerOrReuse(reg, failures); err != nil {
		return nil, err
	}
	return &MetricsHook{unit: unit, duration: duration, failures: failures}, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register query metrics: %w", err)
	}
	return c, nil
}

func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	op := event.Operation()
	h.duration.WithLabelValues(h.unit, op).Observe(time.Since(event.StartTime).Seconds())
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.failures.WithLabelValues(h.unit, op).Inc()
	}
}
