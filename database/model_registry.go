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
	"sort"
	"sync"
)

var defaultRegistry = NewModelRegistry()

// SQLModel is an entity type whose table is created by migrations. Lower
// priorities are created first so referenced tables exist before their
// dependants.
type SQLModel interface {
	Instance() interface{}
	Priority() int
}

// ModelRegistry keeps SQL models in priority order.
type ModelRegistry interface {
	Register(models ...SQLModel)
	Models() []SQLModel
	Instances() []interface{}
}

type modelRegistry struct {
	mu     sync.RWMutex
	models []SQLModel
}

func NewModelRegistry() ModelRegistry {
	return &modelRegistry{}
}

func (r *modelRegistry) Register(models ...SQLModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, models...)
}

func (r *modelRegistry) Models() []SQLModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]SQLModel, len(r.models))
	copy(result, r.models)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority() < result[j].Priority()
	})
	return result
}

func (r *modelRegistry) Instances() []interface{} {
	models := r.Models()
	instances := make([]interface{}, len(models))
	for i, m := range models {
		instances[i] = m.Instance()
	}
	return instances
}

type modelAdapter struct {
	instance interface{}
	priority int
}

// Model wraps an entity pointer, typically (*E)(nil), as an SQLModel.
func Model(instance interface{}, priority int) SQLModel {
	return &modelAdapter{instance: instance, priority: priority}
}

func (a *modelAdapter) Instance() interface{} { return a.instance }

func (a *modelAdapter) Priority() int { return a.priority }

// RegisterModel adds models to the default registry.
func RegisterModel(models ...SQLModel) {
	defaultRegistry.Register(models...)
}

// RegisteredModels returns the default registry's models by ascending priority.
func RegisteredModels() []SQLModel {
	return defaultRegistry.Models()
}

// RegisteredModelInstances returns the entity pointers of RegisteredModels.
func RegisteredModelInstances() []interface{} {
	return defaultRegistry.Instances()
}
