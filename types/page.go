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

package types

const DefaultPageSize = 10

// QueryFilter describes a WHERE clause and its argument values.
type QueryFilter struct {
	Schema string
	Args   []interface{}
}

// NewQueryFilter creates a new query filter with schema and args.
func NewQueryFilter(schema string, args ...interface{}) *QueryFilter {
	return &QueryFilter{schema, args}
}

// Page selects a window of results. Number is 0-based; Orders are SQL order
// expressions such as "name DESC".
type Page struct {
	Size   int
	Number int
	Orders []string
}

// PageOf returns page number of the given size.
func PageOf(size, number int, orders ...string) Page {
	return Page{Size: size, Number: number, Orders: orders}
}

// FirstPage returns the first page of the given size.
func FirstPage(size int, orders ...string) Page {
	return PageOf(size, 0, orders...)
}

func (p Page) First() Page {
	return Page{Size: p.Size, Number: 0, Orders: p.Orders}
}

func (p Page) Next() Page {
	return Page{Size: p.Size, Number: p.Number + 1, Orders: p.Orders}
}

// Previous returns the page before p, or p itself on the first page.
func (p Page) Previous() Page {
	if p.Number <= 0 {
		return p.First()
	}
	return Page{Size: p.Size, Number: p.Number - 1, Orders: p.Orders}
}

// Limit is the page size, DefaultPageSize when unset.
func (p Page) Limit() int {
	if p.Size < 1 {
		return DefaultPageSize
	}
	return p.Size
}

func (p Page) Offset() int {
	if p.Number < 0 {
		return 0
	}
	return p.Number * p.Limit()
}

// Pagination holds one page of items with the total count of matches.
type Pagination[T any] struct {
	Page     int
	PageSize int
	Total    int
	Items    []*T
}

// NewPagination returns an empty result for page.
func NewPagination[T any](page Page) *Pagination[T] {
	return &Pagination[T]{Page: page.Number, PageSize: page.Limit(), Items: make([]*T, 0)}
}

// TotalPages is the number of pages needed for Total items.
func (p *Pagination[T]) TotalPages() int {
	if p.PageSize < 1 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

func (p *Pagination[T]) HasNext() bool {
	return p.Page+1 < p.TotalPages()
}
