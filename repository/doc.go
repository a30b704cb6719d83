// Package repository provides generic, per-entity repositories built on the
// database sessions: save/merge/remove with flush control, primary key lookup,
// counting, pagination and query helpers.
package repository
