// Package database provides persistence units on top of Bun: connection
// management, configuration, transactional sessions with an identity map,
// migrations, seed data, query hooks and driver error classification.
package database
