// Package sqlite provides cache storage backed by SQLite so store
// generations survive gateway restarts.
//
// Entries are keyed by (store name, absolute URL). Headers are persisted as
// JSON next to the raw body.
package sqlite
