// Package store provides SQLite persistence for loom-gateway.
//
// # Overview
//
// The store keeps the small amount of state that must survive restarts:
// issued device tokens and node display-name overrides. It uses
// modernc.org/sqlite (pure Go, no cgo) with WAL journaling, and creates
// its schema automatically on open.
package store
