// Package node tracks the live registry of connected node sessions,
// keyed by node id with connection-level metadata for presence snapshots.
package node
