package storage

// Package storage is the durable job store: the sole source of truth for
// scheduled notifications.
//
// It currently supports:
//   - Job upserts and scans (reconciliation reloads the full set)
//   - Audit log appends (scheduler lifecycle events)
//
// Backends: sqlite (default) and a dependency-free file backend
// (jsonl journal + snapshot).
