// Package stores provides the durable progress store backing the
// engine: projects, versioned snapshots, and the append-only attempt
// history, on a local SQLite database.
//
// Snapshots are written atomically with a monotonically increasing
// per-project version; the latest version is the single source of
// truth for resumption. Schema changes ship as embedded SQL migrations
// applied on startup.
package stores
