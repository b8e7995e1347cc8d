// Package queue persists separation jobs in SQLite and exposes the lifecycle
// operations the pipeline, daemon, and CLI share.
package queue
