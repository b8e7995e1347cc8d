// Package logging configures slog for the daemon and CLI: console and JSON
// handlers, standardized field keys, and helpers for component- and
// context-scoped loggers.
package logging
