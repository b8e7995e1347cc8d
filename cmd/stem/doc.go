// Package main hosts the stem CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into IPC calls
// against the stemd daemon: submitting mixes for separation, cancelling jobs,
// inspecting the queue, and configuration scaffolding. Queue inspection falls
// back to direct store access when the daemon is not running, so listing and
// cleanup keep working between daemon sessions.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
