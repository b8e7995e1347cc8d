// Package preflight validates the runtime environment before the daemon
// starts accepting jobs: directory permissions, staging disk space, and
// separation service reachability.
package preflight
