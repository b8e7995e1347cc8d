// Package daemon wires the separation pipeline, update dispatcher, queue
// store, and notifications into a single long-running service with
// single-instance locking.
package daemon
