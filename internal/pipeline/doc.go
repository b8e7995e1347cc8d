// Package pipeline runs stem-separation jobs as background workers. A job
// moves through upload, remote processing, download, and assembly; each worker
// reports typed events through an EventSink and persists its state in the
// queue store. Progress is monotonic and reaches 1.0 exactly when a job
// completes; every job ends with exactly one terminal event.
package pipeline
