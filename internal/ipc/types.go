package ipc

import (
	"time"

	"stemd/internal/queue"
)

// Job is the wire representation of a queue entry.
type Job struct {
	ID              int64             `json:"id"`
	UUID            string            `json:"uuid"`
	SourcePath      string            `json:"source_path"`
	OutputDir       string            `json:"output_dir"`
	Stems           []string          `json:"stems"`
	Status          string            `json:"status"`
	ProgressStage   string            `json:"progress_stage"`
	ProgressPercent float64           `json:"progress_percent"`
	ProgressMessage string            `json:"progress_message"`
	Result          map[string]string `json:"result,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// FromQueueJob converts a store row into its wire representation.
func FromQueueJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:              job.ID,
		UUID:            job.UUID,
		SourcePath:      job.SourcePath,
		OutputDir:       job.OutputDir,
		Stems:           job.Options.Requested(),
		Status:          string(job.Status),
		ProgressStage:   job.ProgressStage,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		Result:          job.Result,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// PreflightResult mirrors a single environment check.
type PreflightResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// StatusResponse represents combined daemon status information.
type StatusResponse struct {
	Running     bool              `json:"running"`
	PID         int               `json:"pid"`
	QueueDBPath string            `json:"queue_db_path"`
	LockPath    string            `json:"lock_path"`
	SocketPath  string            `json:"socket_path"`
	QueueStats  map[string]int    `json:"queue_stats"`
	ActiveJobs  []int64           `json:"active_jobs"`
	Preflight   []PreflightResult `json:"preflight"`
}

// SubmitRequest enqueues a new separation job.
type SubmitRequest struct {
	SourcePath string   `json:"source_path"`
	OutputDir  string   `json:"output_dir"`
	Stems      []string `json:"stems"`
}

// SubmitResponse returns the accepted job.
type SubmitResponse struct {
	Job Job `json:"job"`
}

// CancelRequest cancels a job by id.
type CancelRequest struct {
	ID int64 `json:"id"`
}

// CancelResponse reports cancellation outcome.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// QueueListRequest filters queue listing by status.
type QueueListRequest struct {
	Statuses []string `json:"statuses"`
}

// QueueListResponse contains queue entries.
type QueueListResponse struct {
	Jobs []Job `json:"jobs"`
}

// QueueDescribeRequest fetches a single job by id.
type QueueDescribeRequest struct {
	ID int64 `json:"id"`
}

// QueueDescribeResponse contains a single queue entry.
type QueueDescribeResponse struct {
	Job Job `json:"job"`
}

// QueueClearRequest removes all jobs.
type QueueClearRequest struct{}

// QueueClearResponse reports number of removed entries.
type QueueClearResponse struct {
	Removed int64 `json:"removed"`
}

// QueueClearCompletedRequest removes completed jobs.
type QueueClearCompletedRequest struct{}

// QueueClearCompletedResponse reports number of removed entries.
type QueueClearCompletedResponse struct {
	Removed int64 `json:"removed"`
}

// QueueClearFailedRequest removes failed jobs.
type QueueClearFailedRequest struct{}

// QueueClearFailedResponse reports number of removed entries.
type QueueClearFailedResponse struct {
	Removed int64 `json:"removed"`
}

// QueueHealthRequest fetches aggregate diagnostics.
type QueueHealthRequest struct{}

// QueueHealthResponse reports queue health information.
type QueueHealthResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
