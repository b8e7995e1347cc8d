package queue

import (
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle of a separation job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusDownloading Status = "downloading"
	StatusAssembling  Status = "assembling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// DaemonStopReason is the error message set when jobs are failed due to daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusUploading,
	StatusProcessing,
	StatusDownloading,
	StatusAssembling,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusUploading:   {},
	StatusProcessing:  {},
	StatusDownloading: {},
	StatusAssembling:  {},
}

// StemOptions selects which separated stems a job retains. A stem the job did
// not request never appears in its result mapping.
type StemOptions struct {
	Vocals bool `json:"vocals"`
	Drums  bool `json:"drums"`
	Bass   bool `json:"bass"`
	Other  bool `json:"other"`
}

// DefaultStemOptions requests every stem the separation service produces.
func DefaultStemOptions() StemOptions {
	return StemOptions{Vocals: true, Drums: true, Bass: true, Other: true}
}

// Requested returns the sorted stem names the options select.
func (o StemOptions) Requested() []string {
	stems := make([]string, 0, 4)
	if o.Vocals {
		stems = append(stems, "vocals")
	}
	if o.Drums {
		stems = append(stems, "drums")
	}
	if o.Bass {
		stems = append(stems, "bass")
	}
	if o.Other {
		stems = append(stems, "other")
	}
	sort.Strings(stems)
	return stems
}

// Includes reports whether the named stem was requested.
func (o StemOptions) Includes(stem string) bool {
	switch strings.ToLower(strings.TrimSpace(stem)) {
	case "vocals":
		return o.Vocals
	case "drums":
		return o.Drums
	case "bass":
		return o.Bass
	case "other":
		return o.Other
	default:
		return false
	}
}

// Empty reports whether no stem was requested.
func (o StemOptions) Empty() bool {
	return !o.Vocals && !o.Drums && !o.Bass && !o.Other
}

// Job represents a separation job persisted in SQLite.
type Job struct {
	ID              int64
	UUID            string
	SourcePath      string
	OutputDir       string
	Options         StemOptions
	Status          Status
	RemoteRef       string
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	Result          map[string]string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (j Job) IsProcessing() bool {
	_, ok := processingStatuses[j.Status]
	return ok
}

// IsTerminal reports whether the job reached a terminal status.
func (j Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminalStatus reports whether a status ends the job lifecycle.
func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SetProgress updates all three progress fields together. Use this instead of
// setting ProgressStage, ProgressPercent, and ProgressMessage individually.
func (j *Job) SetProgress(stage, message string, percent float64) {
	j.ProgressStage = stage
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// SetFailed marks the job as failed with the given error message.
func (j *Job) SetFailed(message string) {
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ProgressMessage = message
	j.ProgressStage = "Failed"
}

// SetCancelled marks the job as cancelled. Cancellation carries no error.
func (j *Job) SetCancelled() {
	j.Status = StatusCancelled
	j.ErrorMessage = ""
	j.ProgressStage = "Cancelled"
	j.ProgressMessage = "Cancelled by user"
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
	Cancelled  int
}
