package progress

import (
	"errors"
	"fmt"
	"time"
)

// Status is the server-reported lifecycle state of a conversion job.
type Status string

// Job statuses reported by the progress endpoint.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses along pending -> processing -> completed|failed. Unknown
// statuses rank zero.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// JobProgress is one status snapshot for a job.
type JobProgress struct {
	// JobID is the opaque server identifier.
	JobID string `json:"job_id"`
	// Status is the lifecycle state at the time of the snapshot.
	Status Status `json:"status"`
	// Progress is an integer percentage, 0 through 100.
	Progress int `json:"progress"`
	// ErrorMessage is set by the server only for failed jobs.
	ErrorMessage string `json:"error_message,omitempty"`
	// ProcessingSpeed is frames per second when reported.
	ProcessingSpeed *float64 `json:"processing_speed,omitempty"`
	// ProcessedDuration is seconds of media already converted.
	ProcessedDuration *float64 `json:"processed_duration,omitempty"`
	// CPUUsage is a percentage.
	CPUUsage *float64 `json:"cpu_usage,omitempty"`
	// MemoryUsage is in megabytes.
	MemoryUsage *float64 `json:"memory_usage,omitempty"`
}

// Validate performs structural validation of a snapshot.
func (p JobProgress) Validate() error {
	if p.JobID == "" {
		return errors.New("job id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("progress %d out of range", p.Progress)
	}
	return nil
}

// Kind identifies the event stream a subscriber listens to.
type Kind string

// Supported event kinds.
const (
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProgress, KindComplete, KindError:
		return true
	default:
		return false
	}
}

// Source records which transport produced an event.
type Source string

// Event sources.
const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// Failure describes an error event.
type Failure struct {
	// Message is the server's error text or a local description.
	Message string
	// Transient marks faults that do not stop polling.
	Transient bool
	// Status is the HTTP status of a refused poll, zero for transport faults.
	Status int
	// Exhausted marks a refused restart because the retry budget is spent.
	Exhausted bool
}

// Event is delivered to subscribers and sinks.
type Event struct {
	Kind   Kind
	JobID  string
	TS     time.Time
	Source Source
	// Progress holds the snapshot for progress and complete events, and for
	// server-reported failures.
	Progress JobProgress
	// Failure is set for error events only.
	Failure *Failure
	// Attempt counts manual restarts of the job so far.
	Attempt int
	// Elapsed is the time since the current attempt began.
	Elapsed time.Duration
	// Remaining is a linear estimate; zero when unknown.
	Remaining time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress, KindComplete:
		if e.Failure != nil {
			return fmt.Errorf("%s event must not carry a failure", e.Kind)
		}
	case KindError:
		if e.Failure == nil {
			return errors.New("error event requires a failure")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Elapsed < 0 || e.Remaining < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// EstimateRemaining extrapolates linearly from elapsed time and percentage.
// It returns zero when progress is not strictly between 0 and 100.
func EstimateRemaining(elapsed time.Duration, pct int) time.Duration {
	if pct <= 0 || pct >= 100 || elapsed <= 0 {
		return 0
	}
	return time.Duration(int64(elapsed) * int64(100-pct) / int64(pct))
}

// KindForStatus maps a server status to the event kind it produces.
func KindForStatus(s Status) Kind {
	switch s {
	case StatusCompleted:
		return KindComplete
	case StatusFailed:
		return KindError
	default:
		return KindProgress
	}
}
