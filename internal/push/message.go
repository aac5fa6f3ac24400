package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

// Message types carried on the admin socket.
const (
	TypeJobUpdate   = "job_update"
	TypeStatsUpdate = "stats_update"
	TypeSystemAlert = "system_alert"
)

// Stats is the cluster-wide job summary pushed with stats_update.
type Stats struct {
	TotalJobs      int `json:"total_jobs"`
	PendingJobs    int `json:"pending_jobs"`
	ProcessingJobs int `json:"processing_jobs"`
	CompletedJobs  int `json:"completed_jobs"`
	FailedJobs     int `json:"failed_jobs"`
}

// Validate rejects negative counters.
func (s Stats) Validate() error {
	for name, v := range map[string]int{
		"total_jobs":      s.TotalJobs,
		"pending_jobs":    s.PendingJobs,
		"processing_jobs": s.ProcessingJobs,
		"completed_jobs":  s.CompletedJobs,
		"failed_jobs":     s.FailedJobs,
	} {
		if v < 0 {
			return fmt.Errorf("%s is negative", name)
		}
	}
	return nil
}

// Alert levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Alert is an operator notice pushed with system_alert.
type Alert struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Validate requires a message and a known level. An empty level is read as info.
func (a *Alert) Validate() error {
	if a.Message == "" {
		return errors.New("alert message is required")
	}
	switch a.Level {
	case "":
		a.Level = LevelInfo
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
	default:
		return fmt.Errorf("unknown alert level %q", a.Level)
	}
	return nil
}

// envelope is the wire shape of every inbound message.
type envelope struct {
	Type    string                `json:"type"`
	Job     *progress.JobProgress `json:"job,omitempty"`
	Stats   *Stats                `json:"stats,omitempty"`
	Message string                `json:"message,omitempty"`
	Level   string                `json:"level,omitempty"`
}

// decode parses and structurally validates one frame. The returned type is
// best effort and may be set even when err is not nil.
func decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case TypeJobUpdate:
		if env.Job == nil {
			return env, errors.New("job_update without job")
		}
		if err := env.Job.Validate(); err != nil {
			return env, fmt.Errorf("job_update: %w", err)
		}
	case TypeStatsUpdate:
		if env.Stats == nil {
			return env, errors.New("stats_update without stats")
		}
		if err := env.Stats.Validate(); err != nil {
			return env, fmt.Errorf("stats_update: %w", err)
		}
	case TypeSystemAlert:
		alert := Alert{Message: env.Message, Level: env.Level}
		if err := alert.Validate(); err != nil {
			return env, fmt.Errorf("system_alert: %w", err)
		}
		env.Level = alert.Level
	case "":
		return env, errors.New("message type is required")
	default:
		return env, fmt.Errorf("unknown message type %q", env.Type)
	}
	return env, nil
}
