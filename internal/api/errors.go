package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrJobNotFound matches a 404 from any job route.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExpired matches a 410; the server has discarded the job.
	ErrJobExpired = errors.New("job expired")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// Is maps well-known status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrJobNotFound:
		return e.Code == http.StatusNotFound
	case ErrJobExpired:
		return e.Code == http.StatusGone
	default:
		return false
	}
}

// RejectedError is returned when the server answers {"success": false}.
type RejectedError struct {
	Op     string
	JobID  string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %s rejected", e.Op, e.JobID)
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Op, e.JobID, e.Reason)
}
