package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidMode = errors.New("invalid run mode")

type RunMode string

const (
	RunModeFull        RunMode = "full"
	RunModeIncremental RunMode = "incremental"
)

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// ParseRunMode accepts the selector words a caller may send. "all" and "new"
// are the storefront tool's words; "full" and "incremental" are aliases.
func ParseRunMode(selector string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(selector)) {
	case "all", "full":
		return RunModeFull, nil
	case "new", "incremental":
		return RunModeIncremental, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, selector)
	}
}

func (m RunMode) Valid() bool {
	return m == RunModeFull || m == RunModeIncremental
}

// Run is one batch execution as kept in run history.
type Run struct {
	ID              string     `json:"id"`
	Mode            RunMode    `json:"mode"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	Records         int        `json:"records"`
	Candidates      int        `json:"candidates"`
	Processed       int        `json:"processed"`
	Failed          int        `json:"failed"`
	WatermarkBefore time.Time  `json:"watermark_before"`
	WatermarkAfter  time.Time  `json:"watermark_after,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
