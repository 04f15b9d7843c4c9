package taskflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind selects the analysis pipeline a submission is dispatched to.
type Kind string

const (
	KindAnalyze Kind = "analyze"
	KindMedia   Kind = "media"
)

const monthLayout = "2006_01"

// Submission is the semantic payload of one unit of work: a month range and
// the GeoJSON geometries to process. Threshold only applies to analyze tasks.
type Submission struct {
	Kind       Kind
	Start      string
	Stop       string
	Geometries []string
	Threshold  *float64
}

// Validate normalizes the month fields and rejects malformed input before any
// registry or backend interaction takes place.
func (s *Submission) Validate() error {
	switch s.Kind {
	case KindAnalyze, KindMedia:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", s.Kind)}
	}

	start, err := NormalizeMonth(s.Start)
	if err != nil {
		return &ValidationError{Field: "start", Reason: err.Error()}
	}
	stop, err := NormalizeMonth(s.Stop)
	if err != nil {
		return &ValidationError{Field: "stop", Reason: err.Error()}
	}
	s.Start = start
	s.Stop = stop

	if len(s.Geometries) == 0 {
		return &ValidationError{Field: "target_geojsons", Reason: "at least one geometry is required"}
	}
	if s.Threshold != nil {
		if t := *s.Threshold; t < 0.0 || t > 1.0 {
			return &ValidationError{
				Field:  "bbox_threshold",
				Reason: fmt.Sprintf("must lie in [0,1], received %v", t),
			}
		}
	}
	return nil
}

// NormalizeMonth parses a year-month string in 2006_01 form and returns its
// canonical rendering. The parse either yields a value or a reason; callers
// never see a panic or a partially parsed date.
func NormalizeMonth(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != len(monthLayout) {
		return "", fmt.Errorf("must be in %s format, received %q", monthLayout, raw)
	}
	parsed, err := time.Parse(monthLayout, raw)
	if err != nil {
		return "", fmt.Errorf("must be in %s format, received %q", monthLayout, raw)
	}
	return parsed.Format(monthLayout), nil
}

// State is the externally visible status of a submitted task.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Status pairs a state with the backend-supplied result for completed tasks.
type Status struct {
	State  State           `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// BackendPhase is the execution backend's report for a handle.
type BackendPhase string

const (
	BackendPending   BackendPhase = "pending"
	BackendRunning   BackendPhase = "running"
	BackendSucceeded BackendPhase = "succeeded"
	BackendFailed    BackendPhase = "failed"
	BackendAbsent    BackendPhase = "absent"
)

// Terminal reports whether the backend will never change its report again.
func (p BackendPhase) Terminal() bool {
	return p == BackendSucceeded || p == BackendFailed
}

// BackendState is the result of querying the execution backend for a handle.
type BackendState struct {
	Phase  BackendPhase
	Result json.RawMessage
}

// Backend is the asynchronous execution collaborator. Enqueue must accept a
// given uid at most once; this core never re-enqueues a handle.
type Backend interface {
	Enqueue(ctx context.Context, uid string, sub Submission) error
	QueryState(ctx context.Context, uid string) (BackendState, error)
}
