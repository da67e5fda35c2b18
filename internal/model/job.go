package model

import "time"

// Job status constants.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"

	// StatusInvalidToken is reported for tokens the tracker does not know.
	// It is never stored.
	StatusInvalidToken = "invalid token"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusComplete: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final job state.
func Terminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Record is the per-token job state persisted in the durable store. It is the
// contract between the job runner and every status reader.
type Record struct {
	Token      string     `json:"token"`
	Status     string     `json:"status"`
	Config     Values     `json:"config"`
	Output     Values     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Progress   *float64   `json:"progress,omitempty"`
	Device     string     `json:"device,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRecord returns a queued record for a freshly submitted job.
func NewRecord(token string, config Values) *Record {
	return &Record{
		Token:     token,
		Status:    StatusQueued,
		Config:    config.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}
