package engine

import (
	"encoding/json"

	"github.com/seantiz/kiln/internal/model"
)

// JobStatus is the status object of a fetch response. queue_position appears
// only for queued jobs and progress only for running ones, as null until the
// job first reports progress.
type JobStatus struct {
	Status        string
	QueuePosition *int
	Progress      *float64
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	out := map[string]any{"status": s.Status}
	switch s.Status {
	case model.StatusQueued:
		if s.QueuePosition != nil {
			out["queue_position"] = *s.QueuePosition
		}
	case model.StatusRunning:
		out["progress"] = s.Progress
	}
	return json.Marshal(out)
}

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var wire struct {
		Status        string   `json:"status"`
		QueuePosition *int     `json:"queue_position"`
		Progress      *float64 `json:"progress"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*s = JobStatus{Status: wire.Status, QueuePosition: wire.QueuePosition, Progress: wire.Progress}
	return nil
}

// FetchResponse is what a caller polling a token sees.
type FetchResponse struct {
	Status JobStatus    `json:"status"`
	Config model.Values `json:"config,omitempty"`
	Output model.Values `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}
