package engine

import (
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// Sentinel errors returned by engine operations.
var (
	ErrResourceExhausted = errors.New("resource exhausted: no free device unit available")
	ErrJobFinished       = errors.New("job already finished")
	ErrJobActive         = errors.New("job has not finished")
	ErrStopped           = errors.New("engine is stopped")
	ErrHalted            = errors.New("engine halted after an internal failure")
	ErrQueueFull         = errors.New("dispatch queue is full")
)

// JobError is the user-visible failure of one job. It is data, not a fault:
// the runner reports it in Result and in the job record.
type JobError struct {
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

// Result is the outcome of one runner invocation. Err is nil on success.
type Result struct {
	Output model.Values
	Err    *JobError
}
