// Package engine runs submitted jobs through their lifecycle. Submit writes a
// queued record and hands the token to a bounded dispatch channel; a fixed
// pool of workers marks each job running, acquires a resource unit, invokes
// the served block with a per-job execution context and finalizes the record
// as complete or failed. Status, progress and output live in the job record
// in the durable store, so any reader sharing the store sees the same state.
package engine
