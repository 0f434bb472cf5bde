// internal/source/job.go
package source

import (
	"sync/atomic"

	"depot/internal/manifest"
)

// CompletionFunc receives the terminal outcome of one chunk request. It is
// called exactly once per request and may run on any thread.
type CompletionFunc func(id manifest.ChunkID, aborted bool, readFailed bool, token any)

// JobState tracks a request through its lifecycle:
// Created -> Scheduled -> {Completed | Failed | Aborted}.
type JobState int32

const (
	JobCreated JobState = iota
	JobScheduled
	JobCompleted
	JobFailed
	JobAborted
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobScheduled:
		return "scheduled"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ChunkJob is a single-invocation deferred chunk read. CreateRequest
// returns it unexecuted; whoever schedules it calls Run once, on whatever
// thread suits them. Running with aborted=true skips the read and reports
// cooperative cancellation instead. Only the first Run call has any
// effect.
type ChunkJob struct {
	id         manifest.ChunkID
	token      any
	onComplete CompletionFunc
	read       func() error
	state      atomic.Int32
}

func NewChunkJob(id manifest.ChunkID, token any, onComplete CompletionFunc, read func() error) *ChunkJob {
	return &ChunkJob{id: id, token: token, onComplete: onComplete, read: read}
}

// Run executes or aborts the job. Completion is reported exactly once;
// repeat calls are no-ops. Cancellation is cooperative: a job already
// running cannot be stopped mid-read.
func (j *ChunkJob) Run(aborted bool) {
	if !j.state.CompareAndSwap(int32(JobCreated), int32(JobScheduled)) {
		return
	}
	if aborted {
		j.state.Store(int32(JobAborted))
		if j.onComplete != nil {
			j.onComplete(j.id, true, false, j.token)
		}
		return
	}
	err := j.read()
	if err != nil {
		j.state.Store(int32(JobFailed))
	} else {
		j.state.Store(int32(JobCompleted))
	}
	if j.onComplete != nil {
		j.onComplete(j.id, false, err != nil, j.token)
	}
}

// State returns the job's current lifecycle state.
func (j *ChunkJob) State() JobState {
	return JobState(j.state.Load())
}

// ID returns the chunk id the job was created for.
func (j *ChunkJob) ID() manifest.ChunkID {
	return j.id
}
