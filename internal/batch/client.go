// Package batch talks to the remote elastic compute queue. Calls never retry
// internally; retry policy belongs to the dispatcher and the foreman.
package batch

import (
	"context"
	"strings"
)

// MaxDescribeHandles is the provider limit on handles per describe call.
const MaxDescribeHandles = 100

// Status is the closed set of remote job states.
type Status int

const (
	StatusUnknown Status = iota
	StatusSubmitted
	StatusPending
	StatusRunnable
	StatusStarting
	StatusRunning
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusUnknown:   "UNKNOWN",
	StatusSubmitted: "SUBMITTED",
	StatusPending:   "PENDING",
	StatusRunnable:  "RUNNABLE",
	StatusStarting:  "STARTING",
	StatusRunning:   "RUNNING",
	StatusSucceeded: "SUCCEEDED",
	StatusFailed:    "FAILED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return statusNames[StatusUnknown]
}

// ParseStatus maps a provider string onto Status; unrecognized values are Unknown.
func ParseStatus(v string) Status {
	v = strings.ToUpper(strings.TrimSpace(v))
	for s, name := range statusNames {
		if name == v {
			return s
		}
	}
	return StatusUnknown
}

// Queued is true while the remote job has not reached a terminal state.
func (s Status) Queued() bool {
	switch s {
	case StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning:
		return true
	}
	return false
}

// Terminal is true for SUCCEEDED and FAILED.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SubmitInput describes one submission.
type SubmitInput struct {
	JobDefinition string
	JobName       string
	RAMAmount     int
	// JobID is the local row id, passed to the container as its argument.
	JobID string
	// Command is the container command, e.g. ["download", "<id>"].
	Command []string
}

// Client is the queue contract every backend implements.
type Client interface {
	Submit(ctx context.Context, in SubmitInput) (string, error)
	// DescribeStatuses returns statuses for the handles the provider knows;
	// unknown handles are absent from the map.
	DescribeStatuses(ctx context.Context, handles []string) (map[string]Status, error)
	Terminate(ctx context.Context, handle, reason string) error
}

// Chunk splits handles into provider-sized batches, dropping blanks and duplicates.
func Chunk(handles []string, size int) [][]string {
	if size <= 0 {
		size = MaxDescribeHandles
	}
	seen := make(map[string]bool, len(handles))
	var chunks [][]string
	var cur []string
	for _, h := range handles {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		cur = append(cur, h)
		if len(cur) == size {
			chunks = append(chunks, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
