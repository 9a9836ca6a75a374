// Package batchtest provides an in-memory queue client for tests.
package batchtest

import (
	"context"
	"fmt"
	"sync"

	"data-refinery/internal/batch"
)

// Fake records submissions and serves statuses set by the test.
type Fake struct {
	mu sync.Mutex

	// SubmitErr, DescribeErr and TerminateErr are returned when non-nil.
	SubmitErr    error
	DescribeErr  error
	TerminateErr error

	next       int
	statuses   map[string]batch.Status
	submitted  []batch.SubmitInput
	terminated map[string]string
	describes  [][]string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		statuses:   make(map[string]batch.Status),
		terminated: make(map[string]string),
	}
}

func (f *Fake) Submit(_ context.Context, in batch.SubmitInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.next++
	handle := fmt.Sprintf("fake-%d", f.next)
	f.statuses[handle] = batch.StatusSubmitted
	f.submitted = append(f.submitted, in)
	return handle, nil
}

func (f *Fake) DescribeStatuses(_ context.Context, handles []string) (map[string]batch.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	out := make(map[string]batch.Status, len(handles))
	for _, chunk := range batch.Chunk(handles, batch.MaxDescribeHandles) {
		f.describes = append(f.describes, chunk)
		for _, h := range chunk {
			if s, ok := f.statuses[h]; ok {
				out[h] = s
			}
		}
	}
	return out, nil
}

func (f *Fake) Terminate(_ context.Context, handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.terminated[handle] = reason
	if _, ok := f.statuses[handle]; ok {
		f.statuses[handle] = batch.StatusFailed
	}
	return nil
}

// SetStatus overrides the remote status of handle.
func (f *Fake) SetStatus(handle string, s batch.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = s
}

// Forget drops handle as if the provider no longer knew it.
func (f *Fake) Forget(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, handle)
}

// Submitted returns a copy of every accepted submission.
func (f *Fake) Submitted() []batch.SubmitInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batch.SubmitInput(nil), f.submitted...)
}

// Terminated returns terminated handles with their reasons.
func (f *Fake) Terminated() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.terminated))
	for k, v := range f.terminated {
		out[k] = v
	}
	return out
}

// DescribeCalls returns the handle chunks of every describe call.
func (f *Fake) DescribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.describes...)
}

var _ batch.Client = (*Fake)(nil)
