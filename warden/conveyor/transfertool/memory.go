// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package transfertool

import (
	"context"
	"fmt"
	"sync"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
)

// Memory is the in-process transfer tool used by tests and dev runs. It
// accepts every host, remembers submitted jobs and lets the caller drive
// their outcomes.
type Memory struct {
	mu        sync.Mutex
	seq       int
	jobs      map[string]*memoryJob
	submitErr error
}

type memoryJob struct {
	job    Job
	status map[uuid.UUID]FileStatus
}

// NewMemory constructs a Memory tool.
func NewMemory() *Memory {
	return &Memory{jobs: map[string]*memoryJob{}}
}

// Dial returns the tool itself for every host.
func (m *Memory) Dial(ctx context.Context, host string) (Client, error) {
	return m, nil
}

// Submit stores the job and assigns a transfer id.
func (m *Memory) Submit(ctx context.Context, job Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.seq++
	id := fmt.Sprintf("mem-%d", m.seq)
	m.jobs[id] = &memoryJob{job: job, status: map[uuid.UUID]FileStatus{}}
	return id, nil
}

// BulkQuery reports the driven outcomes. Unknown transfers report nil.
func (m *Memory) BulkQuery(ctx context.Context, transferIDs []string) (map[string]*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]*JobStatus, len(transferIDs))
	for _, id := range transferIDs {
		stored, ok := m.jobs[id]
		if !ok {
			result[id] = nil
			continue
		}
		status := &JobStatus{TransferID: id}
		for _, file := range stored.job.Files {
			fs, ok := stored.status[file.RequestID]
			if !ok {
				fs = FileStatus{RequestID: file.RequestID, SrcURL: first(file.Sources), DstURL: file.Destination}
			}
			status.Files = append(status.Files, fs)
		}
		result[id] = status
	}
	return result, nil
}

// Cancel forgets the transfer.
func (m *Memory) Cancel(ctx context.Context, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[transferID]; !ok {
		return Error.New("unknown transfer %q", transferID)
	}
	delete(m.jobs, transferID)
	return nil
}

// TransferIDs returns the ids of all submitted transfers in submission order.
func (m *Memory) TransferIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.jobs))
	for i := 1; i <= m.seq; i++ {
		id := fmt.Sprintf("mem-%d", i)
		if _, ok := m.jobs[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Job returns the submitted job of a transfer.
func (m *Memory) Job(transferID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[transferID]
	if !ok {
		return Job{}, false
	}
	return stored.job, true
}

// SetFileStatus drives the outcome of one file.
func (m *Memory) SetFileStatus(transferID string, status FileStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[transferID]
	if !ok {
		return
	}
	stored.status[status.RequestID] = status
}

// FinishAll drives every file of every transfer into the given state.
func (m *Memory) FinishAll(state catalog.RequestState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.jobs {
		for _, file := range stored.job.Files {
			stored.status[file.RequestID] = FileStatus{
				RequestID: file.RequestID,
				NewState:  state,
				Reason:    reason,
				SrcURL:    first(file.Sources),
				DstURL:    file.Destination,
			}
		}
	}
}

// Lose forgets a transfer so that polling reports it lost.
func (m *Memory) Lose(transferID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, transferID)
}

// SetSubmitError forces subsequent submissions to fail.
func (m *Memory) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
