// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package transfertool abstracts the external transfer machinery the
// conveyor submits jobs to and polls for outcomes.
package transfertool

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
)

// Error is the default error class for the package.
var Error = errs.Class("transfertool")

// Job is one bulk submission against a single external host.
type Job struct {
	Files []JobFile
}

// JobFile is one file transfer inside a job.
type JobFile struct {
	RequestID   uuid.UUID
	Sources     []string
	Destination string
	Bytes       int64
	Adler32     string
	MD5         string
	Activity    string
}

// JobStatus is the polled state of one external transfer.
type JobStatus struct {
	TransferID string
	Files      []FileStatus
}

// FileStatus is the polled state of one file inside a transfer. An empty
// NewState means nothing conclusive yet.
type FileStatus struct {
	RequestID   uuid.UUID
	NewState    catalog.RequestState
	Reason      string
	Duration    time.Duration
	SrcURL      string
	DstURL      string
	JobMReplica bool
}

// Client talks to one external transfer host.
//
// BulkQuery reports a nil entry for a transfer the host no longer knows,
// which the poller treats as lost; ids missing from the map entirely mean
// the query for them failed and they are left untouched.
type Client interface {
	Submit(ctx context.Context, job Job) (transferID string, err error)
	BulkQuery(ctx context.Context, transferIDs []string) (map[string]*JobStatus, error)
	Cancel(ctx context.Context, transferID string) error
}

// Dialer hands out the client of an external host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Client, error)
}
