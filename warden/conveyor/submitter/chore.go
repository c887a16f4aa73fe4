// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package submitter claims queued requests and submits them to the external
// transfer tool in bulk jobs per external host.
package submitter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
	"github.com/drovelabs/drove/warden/heartbeat"
)

// Executable is the daemon name used for shard assignment.
const Executable = "conveyor-submitter"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("submitter")
)

// Config configures the submission chore.
type Config struct {
	Interval      time.Duration `help:"how often queued requests are picked up" default:"10s" testDefault:"$TESTINTERVAL"`
	ChunkSize     int           `help:"how many queued requests to take per tick" default:"100"`
	SubmitRetries uint64        `help:"how many times one bulk submission is retried" default:"3"`
}

// Chore drives QUEUED requests through SUBMITTING into SUBMITTED.
type Chore struct {
	log       *zap.Logger
	db        *catalog.DB
	service   *conveyor.Service
	heartbeat *heartbeat.Service
	config    Config

	Loop *sync2.Cycle
}

// NewChore constructs the chore.
func NewChore(log *zap.Logger, db *catalog.DB, service *conveyor.Service, heartbeat *heartbeat.Service, config Config) *Chore {
	return &Chore{
		log:       log,
		db:        db,
		service:   service,
		heartbeat: heartbeat,
		config:    config,
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run submits until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("submission tick failed", zap.Error(err))
		}
		return nil
	})
}

// prepared is one claimed request ready for submission.
type prepared struct {
	request  catalog.Request
	file     transfertool.JobFile
	srcRSEID *uuid.UUID
	srcURL   string
	destURL  string
}

// RunOnce claims one chunk of queued requests, resolves their sources and
// destinations and submits them grouped per external host.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	queued, err := chore.db.GetNextRequests(ctx, catalog.GetNextRequests{
		Types:     []catalog.RequestType{catalog.RequestTransfer, catalog.RequestStageIn, catalog.RequestStageOut},
		State:     catalog.RequestQueued,
		Partition: part,
		Limit:     chore.config.ChunkSize,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	groups := map[string][]prepared{}
	for _, request := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}
		won, err := chore.db.TransitionRequest(ctx, request.ID, catalog.RequestQueued, catalog.RequestSubmitting)
		if err != nil {
			return Error.Wrap(err)
		}
		if !won {
			// another worker got there first
			continue
		}

		p, host, err := chore.prepare(ctx, request)
		switch {
		case err == nil:
			groups[host] = append(groups[host], p)

		case conveyor.ErrNoSources.Has(err):
			mon.Event("request_no_sources")
			reason := err.Error()
			if err := chore.db.SetRequestState(ctx, request.ID, catalog.RequestNoSources, &reason); err != nil {
				return Error.Wrap(err)
			}

		default:
			chore.log.Warn("preparing request failed",
				zap.Stringer("request", request.ID), zap.Error(err))
			reason := err.Error()
			if err := chore.db.SetRequestState(ctx, request.ID, catalog.RequestSubmissionFailed, &reason); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	for host, batch := range groups {
		if err := chore.submit(ctx, host, batch); err != nil {
			return err
		}
	}
	return nil
}

// prepare resolves the sources and destination of one claimed request.
func (chore *Chore) prepare(ctx context.Context, request catalog.Request) (_ prepared, host string, err error) {
	defer mon.Task()(&ctx)(&err)

	sources, err := chore.service.ResolveSources(ctx, request.DID, request.DestRSEID)
	if err != nil {
		return prepared{}, "", err
	}
	dest, err := chore.db.GetRSE(ctx, request.DestRSEID)
	if err != nil {
		return prepared{}, "", err
	}
	destURL, err := chore.service.DestinationURL(ctx, dest, request.DID)
	if err != nil {
		return prepared{}, "", err
	}
	host, err = chore.service.ExternalHost(ctx, dest)
	if err != nil {
		return prepared{}, "", err
	}

	urls := make([]string, 0, len(sources))
	for _, source := range sources {
		urls = append(urls, source.URL)
	}
	srcRSEID := sources[0].RSE.ID
	return prepared{
		request: request,
		file: transfertool.JobFile{
			RequestID:   request.ID,
			Sources:     urls,
			Destination: destURL,
			Bytes:       request.Bytes,
			Adler32:     request.Adler32,
			MD5:         request.MD5,
			Activity:    request.Activity,
		},
		srcRSEID: &srcRSEID,
		srcURL:   sources[0].URL,
		destURL:  destURL,
	}, host, nil
}

// submit sends one bulk job and records the external transfer on every
// request. A failed submission marks the whole batch SUBMISSION_FAILED.
func (chore *Chore) submit(ctx context.Context, host string, batch []prepared) (err error) {
	defer mon.Task()(&ctx)(&err)

	job := transfertool.Job{}
	for _, p := range batch {
		job.Files = append(job.Files, p.file)
	}

	transferID, err := chore.submitWithRetry(ctx, host, job)
	if err != nil {
		chore.log.Warn("bulk submission failed",
			zap.String("host", host), zap.Int("requests", len(batch)), zap.Error(err))
		reason := err.Error()
		for _, p := range batch {
			if err := chore.db.SetRequestState(ctx, p.request.ID, catalog.RequestSubmissionFailed, &reason); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	}

	for _, p := range batch {
		srcURL, destURL := p.srcURL, p.destURL
		if err := chore.db.SetRequestURLs(ctx, p.request.ID, p.srcRSEID, &srcURL, &destURL); err != nil {
			return Error.Wrap(err)
		}
		if err := chore.db.SetRequestSubmitted(ctx, p.request.ID, host, transferID); err != nil {
			return Error.Wrap(err)
		}
	}
	mon.IntVal("requests_submitted").Observe(int64(len(batch)))
	return nil
}

func (chore *Chore) submitWithRetry(ctx context.Context, host string, job transfertool.Job) (transferID string, err error) {
	client, err := chore.service.Tools().Dial(ctx, host)
	if err != nil {
		return "", Error.Wrap(err)
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), chore.config.SubmitRetries), ctx)
	err = backoff.Retry(func() error {
		transferID, err = client.Submit(ctx, job)
		return err
	}, strategy)
	return transferID, err
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
