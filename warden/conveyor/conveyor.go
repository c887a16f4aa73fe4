// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package conveyor drives transfer requests through their state machine and
// emits the monitor messages of terminal transitions.
package conveyor

import (
	"context"
	"strings"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("conveyor")

	// ErrNoSources is returned when no readable replica can serve a
	// transfer.
	ErrNoSources = errs.Class("no sources")
)

// ToolID tags the monitor messages the conveyor emits.
const ToolID = "warden-conveyor"

// Config configures the conveyor core shared by its sub-daemons.
type Config struct {
	RetryLimit            int           `help:"how many attempts a request gets before giving up" default:"3"`
	SubmitStuckTimeout    time.Duration `help:"how long a request may sit in SUBMITTING before requeueing" default:"30m"`
	DefaultExternalHost   string        `help:"external transfer host used when the destination has no override" default:"mem://local"`
	ExternalHostAttribute string        `help:"rse attribute naming the destination's external transfer host" default:"fts"`
}

// Service is the conveyor core: the request state machine plus message
// emission. The sub-daemons drive it.
type Service struct {
	log    *zap.Logger
	db     *catalog.DB
	tools  transfertool.Dialer
	config Config
}

// NewService constructs a Service.
func NewService(log *zap.Logger, db *catalog.DB, tools transfertool.Dialer, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		tools:  tools,
		config: config,
	}
}

// Tools returns the external tool dialer.
func (service *Service) Tools() transfertool.Dialer { return service.tools }

// Config returns the shared conveyor configuration.
func (service *Service) Config() Config { return service.config }

// ExternalHost returns the external transfer host responsible for a
// destination element.
func (service *Service) ExternalHost(ctx context.Context, rse catalog.RSE) (string, error) {
	attributes, err := service.db.GetRSEAttributes(ctx, rse.ID)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if host, ok := attributes[service.config.ExternalHostAttribute]; ok && host != "" {
		return host, nil
	}
	return service.config.DefaultExternalHost, nil
}

// UpdateRequestState applies one polled file status to a request. An empty
// new state only refreshes the last-seen timestamp. Stale reports (external
// id mismatch, state already reached, terminal state) are ignored. Applied
// terminal transitions emit a monitor message and report true.
func (service *Service) UpdateRequestState(ctx context.Context, request catalog.Request, transferID string, status transfertool.FileStatus) (updated bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if status.NewState == 0 {
		return false, service.db.TouchRequestsByExternalID(ctx, transferID)
	}
	if request.ExternalID == nil || *request.ExternalID != transferID {
		mon.Event("stale_transfer_report")
		return false, nil
	}
	if request.State == status.NewState || request.State.IsTerminal() {
		return false, nil
	}

	var reason *string
	if status.Reason != "" {
		reason = &status.Reason
	}
	if err := service.db.SetRequestState(ctx, request.ID, status.NewState, reason); err != nil {
		return false, err
	}
	if status.SrcURL != "" || status.DstURL != "" {
		var srcURL, dstURL *string
		if status.SrcURL != "" {
			srcURL = &status.SrcURL
		}
		if status.DstURL != "" {
			dstURL = &status.DstURL
		}
		if err := service.db.SetRequestURLs(ctx, request.ID, request.SrcRSEID, srcURL, dstURL); err != nil {
			return false, err
		}
	}

	if event := eventTypeFor(status.NewState); event != "" {
		if err := service.emitTransferEvent(ctx, request, transferID, status, event); err != nil {
			return false, err
		}
	}
	return true, nil
}

func eventTypeFor(state catalog.RequestState) string {
	switch state {
	case catalog.RequestDone:
		return "transfer-done"
	case catalog.RequestFailed:
		return "transfer-failed"
	case catalog.RequestLost:
		return "transfer-lost"
	}
	return ""
}

// emitTransferEvent appends the monitor message of one terminal transition.
func (service *Service) emitTransferEvent(ctx context.Context, request catalog.Request, transferID string, status transfertool.FileStatus, eventType string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var srcRSE, dstRSE string
	if request.SrcRSEID != nil {
		if rse, err := service.db.GetRSE(ctx, *request.SrcRSEID); err == nil {
			srcRSE = rse.Name
		}
	}
	if rse, err := service.db.GetRSE(ctx, request.DestRSEID); err == nil {
		dstRSE = rse.Name
	}

	srcURL := status.SrcURL
	if srcURL == "" && request.SrcURL != nil {
		srcURL = *request.SrcURL
	}
	dstURL := status.DstURL
	if dstURL == "" && request.DestURL != nil {
		dstURL = *request.DestURL
	}

	var previous string
	if request.AttemptID != nil {
		previous = request.AttemptID.String()
	}
	var endpoint string
	if request.ExternalHost != nil {
		endpoint = *request.ExternalHost
	}

	payload := map[string]interface{}{
		"activity":            request.Activity,
		"request-id":          request.ID.String(),
		"duration":            status.Duration.Seconds(),
		"checksum-adler":      request.Adler32,
		"checksum-md5":        request.MD5,
		"file-size":           request.Bytes,
		"previous-request-id": previous,
		"protocol":            scheme(dstURL),
		"scope":               request.Scope,
		"name":                request.Name,
		"src-rse":             srcRSE,
		"src-url":             srcURL,
		"dst-rse":             dstRSE,
		"dst-url":             dstURL,
		"reason":              status.Reason,
		"transfer-endpoint":   endpoint,
		"transfer-id":         transferID,
		"transfer-link":       TransferLink(endpoint, transferID),
		"tool-id":             ToolID,
	}
	return service.db.AddMessage(ctx, eventType, payload)
}

// TransferLink builds the monitoring URL of an external transfer. FTS3
// serves its monitor on the submission host with port 8446 swapped for 8449.
func TransferLink(host, transferID string) string {
	if host == "" || transferID == "" {
		return ""
	}
	return strings.Replace(host, ":8446", ":8449", 1) + "/fts3/ftsmon/#/job/" + transferID
}

func scheme(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return ""
}
