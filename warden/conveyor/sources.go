// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package conveyor

import (
	"context"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
)

// Source is one replica able to serve a transfer.
type Source struct {
	RSE catalog.RSE
	URL string
}

// ResolveSources returns the readable replicas of a file as physical file
// names, excluding the destination. ErrNoSources when nothing can serve.
func (service *Service) ResolveSources(ctx context.Context, did catalog.DID, destRSEID uuid.UUID) (_ []Source, err error) {
	defer mon.Task()(&ctx)(&err)

	replicas, err := service.db.ListReplicas(ctx, did)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var sources []Source
	for _, replica := range replicas {
		if replica.RSEID == destRSEID {
			continue
		}
		if replica.State != catalog.ReplicaAvailable && replica.State != catalog.ReplicaSource {
			continue
		}
		rse, err := service.db.GetRSE(ctx, replica.RSEID)
		if err != nil {
			return nil, err
		}
		if !rse.CanRead() {
			continue
		}
		url, ok, err := service.replicaURL(ctx, rse, replica, OpRead)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sources = append(sources, Source{RSE: rse, URL: url})
	}
	if len(sources) == 0 {
		return nil, ErrNoSources.New("file %s has no readable replica", did)
	}
	return sources, nil
}

// DestinationURL builds the write physical file name of a file on a
// destination element.
func (service *Service) DestinationURL(ctx context.Context, rse catalog.RSE, did catalog.DID) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	protocols, err := service.db.ListProtocols(ctx, rse.ID)
	if err != nil {
		return "", Error.Wrap(err)
	}
	protocol, ok := SelectProtocol(protocols, OpWrite)
	if !ok {
		return "", Error.New("rse %q has no write protocol", rse.Name)
	}
	return PFN(protocol, DeterministicPath(did)), nil
}

// MatchSourceRSE resolves which element actually served the bytes by
// matching the reported source url against the replica physical file names.
func (service *Service) MatchSourceRSE(ctx context.Context, did catalog.DID, srcURL string) (_ *uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if srcURL == "" {
		return nil, nil
	}
	replicas, err := service.db.ListReplicas(ctx, did)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, replica := range replicas {
		rse, err := service.db.GetRSE(ctx, replica.RSEID)
		if err != nil {
			return nil, err
		}
		url, ok, err := service.replicaURL(ctx, rse, replica, OpRead)
		if err != nil {
			return nil, err
		}
		if ok && url == srcURL {
			id := replica.RSEID
			return &id, nil
		}
	}
	return nil, nil
}

func (service *Service) replicaURL(ctx context.Context, rse catalog.RSE, replica catalog.Replica, op Operation) (string, bool, error) {
	protocols, err := service.db.ListProtocols(ctx, rse.ID)
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	protocol, ok := SelectProtocol(protocols, op)
	if !ok {
		return "", false, nil
	}
	relative := DeterministicPath(replica.DID)
	if !rse.Deterministic {
		if replica.Path == nil {
			return "", false, nil
		}
		relative = *replica.Path
	}
	return PFN(protocol, relative), true, nil
}
