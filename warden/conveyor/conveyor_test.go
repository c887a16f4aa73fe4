// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package conveyor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/conveyor/finisher"
	"github.com/drovelabs/drove/warden/conveyor/poller"
	"github.com/drovelabs/drove/warden/conveyor/submitter"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/rseexpr"
	"github.com/drovelabs/drove/warden/rules"
)

// env wires a full conveyor pipeline over one catalog with the in-memory
// transfer tool, driven tick by tick.
type env struct {
	db     *catalog.DB
	tool   *transfertool.Memory
	engine *rules.Engine

	submitter *submitter.Chore
	poller    *poller.Chore
	finisher  *finisher.Chore
}

func newEnv(ctx context.Context, t *testing.T, db *catalog.DB, config conveyor.Config) *env {
	log := zaptest.NewLogger(t)

	evaluator := rseexpr.NewEvaluator(log.Named("rseexpr"), db, rseexpr.Config{
		CacheExpiration: 0, CacheCapacity: 10,
	})
	engine := rules.NewEngine(log.Named("rules"), db, evaluator)
	tool := transfertool.NewMemory()
	service := conveyor.NewService(log.Named("conveyor"), db, tool, config)
	hb := heartbeat.NewService(log.Named("heartbeat"), db, heartbeat.Config{
		Interval: 30 * time.Second,
	}, nil)

	e := &env{
		db:     db,
		tool:   tool,
		engine: engine,
		submitter: submitter.NewChore(log.Named("submitter"), db, service, hb, submitter.Config{
			Interval: time.Minute, ChunkSize: 100, SubmitRetries: 1,
		}),
		poller: poller.NewChore(log.Named("poller"), db, service, hb, poller.Config{
			Interval: time.Minute, ChunkSize: 100, BulkSize: 10,
		}),
		finisher: finisher.NewChore(log.Named("finisher"), db, service, engine, hb, finisher.Config{
			Interval: time.Minute, ChunkSize: 100, RSECacheExpiration: time.Minute,
		}),
	}
	require.NoError(t, db.AddScope(ctx, "cms", "ops"))
	return e
}

func defaultConfig() conveyor.Config {
	return conveyor.Config{
		RetryLimit:            1,
		SubmitStuckTimeout:    30 * time.Minute,
		DefaultExternalHost:   "mem://local",
		ExternalHostAttribute: "fts",
	}
}

func (e *env) addRSE(ctx context.Context, t *testing.T, name string, attributes map[string]string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err = tx.AddRSE(ctx, catalog.AddRSE{
			Name: name, Deterministic: true, Availability: catalog.AvailabilityAll,
		})
		if err != nil {
			return err
		}
		if err := tx.AddProtocol(ctx, catalog.Protocol{
			RSEID: id, Scheme: "root", Hostname: name + ".example", Port: 1094,
			Prefix: "/data", ReadPriority: 1, WritePriority: 1, DeletePriority: 1,
		}); err != nil {
			return err
		}
		for key, value := range attributes {
			if err := tx.AddRSEAttribute(ctx, id, key, value); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, e.db.SetRSEUsage(ctx, id, 100, 900))
	return id
}

func (e *env) addFileWithSource(ctx context.Context, t *testing.T, name string, bytes int64, srcRSE uuid.UUID) catalog.DID {
	t.Helper()
	did := catalog.DID{Scope: "cms", Name: name}
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		if err := tx.AddDID(ctx, catalog.AddDID{
			DID: did, Type: catalog.DIDFile, Account: "ops",
			Bytes: bytes, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
		}); err != nil {
			return err
		}
		return tx.AddReplicas(ctx, srcRSE, "ops", []catalog.AddReplica{{
			DID: did, State: catalog.ReplicaAvailable, Bytes: bytes,
		}})
	}))
	return did
}

func (e *env) addRuleTo(ctx context.Context, t *testing.T, did catalog.DID, expression string) uuid.UUID {
	t.Helper()
	ids, err := e.engine.AddRule(ctx, []catalog.DID{did}, rules.Spec{
		Account: "analysis", Copies: 1, RSEExpression: expression,
		Grouping: catalog.GroupingNone,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func (e *env) requestsIn(ctx context.Context, t *testing.T, state catalog.RequestState) []catalog.Request {
	t.Helper()
	requests, err := e.db.GetNextRequests(ctx, catalog.GetNextRequests{
		Types: []catalog.RequestType{catalog.RequestTransfer},
		State: state,
	})
	require.NoError(t, err)
	return requests
}

func (e *env) messageTypes(ctx context.Context, t *testing.T) []string {
	t.Helper()
	messages, err := e.db.ListMessages(ctx, 0)
	require.NoError(t, err)
	var types []string
	for _, message := range messages {
		types = append(types, message.EventType)
	}
	return types
}

func TestPipelineDone(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())
		src := e.addRSE(ctx, t, "SITE-S", nil)
		dst := e.addRSE(ctx, t, "SITE-D", map[string]string{"type": "DATADISK"})

		file := e.addFileWithSource(ctx, t, "file-a", 100, src)
		ruleID := e.addRuleTo(ctx, t, file, "type=DATADISK")
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestQueued), 1)

		require.NoError(t, e.submitter.RunOnce(ctx))
		require.Equal(t, []string{"mem-1"}, e.tool.TransferIDs())

		submitted := e.requestsIn(ctx, t, catalog.RequestSubmitted)
		require.Len(t, submitted, 1)
		require.NotNil(t, submitted[0].SrcURL)
		require.Equal(t, "root://SITE-S.example:1094/data/cms/a4/70/file-a", *submitted[0].SrcURL)
		require.NotNil(t, submitted[0].DestURL)
		require.Equal(t, "root://SITE-D.example:1094/data/cms/a4/70/file-a", *submitted[0].DestURL)

		job, ok := e.tool.Job("mem-1")
		require.True(t, ok)
		require.Len(t, job.Files, 1)
		require.Equal(t, submitted[0].ID, job.Files[0].RequestID)

		// polling before anything finished only refreshes the requests
		require.NoError(t, e.poller.RunOnce(ctx))
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestSubmitted), 1)

		e.tool.FinishAll(catalog.RequestDone, "")
		require.NoError(t, e.poller.RunOnce(ctx))
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestDone), 1)
		require.Equal(t, []string{"transfer-done"}, e.messageTypes(ctx, t))

		require.NoError(t, e.finisher.RunOnce(ctx))

		replica, err := db.GetReplica(ctx, dst, file)
		require.NoError(t, err)
		require.Equal(t, catalog.ReplicaAvailable, replica.State)

		rule, err := db.GetRule(ctx, ruleID)
		require.NoError(t, err)
		require.Equal(t, catalog.RuleOK, rule.State)
		require.Equal(t, 1, rule.LocksOKCnt)

		// the finished request moved to history
		require.Empty(t, e.requestsIn(ctx, t, catalog.RequestDone))
		_, err = db.GetRequest(ctx, submitted[0].ID)
		require.True(t, catalog.ErrRequestNotFound.Has(err))
	})
}

func TestPipelineFailureRetriesThenSticks(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())
		src := e.addRSE(ctx, t, "SITE-S", nil)
		dst := e.addRSE(ctx, t, "SITE-D", map[string]string{"type": "DATADISK"})

		file := e.addFileWithSource(ctx, t, "file-a", 100, src)
		ruleID := e.addRuleTo(ctx, t, file, "type=DATADISK")

		// first attempt fails and gets requeued
		require.NoError(t, e.submitter.RunOnce(ctx))
		e.tool.FinishAll(catalog.RequestFailed, "checksum mismatch")
		require.NoError(t, e.poller.RunOnce(ctx))
		require.NoError(t, e.finisher.RunOnce(ctx))

		requeued := e.requestsIn(ctx, t, catalog.RequestQueued)
		require.Len(t, requeued, 1)
		require.Equal(t, 1, requeued[0].RetryCount)
		require.NotNil(t, requeued[0].AttemptID)

		// the second failure exhausts the attempts
		require.NoError(t, e.submitter.RunOnce(ctx))
		e.tool.FinishAll(catalog.RequestFailed, "checksum mismatch")
		require.NoError(t, e.poller.RunOnce(ctx))
		require.NoError(t, e.finisher.RunOnce(ctx))

		require.Empty(t, e.requestsIn(ctx, t, catalog.RequestQueued))
		require.Empty(t, e.requestsIn(ctx, t, catalog.RequestFailed))

		rule, err := db.GetRule(ctx, ruleID)
		require.NoError(t, err)
		require.Equal(t, catalog.RuleStuck, rule.State)
		require.Equal(t, 1, rule.LocksStuckCnt)

		replica, err := db.GetReplica(ctx, dst, file)
		require.NoError(t, err)
		require.Equal(t, catalog.ReplicaUnavailable, replica.State)

		require.Equal(t, []string{"transfer-failed", "transfer-failed"}, e.messageTypes(ctx, t))
	})
}

func TestPipelineNoSources(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		config := defaultConfig()
		config.RetryLimit = 0
		e := newEnv(ctx, t, db, config)
		e.addRSE(ctx, t, "SITE-D", map[string]string{"type": "DATADISK"})

		// the file exists only as the rule's own copying replica
		file := catalog.DID{Scope: "cms", Name: "file-a"}
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddDID(ctx, catalog.AddDID{
				DID: file, Type: catalog.DIDFile, Account: "ops",
				Bytes: 100, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
			})
		}))
		ruleID := e.addRuleTo(ctx, t, file, "type=DATADISK")

		require.NoError(t, e.submitter.RunOnce(ctx))
		require.Empty(t, e.tool.TransferIDs())
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestNoSources), 1)

		require.NoError(t, e.finisher.RunOnce(ctx))

		rule, err := db.GetRule(ctx, ruleID)
		require.NoError(t, err)
		require.Equal(t, catalog.RuleStuck, rule.State)
	})
}

func TestPipelineLostTransfer(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		config := defaultConfig()
		config.RetryLimit = 0
		e := newEnv(ctx, t, db, config)
		src := e.addRSE(ctx, t, "SITE-S", nil)
		e.addRSE(ctx, t, "SITE-D", map[string]string{"type": "DATADISK"})

		file := e.addFileWithSource(ctx, t, "file-a", 100, src)
		ruleID := e.addRuleTo(ctx, t, file, "type=DATADISK")

		require.NoError(t, e.submitter.RunOnce(ctx))
		e.tool.Lose("mem-1")
		require.NoError(t, e.poller.RunOnce(ctx))

		lost := e.requestsIn(ctx, t, catalog.RequestLost)
		require.Len(t, lost, 1)
		require.NotNil(t, lost[0].Reason)
		require.Equal(t, []string{"transfer-lost"}, e.messageTypes(ctx, t))

		require.NoError(t, e.finisher.RunOnce(ctx))
		rule, err := db.GetRule(ctx, ruleID)
		require.NoError(t, err)
		require.Equal(t, catalog.RuleStuck, rule.State)
	})
}

func TestPipelineSubmissionFailure(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())
		src := e.addRSE(ctx, t, "SITE-S", nil)
		e.addRSE(ctx, t, "SITE-D", map[string]string{"type": "DATADISK"})

		file := e.addFileWithSource(ctx, t, "file-a", 100, src)
		e.addRuleTo(ctx, t, file, "type=DATADISK")

		e.tool.SetSubmitError(transfertool.Error.New("endpoint down"))
		require.NoError(t, e.submitter.RunOnce(ctx))
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestSubmissionFailed), 1)

		// the finisher requeues and a healthy tool accepts the retry
		e.tool.SetSubmitError(nil)
		require.NoError(t, e.finisher.RunOnce(ctx))
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestQueued), 1)

		require.NoError(t, e.submitter.RunOnce(ctx))
		require.Len(t, e.requestsIn(ctx, t, catalog.RequestSubmitted), 1)
	})
}

func TestExternalHostOverride(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())
		src := e.addRSE(ctx, t, "SITE-S", nil)
		e.addRSE(ctx, t, "SITE-D", map[string]string{
			"type": "DATADISK", "fts": "https://fts.site-d.example:8446",
		})

		file := e.addFileWithSource(ctx, t, "file-a", 100, src)
		e.addRuleTo(ctx, t, file, "type=DATADISK")

		require.NoError(t, e.submitter.RunOnce(ctx))
		submitted := e.requestsIn(ctx, t, catalog.RequestSubmitted)
		require.Len(t, submitted, 1)
		require.NotNil(t, submitted[0].ExternalHost)
		require.Equal(t, "https://fts.site-d.example:8446", *submitted[0].ExternalHost)
	})
}
