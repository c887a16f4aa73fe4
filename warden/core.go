// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package warden

import (
	"context"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drovelabs/drove/private/lifecycle"
	"github.com/drovelabs/drove/warden/accounting"
	"github.com/drovelabs/drove/warden/c3po"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/conveyor/finisher"
	"github.com/drovelabs/drove/warden/conveyor/poller"
	"github.com/drovelabs/drove/warden/conveyor/stager"
	"github.com/drovelabs/drove/warden/conveyor/submitter"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/naming"
	"github.com/drovelabs/drove/warden/rseexpr"
	"github.com/drovelabs/drove/warden/rules"
	"github.com/drovelabs/drove/warden/rules/cleaner"
	"github.com/drovelabs/drove/warden/rules/evaluator"
	"github.com/drovelabs/drove/warden/transmogrifier"
)

var mon = monkit.Package()

// Core is the warden peer: every service and chore of the control plane
// wired together over one catalog.
type Core struct {
	Log *zap.Logger
	DB  *catalog.DB

	Services lifecycle.Group

	Expressions *rseexpr.Evaluator
	Naming      *naming.Validator

	Heartbeat struct {
		Service *heartbeat.Service
		Cleanup *heartbeat.Cleanup
	}

	Rules struct {
		Engine    *rules.Engine
		Evaluator *evaluator.Chore
		Cleaner   *cleaner.Chore
	}

	Conveyor struct {
		Service   *conveyor.Service
		Submitter *submitter.Chore
		Poller    *poller.Chore
		Finisher  *finisher.Chore
		Stager    *stager.Chore
	}

	Transmogrifier struct {
		Chore *transmogrifier.Chore
	}

	C3PO struct {
		Advisor *c3po.Advisor
	}

	Accounting struct {
		Reducer *accounting.Reducer
	}
}

// New wires a Core. The transfer tool and the popularity feed come from the
// caller so that tests and dev runs can substitute in-memory ones.
func New(log *zap.Logger, db *catalog.DB, tools transfertool.Dialer, popularity c3po.PopularitySource, config Config) (*Core, error) {
	peer := &Core{
		Log:      log,
		DB:       db,
		Services: *lifecycle.NewGroup(log.Named("services")),
	}

	peer.Expressions = rseexpr.NewEvaluator(log.Named("rseexpr"), db, config.Expressions)
	peer.Naming = naming.NewValidator(log.Named("naming"), db, config.Naming)

	{ // heartbeats
		peer.Heartbeat.Service = heartbeat.NewService(log.Named("heartbeat"), db, config.Heartbeat, []string{
			evaluator.Executable,
			submitter.Executable,
			poller.Executable,
			finisher.Executable,
			stager.Executable,
			transmogrifier.Executable,
		})
		peer.Heartbeat.Cleanup = heartbeat.NewCleanup(log.Named("heartbeat:cleanup"), db, peer.Heartbeat.Service)
		peer.Services.Add(lifecycle.Item{
			Name:  "heartbeat",
			Run:   peer.Heartbeat.Service.Run,
			Close: peer.Heartbeat.Service.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "heartbeat:cleanup",
			Run:   peer.Heartbeat.Cleanup.Run,
			Close: peer.Heartbeat.Cleanup.Close,
		})
	}

	{ // rule engine
		peer.Rules.Engine = rules.NewEngine(log.Named("rules"), db, peer.Expressions)
		peer.Rules.Evaluator = evaluator.NewChore(log.Named("rules:evaluator"), db,
			peer.Rules.Engine, peer.Heartbeat.Service, config.Evaluator)
		peer.Rules.Cleaner = cleaner.NewChore(log.Named("rules:cleaner"), db,
			peer.Rules.Engine, config.Cleaner)
		peer.Services.Add(lifecycle.Item{
			Name:  "rules:evaluator",
			Run:   peer.Rules.Evaluator.Run,
			Close: peer.Rules.Evaluator.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "rules:cleaner",
			Run:   peer.Rules.Cleaner.Run,
			Close: peer.Rules.Cleaner.Close,
		})
	}

	{ // conveyor
		peer.Conveyor.Service = conveyor.NewService(log.Named("conveyor"), db, tools, config.Conveyor)
		peer.Conveyor.Submitter = submitter.NewChore(log.Named("conveyor:submitter"), db,
			peer.Conveyor.Service, peer.Heartbeat.Service, config.Submitter)
		peer.Conveyor.Poller = poller.NewChore(log.Named("conveyor:poller"), db,
			peer.Conveyor.Service, peer.Heartbeat.Service, config.Poller)
		peer.Conveyor.Finisher = finisher.NewChore(log.Named("conveyor:finisher"), db,
			peer.Conveyor.Service, peer.Rules.Engine, peer.Heartbeat.Service, config.Finisher)
		peer.Conveyor.Stager = stager.NewChore(log.Named("conveyor:stager"), db,
			peer.Conveyor.Service, peer.Rules.Engine, peer.Heartbeat.Service, config.Stager)
		peer.Services.Add(lifecycle.Item{
			Name:  "conveyor:submitter",
			Run:   peer.Conveyor.Submitter.Run,
			Close: peer.Conveyor.Submitter.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "conveyor:poller",
			Run:   peer.Conveyor.Poller.Run,
			Close: peer.Conveyor.Poller.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "conveyor:finisher",
			Run:   peer.Conveyor.Finisher.Run,
			Close: peer.Conveyor.Finisher.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "conveyor:stager",
			Run:   peer.Conveyor.Stager.Run,
			Close: peer.Conveyor.Stager.Close,
		})
	}

	{ // transmogrifier
		peer.Transmogrifier.Chore = transmogrifier.NewChore(log.Named("transmogrifier"), db,
			peer.Rules.Engine, peer.Heartbeat.Service, config.Transmogrifier)
		peer.Services.Add(lifecycle.Item{
			Name:  "transmogrifier",
			Run:   peer.Transmogrifier.Chore.Run,
			Close: peer.Transmogrifier.Chore.Close,
		})
	}

	{ // placement advisor
		peer.C3PO.Advisor = c3po.NewAdvisor(log.Named("c3po"), db, peer.Expressions,
			popularity, config.C3PO)
		peer.Services.Add(lifecycle.Item{
			Name:  "c3po",
			Run:   peer.C3PO.Advisor.Run,
			Close: peer.C3PO.Advisor.Close,
		})
	}

	{ // accounting
		peer.Accounting.Reducer = accounting.NewReducer(log.Named("accounting"), db, config.Accounting)
		peer.Services.Add(lifecycle.Item{
			Name:  "accounting",
			Run:   peer.Accounting.Reducer.Run,
			Close: peer.Accounting.Reducer.Close,
		})
	}

	return peer, nil
}

// Run starts every subsystem and blocks until the context is cancelled or a
// subsystem fails.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close shuts the subsystems down in reverse order.
func (peer *Core) Close() error {
	return peer.Services.Close()
}
