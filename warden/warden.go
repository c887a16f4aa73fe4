// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package warden assembles the replication control plane: the catalog, the
// rule engine and the daemons driving data placement and movement.
package warden

import (
	"github.com/drovelabs/drove/warden/accounting"
	"github.com/drovelabs/drove/warden/c3po"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/conveyor/finisher"
	"github.com/drovelabs/drove/warden/conveyor/poller"
	"github.com/drovelabs/drove/warden/conveyor/stager"
	"github.com/drovelabs/drove/warden/conveyor/submitter"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/naming"
	"github.com/drovelabs/drove/warden/rseexpr"
	"github.com/drovelabs/drove/warden/rules/cleaner"
	"github.com/drovelabs/drove/warden/rules/evaluator"
	"github.com/drovelabs/drove/warden/transmogrifier"
)

// Config is the aggregated configuration of a warden peer.
type Config struct {
	Catalog     catalog.Config
	Expressions rseexpr.Config
	Naming      naming.Config
	Heartbeat   heartbeat.Config

	Evaluator evaluator.Config
	Cleaner   cleaner.Config

	Conveyor  conveyor.Config
	Submitter submitter.Config
	Poller    poller.Config
	Finisher  finisher.Config
	Stager    stager.Config

	Transmogrifier transmogrifier.Config
	C3PO           c3po.Config
	Accounting     accounting.Config
}
