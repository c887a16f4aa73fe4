// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package process wires cobra commands to configuration loading, logging and
// clean shutdown.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the process error class.
var Error = errs.Class("process")

var (
	contexts   = map[*cobra.Command]context.Context{}
	contextMtx sync.Mutex
)

// Ctx returns a cancellable context bound to the command, cancelled when the
// process receives an interrupt or termination signal.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	contextMtx.Lock()
	ctx, ok := contexts[cmd]
	contextMtx.Unlock()
	if !ok {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()

	return ctx, cancel
}

// Exec runs a cobra command with process-wide configuration: a YAML config
// file and environment variables overlaid onto unchanged flags, and a zap
// logger installed as the global logger.
func Exec(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	wrapRunners(cmd)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func wrapRunners(cmd *cobra.Command) {
	for _, sub := range cmd.Commands() {
		wrapRunners(sub)
	}

	if cmd.RunE == nil {
		return
	}

	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := applyConfig(cmd); err != nil {
			return err
		}

		logger, err := NewLogger()
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = logger.Sync() }()
		zap.ReplaceGlobals(logger)

		contextMtx.Lock()
		contexts[cmd] = context.Background()
		contextMtx.Unlock()

		return inner(cmd, args)
	}
}
