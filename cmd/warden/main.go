// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/drovelabs/drove/private/cfgstruct"
	"github.com/drovelabs/drove/private/process"
	"github.com/drovelabs/drove/warden"
	"github.com/drovelabs/drove/warden/c3po"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
)

var (
	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Warden replication control plane",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the warden peer",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create a config file and migrate the catalog",
		RunE:  cmdSetup,
	}

	runCfg   warden.Config
	setupCfg warden.Config

	confDir string
)

func init() {
	defaultConfDir := applicationDir("warden")
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", defaultConfDir, "main directory for warden configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg, cfgstruct.ConfDir(defaultConfDir))
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg, cfgstruct.ConfDir(defaultConfDir))
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log := zap.L()

	db, err := catalog.Open(ctx, log.Named("catalog"), runCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating catalog: %+v", err)
	}

	peer, err := warden.New(log, db, transfertool.NewMemory(), c3po.NewMemoryPopularity(), runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	if err := os.MkdirAll(confDir, 0700); err != nil {
		return err
	}

	db, err := catalog.Open(ctx, zap.L().Named("catalog"), setupCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating catalog: %+v", err)
	}

	return process.SaveConfig(cmd, filepath.Join(confDir, "config.yaml"), nil)
}

func applicationDir(app string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + app
	}
	return filepath.Join(home, "."+app)
}
