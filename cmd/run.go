// Package cmd implements the leased sub-commands.
package cmd

import (
	"context"
	"fmt"

	"grimm.is/leased/internal/brand"
	"grimm.is/leased/internal/config"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/manager"
	"grimm.is/leased/internal/privsep"
)

// RunDaemon loads configFile and serves until a shutdown signal. It returns
// the process exit code.
func RunDaemon(configFile, logLevel string) (int, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return 1, err
	}
	return runManager(cfg, logLevel, false)
}

// RunProbe checks once whether addr is free on iface. Exit code 0 means free,
// 2 means in use.
func RunProbe(iface, addr, configFile, logLevel string) (int, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return 1, err
		}
	}
	cfg.Interfaces = []config.Interface{{Name: iface, Address: addr}}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}
	return runManager(cfg, logLevel, true)
}

func runManager(cfg *config.Config, logLevel string, probe bool) (int, error) {
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if err := logging.Setup(brand.Name, logLevel, cfg.LogJSON); err != nil {
		return 1, err
	}

	flags := childFlags{
		User:            cfg.Privsep.User,
		Chroot:          cfg.Privsep.Chroot,
		Sandbox:         cfg.Privsep.Sandbox,
		LogLevel:        logLevel,
		LogJSON:         cfg.LogJSON,
		ShutdownTimeout: cfg.Privsep.ShutdownTimeout,
	}
	spawner, err := privsep.NewExecSpawner(flags.common()...)
	if err != nil {
		return 1, err
	}

	confine := func() error {
		name, err := privsep.Confine(cfg.Privsep.User, cfg.Privsep.Chroot, cfg.Privsep.Sandbox, logging.WithComponent("manager"))
		if err == nil {
			logging.Info("Manager confined", "user", cfg.Privsep.User, "sandbox", name)
		}
		return err
	}
	m, err := manager.New(manager.Options{Config: cfg, Spawner: spawner, Probe: probe, Confine: confine})
	if err != nil {
		return 1, fmt.Errorf("manager: %w", err)
	}

	ctx, stop := privsep.RoleManager.Policy().Apply(context.Background())
	defer stop()
	logging.Info("Starting", "version", brand.Version, "commit", brand.GitCommit)
	return m.Run(ctx), nil
}
