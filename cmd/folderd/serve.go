/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/config"
	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/internal/signals"
	"github.com/folderindex/folderd/pkg/daemon"
	"github.com/folderindex/folderd/version"
)

// Start runs the daemon until SIGINT/SIGTERM, then tears it down within
// the shutdown grace window.
func Start(ctx context.Context, cfg *config.DaemonConfig, configPath string, restart bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Folder add/remove persist into the configuration file, created in
	// the state directory when none was passed.
	if configPath == "" {
		configPath = filepath.Join(cfg.Root, constant.ConfigFileName)
	}
	cfgStore := config.NewFileStore(cfg, configPath)

	d, err := daemon.New(daemon.Opt{
		Version:     version.Version,
		ConfigStore: cfgStore,
		Restart:     restart,
	})
	if err != nil {
		return err
	}

	stopSignal := signals.SetupSignalHandler()

	if err := d.Start(ctx); err != nil {
		return errors.Wrap(err, "start daemon")
	}

	go logEvents(d.Events())

	<-stopSignal
	log.L.Info("Shutting down folderd!")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constant.DefaultShutdownTimeout)
	defer cancelShutdown()
	return d.Stop(shutdownCtx)
}

func logEvents(events <-chan daemon.Event) {
	for event := range events {
		switch event.Kind {
		case daemon.EventError:
			log.L.Errorf("daemon event %s: %s %s", event.Kind, event.Message, event.Path)
		case daemon.EventStatusChanged:
			log.L.Debugf("daemon event %s: %s", event.Kind, event.Message)
		default:
			log.L.Infof("daemon event %s: %s %s", event.Kind, event.Message, event.Path)
		}
	}
}
