/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/folderindex/folderd/config"
	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/internal/flags"
	"github.com/folderindex/folderd/internal/logging"
	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/version"
)

func main() {
	flags := flags.NewFlags()
	app := &cli.App{
		Name:        "folderd",
		Usage:       "Local daemon indexing folders with curated embedding models",
		Version:     version.Version,
		Flags:       flags.F,
		HideVersion: true,
		Action: func(_ *cli.Context) error {
			if flags.Args.PrintVersion {
				fmt.Println("Version:    ", version.Version)
				fmt.Println("Revision:   ", version.Revision)
				fmt.Println("Go version: ", version.GoVersion)
				fmt.Println("Build time: ", version.BuildTimestamp)
				return nil
			}

			var daemonConfig config.DaemonConfig

			// An unspecified --config falls back to the file in the state
			// directory when one exists.
			configPath := flags.Args.ConfigPath
			if configPath == "" {
				if root, err := config.DefaultRootDir(); err == nil {
					candidate := filepath.Join(root, constant.ConfigFileName)
					if _, err := os.Stat(candidate); err == nil {
						configPath = candidate
					}
				}
			}
			if configPath != "" {
				c, err := config.LoadDaemonConfig(configPath)
				if err != nil {
					return errors.Wrapf(err, "load configuration from %q", configPath)
				}
				daemonConfig = *c
			}

			// Command line parameters override the configuration file.
			if err := config.ParseParameters(flags.Args, &daemonConfig); err != nil {
				return errors.Wrap(err, "parse commandline options")
			}
			if err := daemonConfig.FillUpWithDefaults(); err != nil {
				return errors.Wrap(err, "fill up with default configurations")
			}
			if err := config.ValidateConfig(&daemonConfig); err != nil {
				return errors.Wrap(err, "validate configurations")
			}
			if err := config.SetUpEnvironment(&daemonConfig); err != nil {
				return errors.Wrap(err, "setup environment")
			}
			if err := config.ProcessConfigurations(&daemonConfig); err != nil {
				return errors.Wrap(err, "process configurations")
			}

			ctx := logging.WithContext()
			logConfig := &daemonConfig.LoggingConfig
			logRotateArgs := &logging.RotateLogArgs{
				RotateLogMaxSize:    logConfig.RotateLogMaxSize,
				RotateLogMaxBackups: logConfig.RotateLogMaxBackups,
				RotateLogMaxAge:     logConfig.RotateLogMaxAge,
				RotateLogLocalTime:  logConfig.RotateLogLocalTime,
				RotateLogCompress:   logConfig.RotateLogCompress,
			}
			if err := logging.SetUp(logConfig.LogLevel, logConfig.LogToStdout, logConfig.LogDir, logRotateArgs); err != nil {
				return errors.Wrap(err, "setup logger")
			}

			log.L.Infof("Start folderd. Version: %s, PID: %d, HTTP port: %d, WS port: %d",
				version.Version, os.Getpid(), config.GetHTTPPort(), config.GetWSPort())

			return Start(ctx, &daemonConfig, configPath, flags.Args.Restart)
		},
	}
	if err := app.Run(os.Args); err != nil {
		if errdefs.IsAlreadyRunning(err) {
			log.L.WithError(err).Error("another folderd instance is running, pass --restart to replace it")
			os.Exit(1)
		}
		if errdefs.IsConnectionClosed(err) {
			log.L.Info("folderd exited")
		} else {
			log.L.WithError(err).Fatal("failed to start folderd")
		}
	}
}
