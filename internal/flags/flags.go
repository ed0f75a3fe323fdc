/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/folderindex/folderd/internal/constant"
)

type Args struct {
	ConfigPath       string
	Host             string
	Port             int
	Restart          bool
	LogLevel         string
	LogToStdout      bool
	LogToStdoutCount int
	PrintVersion     bool
}

type Flags struct {
	Args *Args
	F    []cli.Flag
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Usage:       "port of the companion HTTP channel, the WebSocket fan-out binds port+1",
			Destination: &args.Port,
			DefaultText: fmt.Sprintf("%d", constant.DefaultHTTPPort),
		},
		&cli.StringFlag{
			Name:        "host",
			Usage:       "interface to bind, loopback addresses only",
			Destination: &args.Host,
			DefaultText: constant.DefaultHost,
		},
		&cli.BoolFlag{
			Name:        "restart",
			Aliases:     []string{"r"},
			Usage:       "stop a running daemon instance before starting this one",
			Destination: &args.Restart,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to folderd configuration (such as: config.toml)",
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "logging level, possible values: \"trace\", \"debug\", \"info\", \"warn\", \"error\"",
			Destination: &args.LogLevel,
			DefaultText: constant.DefaultLogLevel,
		},
		&cli.BoolFlag{
			Name:        "log-to-stdout",
			Usage:       "print log messages to standard output",
			Destination: &args.LogToStdout,
			Count:       &args.LogToStdoutCount,
		},
		&cli.BoolFlag{
			Name:        "version",
			Usage:       "print version and build information",
			Destination: &args.PrintVersion,
		},
	}
}

func NewFlags() *Flags {
	var args Args
	return &Flags{
		Args: &args,
		F:    buildFlags(&args),
	}
}
