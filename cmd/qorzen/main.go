// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Command qorzen boots the platform: it loads configuration, brings every
// manager up through the kernel in dependency order, runs until signalled,
// and shuts down in reverse order.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/qorzen/qorzen-core/version"
)

func main() {
	root := &cobra.Command{
		Use:   "qorzen",
		Short: "Qorzen modular application platform",
	}
	root.AddCommand(runCommand())
	root.AddCommand(versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	params := newRunParams()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the platform and host plugins until interrupted",
		RunE: func(*cobra.Command, []string) error {
			rt, err := newRuntime(params)
			if err != nil {
				return err
			}
			return rt.Serve()
		},
	}
	addRunFlags(cmd.Flags(), params)
	return cmd
}

func addRunFlags(fs *pflag.FlagSet, p *runParams) {
	fs.StringVarP(&p.configFile, "config-file", "c", "", "path to the platform configuration file (YAML or JSON)")
	fs.StringSliceVar(&p.profiles, "profile", nil, "configuration profile overlays applied over the base file, in order")
	fs.StringVar(&p.pluginsDir, "plugins-dir", "plugins", "directory scanned for plugin installs")
	fs.StringVar(&p.logLevel, "log-level", "info", "log threshold: debug, info, warning, error")
	fs.StringVar(&p.logFile, "log-file", "", "log file path; empty logs to stderr only")
	fs.BoolVar(&p.headless, "headless", true, "run without a UI main-thread pump")
	fs.BoolVar(&p.skipVerification, "skip-verification", false, "accept plugin packages without a verifiable signature")
	fs.BoolVar(&p.watchConfig, "watch", false, "reload the configuration file on change")
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the platform version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Version)
		},
	}
}
