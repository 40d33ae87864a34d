// Copyright 2023 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mendersoftware/mender-lifecycle/conf"
)

const appDescription = "" +
	"mender-update integrates both the mender daemon and its command line\n" +
	"interface, which can be used to start, or interact with the daemon."

// SetupCLI parses args and dispatches to the matching subcommand; mirrors
// the teacher's SetupCLI entrypoint, rebuilt against urfave/cli/v2 and the
// current app/client/conf package split instead of installer/store.
func SetupCLI(args []string) error {
	runOpts := defaultRunOptions()

	app := &cli.App{
		Name:        "mender-update",
		Usage:       "manage and start the Mender update client.",
		Description: appDescription,
		Version:     "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Configuration `FILE` path.",
				Value:       conf.DefaultConfFile,
				Destination: &runOpts.config,
			},
			&cli.StringFlag{
				Name:        "fallback-config",
				Usage:       "Fallback configuration `FILE` path.",
				Value:       conf.DefaultFallbackConfFile,
				Destination: &runOpts.fallbackConfig,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "Data store `DIRECTORY` path.",
				Value:       conf.DefaultDataStore,
				Destination: &runOpts.dataStore,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Log `LEVEL`: panic, fatal, error, warn, info, debug, trace.",
				Destination: &runOpts.logLevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			return applyLogLevel(runOpts.logLevel)
		},
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "Start the mender-update daemon.",
				Action: func(ctx *cli.Context) error {
					return runDaemon(runOpts)
				},
			},
			{
				Name:      "install",
				Usage:     "Mender Artifact to install - local file only.",
				ArgsUsage: "ARTIFACT",
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() != 1 {
						return cli.Exit("install requires exactly one artifact file argument", 1)
					}
					return runInstall(runOpts, ctx.Args().First())
				},
			},
			{
				Name:  "commit",
				Usage: "Commit current Artifact. Exits with status 1 on any failure, including no update in progress.",
				Action: func(ctx *cli.Context) error {
					return runCommit(runOpts)
				},
			},
			{
				Name:  "rollback",
				Usage: "Rollback current Artifact. Exits with status 1 on any failure, including no update in progress.",
				Action: func(ctx *cli.Context) error {
					return runRollback(runOpts)
				},
			},
			{
				Name:  "show-artifact",
				Usage: "Print the current artifact name to the command line and exit.",
				Action: func(ctx *cli.Context) error {
					return runShowArtifact(runOpts)
				},
			},
			{
				Name:  "check-update",
				Usage: "Force an update check against the running mender-update daemon.",
				Action: func(ctx *cli.Context) error {
					return runCheckUpdate()
				},
			},
			{
				Name:  "send-inventory",
				Usage: "Force an inventory update against the running mender-update daemon.",
				Action: func(ctx *cli.Context) error {
					return runSendInventory()
				},
			},
			{
				Name:  "snapshot",
				Usage: "Create a snapshot of the currently running rootfs.",
				Subcommands: []*cli.Command{
					{
						Name:  "dump",
						Usage: "Dump rootfs to stdout, or to file given by --file.",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "file", Usage: "Output `FILE` instead of stdout."},
							&cli.StringFlag{Name: "compression", Aliases: []string{"C"},
								Usage: "Compression type name; the value is not used and the output is always uncompressed."},
						},
						Action: func(ctx *cli.Context) error {
							return runSnapshotDump(runOpts, ctx)
						},
					},
				},
			},
		},
	}

	return app.Run(args)
}

func applyLogLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := parseLogLevel(level)
	if err != nil {
		return fmt.Errorf("cli: invalid log level %q: %w", level, err)
	}
	setLogLevel(lvl)
	return nil
}
