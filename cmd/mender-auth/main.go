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

// Command mender-auth owns the device's RSA identity and authorization
// token, exporting it to mender-update over D-Bus (ipc.Server) the way
// upstream Mender splits authentication into its own privilege domain,
// separate from the process that downloads and installs Artifacts.
package main

import (
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mendersoftware/mender-lifecycle/authmanager"
	"github.com/mendersoftware/mender-lifecycle/conf"
	"github.com/mendersoftware/mender-lifecycle/ipc"
)

const defaultTokenRefreshInterval = 30 * time.Minute

type runOptions struct {
	config         string
	fallbackConfig string
	keyFile        string
	logLevel       string
	forceBootstrap bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &runOptions{
		config:         conf.DefaultConfFile,
		fallbackConfig: conf.DefaultFallbackConfFile,
	}

	app := &cli.App{
		Name:  "mender-auth",
		Usage: "manage the device's identity and authorization token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Configuration `FILE` path.",
				Value: opts.config, Destination: &opts.config},
			&cli.StringFlag{Name: "fallback-config", Usage: "Fallback configuration `FILE` path.",
				Value: opts.fallbackConfig, Destination: &opts.fallbackConfig},
			&cli.StringFlag{Name: "key-file", Usage: "Device private key `FILE` path.",
				Destination: &opts.keyFile},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"},
				Usage: "Log `LEVEL`: panic, fatal, error, warn, info, debug, trace.",
				Destination: &opts.logLevel},
		},
		Before: func(ctx *cli.Context) error {
			if opts.logLevel == "" {
				return nil
			}
			lvl, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return errors.Wrapf(err, "mender-auth: invalid log level %q", opts.logLevel)
			}
			log.SetLevel(lvl)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "Start the mender-auth daemon, exporting the auth token over D-Bus.",
				Action: func(ctx *cli.Context) error {
					return runDaemon(opts)
				},
			},
			{
				Name:  "bootstrap",
				Usage: "Generate (if missing) and persist the device identity key, then exit.",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Generate a new key even if one already exists.",
						Destination: &opts.forceBootstrap},
				},
				Action: func(ctx *cli.Context) error {
					return runBootstrap(opts)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorln(err.Error())
		return 1
	}
	return 0
}

func keyFilePath(opts *runOptions) string {
	if opts.keyFile != "" {
		return opts.keyFile
	}
	return path.Join(conf.DefaultDataStore, conf.DefaultKeyFile)
}

func buildAuthManager(opts *runOptions) (*authmanager.AuthManager, *conf.MenderConfig, error) {
	config, err := conf.LoadConfig(opts.config, opts.fallbackConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mender-auth: failed to load configuration")
	}

	mgr, err := authmanager.NewAuthManager(authmanager.Config{
		KeyFile:     keyFilePath(opts),
		Servers:     config.Servers,
		TenantToken: string(config.GetTenantToken()),
		HTTPConfig:  config.GetHttpConfig(),
	}, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mender-auth: failed to build auth manager")
	}
	return mgr, config, nil
}

func runBootstrap(opts *runOptions) error {
	mgr, _, err := buildAuthManager(opts)
	if err != nil {
		return err
	}
	if opts.forceBootstrap {
		return mgr.GenerateKey()
	}
	return mgr.Bootstrap()
}

// runDaemon exports the auth manager over D-Bus and keeps the cached token
// warm by periodically re-authenticating, so a GetJWTToken call from
// mender-update never blocks on a slow auth round-trip.
func runDaemon(opts *runOptions) error {
	mgr, config, err := buildAuthManager(opts)
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return errors.Wrap(err, "mender-auth: failed to bootstrap device identity")
	}

	server, err := ipc.NewServer(mgr)
	if err != nil {
		return errors.Wrap(err, "mender-auth: failed to export D-Bus interface")
	}
	defer server.Close()

	if err := mgr.FetchToken(); err != nil {
		log.Warnf("mender-auth: initial authorization failed: %s", err)
	}

	refresh := defaultTokenRefreshInterval
	if config.RetryPollIntervalSeconds > 0 {
		refresh = time.Duration(config.RetryPollIntervalSeconds) * time.Second
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := mgr.FetchToken(); err != nil {
				log.Warnf("mender-auth: periodic re-authorization failed: %s", err)
			}
		case sig := <-term:
			log.Infof("mender-auth: terminated with %s", sig)
			return nil
		}
	}
}
