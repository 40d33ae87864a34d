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
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	progressbar "github.com/mendersoftware/progressbar"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/app"
	"github.com/mendersoftware/mender-lifecycle/client"
	"github.com/mendersoftware/mender-lifecycle/device"
	"github.com/mendersoftware/mender-lifecycle/ipc"
	"github.com/mendersoftware/mender-lifecycle/system"
)

const defaultPollInterval = 30 * time.Minute

// SignalHandlerChan carries SIGUSR1/SIGUSR2 to a running daemon command;
// registered by cmd/mender-update's init the same way the teacher's old
// cli.SignalHandlerChan is wired up from main, so a `kill -USR1` sent to the
// daemon's pid reaches here regardless of which goroutine is executing.
var SignalHandlerChan = make(chan os.Signal, 1)

// runDaemon builds a full app.Context (server-talking) and blocks running
// app.Daemon until Stop, SIGTERM, or an unrecoverable Machine error.
func runDaemon(runOpts *runOptionsType) error {
	config, err := runOpts.loadConfig()
	if err != nil {
		return errors.Wrap(err, "cli: failed to load configuration")
	}
	db, err := runOpts.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	authClient, err := ipc.NewClient()
	if err != nil {
		return errors.Wrap(err, "cli: failed to reach mender-auth over D-Bus")
	}
	defer authClient.Close()

	ctx, err := buildContext(config, db, authClient)
	if err != nil {
		return err
	}
	ctx.Rebooter = system.NewSystemRebootCmd(system.OsCalls{})

	probe := client.NewWSProbe(config.GetHttpConfig(), authClient)
	probeStop := make(chan struct{})
	go probe.Run(probeStop)
	defer close(probeStop)

	machine := app.NewMachine()
	daemon := app.NewDaemon(ctx, machine,
		pollInterval(config.UpdatePollIntervalSeconds, defaultPollInterval),
		pollInterval(config.InventoryPollIntervalSeconds, defaultPollInterval))
	daemon.ConfigPath = runOpts.config
	daemon.DeploymentNotify = probe.Notifications()

	go func() {
		for sig := range SignalHandlerChan {
			switch sig {
			case syscall.SIGUSR1:
				log.Info("cli: SIGUSR1 received, forcing deployment check")
				daemon.ForceDeploymentCheck()
			case syscall.SIGUSR2:
				log.Info("cli: SIGUSR2 received, forcing inventory submission")
				daemon.ForceInventorySubmit()
			}
		}
	}()

	return daemon.Run()
}

// standaloneContext builds a Context for commands that never talk to a
// server (install/commit/rollback): no AuthProvider, no deployment/
// inventory clients.
func standaloneContext(runOpts *runOptionsType) (*app.Context, func(), error) {
	config, err := runOpts.loadConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "cli: failed to load configuration")
	}
	db, err := runOpts.openDatabase()
	if err != nil {
		return nil, nil, err
	}
	ctx, err := buildContext(config, db, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return ctx, func() { db.Close() }, nil
}

// progressReader ticks a progressbar.Bar once per Read, the same effect the
// teacher's utils.ProgressBar.Tick has on a snapshot copy, but driving the
// ecosystem progressbar implementation instead for artifact install reads.
type progressReader struct {
	r   *os.File
	bar *progressbar.Bar
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.bar.Tick(int64(n))
	}
	return n, err
}

func runInstall(runOpts *runOptionsType, artifactPath string) error {
	ctx, closeCtx, err := standaloneContext(runOpts)
	if err != nil {
		return err
	}
	defer closeCtx()

	f, err := os.Open(artifactPath)
	if err != nil {
		return errors.Wrap(err, "cli: failed to open artifact file")
	}
	defer f.Close()

	size := int64(0)
	if fi, statErr := f.Stat(); statErr == nil {
		size = fi.Size()
	}
	bar := progressbar.New(size)
	reader := &progressReader{r: f, bar: bar}

	err = app.StandaloneInstall(ctx, reader)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Println("Installed successfully. Reboot the device and run " +
		"'mender-update commit' or 'mender-update rollback'.")
	return nil
}

func runCommit(runOpts *runOptionsType) error {
	ctx, closeCtx, err := standaloneContext(runOpts)
	if err != nil {
		return err
	}
	defer closeCtx()
	return app.StandaloneCommit(ctx)
}

func runRollback(runOpts *runOptionsType) error {
	ctx, closeCtx, err := standaloneContext(runOpts)
	if err != nil {
		return err
	}
	defer closeCtx()
	return app.StandaloneRollback(ctx)
}

// runShowArtifact prints the currently-installed artifact name, reading the
// same manifest format device.GetDeviceType reads device_type from.
func runShowArtifact(runOpts *runOptionsType) error {
	config, err := runOpts.loadConfig()
	if err != nil {
		return errors.Wrap(err, "cli: failed to load configuration")
	}
	name, err := device.GetManifestData("artifact_name", config.ArtifactInfoFile)
	if err != nil {
		return errors.Wrap(err, "cli: failed to read artifact name")
	}
	fmt.Println(name)
	return nil
}

// getMenderDaemonPID asks systemd for the running mender-updated unit's
// main PID, the same lookup the teacher's getMenderDaemonPID performed,
// grounded on shelling out to systemctl rather than scanning /proc.
func getMenderDaemonPID(cmd system.Commander) (string, error) {
	out, err := cmd.Command("systemctl", "show", "-p", "MainPID", "mender-updated").Output()
	if err != nil {
		return "", errors.Wrap(err, "cli: failed to call systemctl")
	}
	return parseMainPID(string(out))
}

// parseMainPID extracts the PID from systemctl show's "MainPID=<n>" output.
func parseMainPID(out string) (string, error) {
	str := strings.TrimSpace(out)
	fields := strings.SplitN(str, "=", 2)
	if len(fields) != 2 {
		return "", errors.Errorf("cli: unexpected systemctl output: %q", str)
	}
	pidStr := strings.TrimSpace(fields[1])
	if pidStr == "" || pidStr == "0" {
		return "", errors.New("cli: mender-updated does not seem to be running")
	}
	if _, err := strconv.Atoi(pidStr); err != nil {
		return "", errors.Wrapf(err, "cli: unexpected PID %q", pidStr)
	}
	return pidStr, nil
}

// signalDaemon sends sig to the running mender-updated process, the
// check-update/send-inventory commands' only way to reach a separate
// process's Daemon.ForceDeploymentCheck/ForceInventorySubmit.
func signalDaemon(sig syscall.Signal) error {
	pidStr, err := getMenderDaemonPID(system.OsCalls{})
	if err != nil {
		return err
	}
	pid, _ := strconv.Atoi(pidStr)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrapf(err, "cli: failed to find process %d", pid)
	}
	if err := proc.Signal(sig); err != nil {
		return errors.Wrapf(err, "cli: failed to signal process %d", pid)
	}
	return nil
}

func runCheckUpdate() error {
	return signalDaemon(syscall.SIGUSR1)
}

func runSendInventory() error {
	return signalDaemon(syscall.SIGUSR2)
}

// waitForTermSignal is used by cmd/mender-update to know when to stop
// waiting on the daemon goroutine and exit cleanly on SIGTERM.
func waitForTermSignal() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM)
	return c
}
