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
package app

import (
	"os"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Daemon wires poll-interval timers (and a config-file watcher, carried
// over from the original daemon loop) into a Machine's trigger channels
// and runs it to the ground.
type Daemon struct {
	ctx     *Context
	machine *Machine

	DeploymentPollInterval time.Duration
	InventoryPollInterval  time.Duration

	// ConfigPath is watched for changes; a write/rename/remove restarts
	// the process in place via syscall.Exec, the same config-reload
	// strategy as the original mender-update daemon. Empty disables
	// watching.
	ConfigPath string

	// DeploymentNotify, if set, is an additional early-wake source for the
	// deployment poll ticker (e.g. client.WSProbe's notification channel);
	// it only ever shortens the wait until the next poll, never replaces
	// it, so its absence changes nothing about correctness.
	DeploymentNotify <-chan struct{}

	// deploymentTrigger/inventoryTrigger are the writable ends of
	// ctx.DeploymentTrigger/InventoryTrigger, kept so ForceDeploymentCheck/
	// ForceInventorySubmit can feed them from outside Run's own tickers
	// (e.g. a signal handler reacting to check-update/send-inventory).
	deploymentTrigger chan struct{}
	inventoryTrigger  chan struct{}
}

// NewDaemon builds a Daemon around an already-constructed Context and
// Machine (see NewMachine); ctx.DeploymentTrigger/InventoryTrigger are
// assigned by Run, which overwrites anything callers set beforehand.
func NewDaemon(ctx *Context, machine *Machine, deploymentPollInterval, inventoryPollInterval time.Duration) *Daemon {
	return &Daemon{
		ctx:                    ctx,
		machine:                machine,
		DeploymentPollInterval: deploymentPollInterval,
		InventoryPollInterval:  inventoryPollInterval,
		ConfigPath:             "/etc/mender/mender.conf",
	}
}

// Stop requests the daemon (and its Machine) to exit once it next reaches
// Idle; it does not interrupt a deployment in progress.
func (d *Daemon) Stop() {
	close(d.machine.Stop)
}

// Run starts the poll-interval tickers and the optional config watcher,
// resumes the machine from any persisted deployment, and blocks running it
// until Stop is called or a deployment runs into an unrecoverable
// programming error (see Machine.Run).
func (d *Daemon) Run() error {
	d.deploymentTrigger = make(chan struct{}, 1)
	d.inventoryTrigger = make(chan struct{}, 1)
	d.ctx.DeploymentTrigger = d.deploymentTrigger
	d.ctx.InventoryTrigger = d.inventoryTrigger

	stop := make(chan struct{})
	go d.ticker(d.DeploymentPollInterval, d.deploymentTrigger, stop)
	go d.ticker(d.InventoryPollInterval, d.inventoryTrigger, stop)

	if d.ConfigPath != "" {
		go d.watchConfig(stop)
	}

	if d.DeploymentNotify != nil {
		go d.relayNotify(d.DeploymentNotify, d.deploymentTrigger, stop)
	}

	start, info := d.machine.Resume(d.ctx.DB)
	err := d.machine.Run(d.ctx, start, info)
	close(stop)
	return err
}

// ForceDeploymentCheck requests an immediate deployment poll, the same
// early-wake effect as the poll ticker firing or a DeploymentNotify message
// arriving; a no-op before Run has set up its trigger channel. Used by the
// check-update CLI action via a signal handler in cmd/mender-update.
func (d *Daemon) ForceDeploymentCheck() {
	if d.deploymentTrigger == nil {
		return
	}
	select {
	case d.deploymentTrigger <- struct{}{}:
	default:
	}
}

// ForceInventorySubmit requests an immediate inventory submission, the
// send-inventory CLI action's counterpart to ForceDeploymentCheck.
func (d *Daemon) ForceInventorySubmit() {
	if d.inventoryTrigger == nil {
		return
	}
	select {
	case d.inventoryTrigger <- struct{}{}:
	default:
	}
}

// ticker feeds trigger once per interval; the channel is buffered with
// capacity 1 so a tick that arrives while the machine is mid-deployment is
// remembered (not lost) rather than blocking this goroutine.
func (d *Daemon) ticker(interval time.Duration, trigger chan<- struct{}, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case trigger <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

// relayNotify forwards early-wake notifications (e.g. from a server
// push/websocket channel) onto the same buffered trigger the poll ticker
// uses, so either source can wake a waiting PollForDeployment state.
func (d *Daemon) relayNotify(notify <-chan struct{}, trigger chan<- struct{}, stop <-chan struct{}) {
	for {
		select {
		case _, ok := <-notify:
			if !ok {
				return
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

// watchConfig restarts the process in place (syscall.Exec) when the config
// file is written, renamed, or removed, so a configuration change always
// takes effect on a fresh process image rather than requiring an external
// supervisor to notice and restart the daemon itself.
func (d *Daemon) watchConfig(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Infof("app: error setting up config file watcher: %s", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.ConfigPath); err != nil {
		log.Infof("app: error watching config file %q: %s", d.ConfigPath, err)
		return
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Infof("app: config file change detected (%s), restarting", event)
				if err := syscall.Exec(os.Args[0], os.Args, os.Environ()); err != nil {
					log.Errorf("app: failed to restart after config change: %s", err)
				}
				return
			}
		case <-watcher.Errors:
		case <-stop:
			return
		}
	}
}
