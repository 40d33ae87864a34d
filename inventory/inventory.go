// Copyright 2016 Mender Software AS
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

// Package inventory collects device inventory attributes by running every
// executable mender-inventory-* helper script found in a directory and
// merging their key=value output. Collector.Collect is meant to be used
// as app.Context.InventoryAttributes; the submit/dedup/push side of
// inventory (spec §4.G) lives in app.submitInventoryState and
// client.InventoryClient instead, since app.Daemon already drives the
// poll ticker.
package inventory

import (
	"io/ioutil"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/app"
	"github.com/mendersoftware/mender-lifecycle/system"
	"github.com/mendersoftware/mender-lifecycle/utils"
)

const inventoryToolPrefix = "mender-inventory-"

// Collector runs every executable mender-inventory-* script in a
// directory and merges their key=value output into inventory attributes.
type Collector struct {
	dir  string
	cmdr system.Commander
}

// NewCollector builds a Collector that looks for helper scripts in
// scriptsDir.
func NewCollector(scriptsDir string) *Collector {
	return &Collector{dir: scriptsDir, cmdr: &system.OsCalls{}}
}

func listRunnable(dpath string) ([]string, error) {
	finfos, err := ioutil.ReadDir(dpath)
	if err != nil {
		return nil, errors.Wrap(err, "inventory: failed to list scripts directory")
	}

	runnable := []string{}
	for _, finfo := range finfos {
		if !strings.HasPrefix(finfo.Name(), inventoryToolPrefix) {
			continue
		}

		runBits := os.FileMode(syscall.S_IXUSR | syscall.S_IXGRP | syscall.S_IXOTH)
		if finfo.Mode()&runBits == 0 {
			continue
		}

		runnable = append(runnable, path.Join(dpath, finfo.Name()))
	}

	return runnable, nil
}

// Collect runs every inventory helper script and merges their output,
// matching app.Context.InventoryAttributes's signature.
func (c *Collector) Collect() ([]app.InventoryAttribute, error) {
	tools, err := listRunnable(c.dir)
	if err != nil {
		return nil, errors.Wrap(err, "inventory: failed to list inventory tools")
	}

	dec := newDataDecoder()
	for _, t := range tools {
		cmd := c.cmdr.Command(t)
		out, err := cmd.StdoutPipe()
		if err != nil {
			log.Errorf("inventory: failed to open stdout for %s: %s", t, err)
			continue
		}

		if err := cmd.Start(); err != nil {
			log.Errorf("inventory: tool %s failed to start: %s", t, err)
			continue
		}

		p := utils.KeyValParser{}
		if err := p.Parse(out); err != nil {
			log.Warnf("inventory: tool %s returned unparsable output: %s", t, err)
			continue
		}

		if err := cmd.Wait(); err != nil {
			log.Warnf("inventory: tool %s exited with error: %s", t, err)
		}

		dec.appendFromRaw(p.Collect())
	}
	return dec.attributes(), nil
}

// dataDecoder merges repeated keys across tool invocations into a single
// attribute (multi-valued when more than one tool reports the same key),
// the same merge rule device.IdentityData.AppendFromRaw applies to a
// single script's output.
type dataDecoder struct {
	data map[string]app.InventoryAttribute
}

func newDataDecoder() *dataDecoder {
	return &dataDecoder{data: make(map[string]app.InventoryAttribute)}
}

func (d *dataDecoder) appendFromRaw(raw map[string][]string) {
	for k, v := range raw {
		if existing, ok := d.data[k]; ok {
			var merged []string
			switch val := existing.Value.(type) {
			case string:
				merged = []string{val}
			case []string:
				merged = val
			}
			merged = append(merged, v...)
			d.data[k] = app.InventoryAttribute{Name: k, Value: merged}
			continue
		}
		if len(v) == 1 {
			d.data[k] = app.InventoryAttribute{Name: k, Value: v[0]}
		} else {
			d.data[k] = app.InventoryAttribute{Name: k, Value: v}
		}
	}
}

func (d *dataDecoder) attributes() []app.InventoryAttribute {
	if len(d.data) == 0 {
		return nil
	}
	attrs := make([]app.InventoryAttribute, 0, len(d.data))
	for _, v := range d.data {
		attrs = append(attrs, v)
	}
	return attrs
}
