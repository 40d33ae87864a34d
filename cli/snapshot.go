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
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/mender-lifecycle/system"
	"github.com/mendersoftware/mender-lifecycle/utils"
)

// runSnapshotDump freezes the rootfs, copies it to --file (or stdout), and
// thaws it again, the same fsfreeze/copy/thaw sequence the teacher's
// CopySnapshot always drove, rewired against urfave/cli/v2.
func runSnapshotDump(runOpts *runOptionsType, ctx *cli.Context) error {
	out := io.Writer(os.Stdout)
	outFile := ctx.String("file")
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return errors.Wrap(err, "cli: failed to create output file")
		}
		defer f.Close()
		out = f
	}

	return copySnapshot(runOpts, out, outFile)
}

func copySnapshot(runOpts *runOptionsType, out io.Writer, outName string) error {
	rootDev, err := system.GetFSDevFile("/")
	if err != nil {
		return err
	}
	dataDev, err := system.GetFSDevFile(runOpts.dataStore)
	if err != nil {
		return err
	}
	if rootDev == dataDev {
		return errors.Errorf(
			"state data store (%s) is located on rootfs partition", runOpts.dataStore)
	}

	thawChan := make(chan int)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGPIPE)
	go stopHandler(sigChan, thawChan)

	if err = system.FreezeFS("/"); err != nil {
		log.Error(err.Error())
		return err
	}

	f, err := os.Open(rootDev)
	if err != nil {
		thawChan <- 1
		return err
	}
	defer f.Close()

	fsSize, err := system.GetBlockDeviceSize(f)
	if err != nil {
		thawChan <- 1
		return errors.Wrap(err, "unable to get partition size")
	}

	log.Infof("initiating copy of size %s", utils.ShortSize(fsSize))
	err = copyRootfs(out, f, fsSize, outName)

	thawChan <- 1
	if err != nil {
		log.Error(err.Error())
		return err
	}
	return nil
}

func stopHandler(sigChan chan os.Signal, thawChan chan int) {
	var sig os.Signal
	select {
	case sig = <-sigChan:
		log.Infof("received signal: %s", unix.SignalName(sig.(unix.Signal)))
	case <-thawChan:
	}
	if err := system.ThawFS("/"); err != nil {
		log.Error("CRITICAL: unable to unfreeze filesystem, try " +
			"running `fsfreeze -u /` or `SYSRQ+j`, immediately!")
	}
	signal.Stop(sigChan)
	if sig != nil {
		unix.Kill(os.Getpid(), unix.SIGINT)
	}
}

// copyRootfs caps the copy to fsSize via utils.LimitedWriter (a filesystem
// that somehow grows mid-snapshot must never overrun the destination
// file/pipe), and reports progress with utils.ProgressBar when stderr is a
// terminal, falling back to utils.ProgressWriter's dot-per-32-KiB output
// otherwise rather than copying silently.
func copyRootfs(out io.Writer, src io.Reader, fsSize uint64, prefix string) error {
	dst := &utils.LimitedWriter{W: out, N: fsSize}

	pb := utils.NewProgressBar(os.Stderr, fsSize, utils.BYTES)
	if pb != nil {
		pb.SetPrefix(fmt.Sprintf("%s: ", prefix))
		pb.Tick(0)
		return copyWithProgress(dst, src, pb)
	}

	pw := &utils.ProgressWriter{Out: os.Stderr, N: int64(fsSize)}
	_, err := io.Copy(io.MultiWriter(dst, pw), src)
	return err
}

func copyWithProgress(dst io.Writer, src io.Reader, pb *utils.ProgressBar) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if err != nil {
			if err == io.EOF {
				err = nil
				break
			}
			return err
		}
		w, err := dst.Write(buf[:n])
		if err != nil {
			log.Error(err.Error())
			return err
		} else if w < n {
			return errors.Wrap(io.ErrShortWrite, "error writing to stream")
		}
		if err := pb.Tick(uint64(n)); err != nil {
			return err
		}
	}
	return nil
}
