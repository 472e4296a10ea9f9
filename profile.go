// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// profileWriter saves heap and CPU profiles to dir at each interval
// until stopped, and a final heap profile on Stop.
type profileWriter struct {
	dir      string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func startProfiles(dir string, interval time.Duration) (*profileWriter, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	pw := &profileWriter{dir: dir, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
	go pw.run()
	return pw, nil
}

func (pw *profileWriter) run() {
	defer close(pw.done)
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-pw.stop:
			return
		case <-ticker.C:
			pw.writeMemProfile()
			pw.writeCPUProfile()
		}
	}
}

func (pw *profileWriter) Stop() {
	close(pw.stop)
	<-pw.done
	pw.writeMemProfile()
}

func (pw *profileWriter) writeCPUProfile() {
	fnm := filepath.Join(pw.dir, "cpu.prof")
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err := pprof.StartCPUProfile(f); err != nil {
		log.Print(err)
		return
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	if err = f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err = os.Rename(fnm+"~", fnm); err != nil {
		log.Print(err)
	}
}

func (pw *profileWriter) writeMemProfile() {
	fnm := filepath.Join(pw.dir, "mem.prof")
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Print(err)
		return
	}
	if err = f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err = os.Rename(fnm+"~", fnm); err != nil {
		log.Print(err)
	}
}
