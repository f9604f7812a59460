// Copyright 2024 The mirrorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch detects out-of-band mutations under the origin and asks the
// supervisor to re-project.
//
// On Linux it subscribes to create/modify/remove events under the origin
// and fires only when a process other than the server holds the affected
// path open — the server itself causes most origin events, and reacting to
// those would loop. The process scan is best effort: descriptors can close
// before the scan sees them, and a false positive merely costs an extra
// reset, which is idempotent. Elsewhere it falls back to a fixed-interval
// reset.
package watch

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// fallbackInterval is the reset period on platforms without usable
// file-change events.
const fallbackInterval = 60 * time.Second

// Loop watches origin until stop is closed, invoking reset for every
// out-of-band change it attributes to a foreign process. It runs in the
// caller's goroutine.
func Loop(origin string, reset func(), stop <-chan struct{}) {
	if runtime.GOOS == "linux" {
		notifyLoop(origin, reset, stop)
		return
	}
	tickerLoop(reset, stop)
}

func tickerLoop(reset func(), stop <-chan struct{}) {
	logger.Infof("watch: no change events on %s, resetting every %v", runtime.GOOS, fallbackInterval)
	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reset()
		case <-stop:
			return
		}
	}
}

func notifyLoop(origin string, reset func(), stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		// The watcher is rebuilt after every reset so that directories
		// created while we were reacting are picked up again.
		if !watchOnce(origin, reset, stop) {
			return
		}
	}
}

// watchOnce runs one watcher generation. It returns false when stop fired.
func watchOnce(origin string, reset func(), stop <-chan struct{}) bool {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Errorf("watch: create watcher: %v", err)
		select {
		case <-time.After(time.Second):
			return true
		case <-stop:
			return false
		}
	}
	defer w.Close()

	if err := addRecursive(w, origin); err != nil {
		logger.Errorf("watch: watch %q: %v", origin, err)
		return true
	}

	self := int32(os.Getpid())
	for {
		select {
		case <-stop:
			return false

		case err := <-w.Errors:
			logger.Errorf("watch: %v", err)
			return true

		case ev := <-w.Events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// New directories need their own watch.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if foreignProcessTouched(ev.Name, self) {
				logger.Infof("watch: out-of-band change at %s, resetting", ev.Name)
				reset()
				return true
			}
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// foreignProcessTouched walks every process's open-file table and reports
// whether any process other than self holds path open.
func foreignProcessTouched(path string, self int32) bool {
	procs, err := process.Processes()
	if err != nil {
		logger.Errorf("watch: list processes: %v", err)
		// Can't attribute the event; assume it was foreign.
		return true
	}

	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path == path {
				return true
			}
		}
	}
	return false
}
