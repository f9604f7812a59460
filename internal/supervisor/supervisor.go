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

// Package supervisor owns the mount lifecycle: it builds a fresh request
// handler, mounts it, and remounts from scratch whenever the watcher
// reports an out-of-band change.
package supervisor

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/jacobsa/timeutil"

	"github.com/mirrorfs/mirrorfs/internal/backing"
	mfs "github.com/mirrorfs/mirrorfs/internal/fs"
	"github.com/mirrorfs/mirrorfs/internal/logger"
	"github.com/mirrorfs/mirrorfs/internal/watch"
)

// Signal is what the supervisor blocks on between mounts.
type Signal int

const (
	// SigReset tears the mount down and rebuilds it from the origin.
	SigReset Signal = iota
	// SigExit tears the mount down and returns.
	SigExit
)

// State tracks the session state machine:
// Starting → Running → Resetting → Running → … → Exiting.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateResetting
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateResetting:
		return "resetting"
	case StateExiting:
		return "exiting"
	}
	return "unknown"
}

// Config for one supervisor.
type Config struct {
	FSName     string
	Origin     string
	MountPoint string

	ReadOnly   bool
	AllowOther bool
	DirectIO   bool

	Store backing.Store
	Clock timeutil.Clock
}

type Supervisor struct {
	cfg Config

	signals   chan Signal
	exitOnce  sync.Once
	stopWatch chan struct{}
	state     atomic.Int32
}

func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		signals:   make(chan Signal, 16),
		stopWatch: make(chan struct{}),
	}
}

// Reset requests a remount. Safe from any goroutine; requests queue in the
// signal buffer, and further ones are dropped while that buffer is full.
func (s *Supervisor) Reset() {
	select {
	case s.signals <- SigReset:
	default:
	}
}

// Exit requests shutdown. Only the first call has any effect.
func (s *Supervisor) Exit() {
	s.exitOnce.Do(func() {
		s.signals <- SigExit
	})
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	logger.Debugf("supervisor: %v", st)
}

// Run mounts the file system and serves until Exit. Out-of-band changes
// under the origin cause a full teardown and remount with a freshly
// projected inode table; in-flight requests of the old mount are abandoned
// at the transport.
func (s *Supervisor) Run() error {
	go watch.Loop(s.cfg.Origin, s.Reset, s.stopWatch)
	go s.handleInterrupts()
	defer close(s.stopWatch)

	for {
		s.setState(StateStarting)

		srv, err := mfs.NewServer(&mfs.ServerConfig{
			FSName:    s.cfg.FSName,
			Origin:    s.cfg.Origin,
			Clock:     s.cfg.Clock,
			Store:     s.cfg.Store,
			Projector: mfs.NewProjector(),
			DirectIO:  s.cfg.DirectIO,
		})
		if err != nil {
			s.setState(StateExiting)
			return fmt.Errorf("create server: %w", err)
		}

		conn, err := fuse.Mount(s.cfg.MountPoint, s.mountOptions()...)
		if err != nil {
			s.setState(StateExiting)
			return fmt.Errorf("mount %q: %w", s.cfg.MountPoint, err)
		}

		go func() {
			if err := fusefs.Serve(conn, srv); err != nil {
				logger.Errorf("supervisor: serve: %v", err)
			}
		}()
		s.setState(StateRunning)
		logger.Infof("supervisor: %s mounted at %s", s.cfg.FSName, s.cfg.MountPoint)

		sig := <-s.signals
		if sig == SigExit {
			s.setState(StateExiting)
		} else {
			s.setState(StateResetting)
		}

		if err := fuse.Unmount(s.cfg.MountPoint); err != nil {
			logger.Errorf("supervisor: unmount: %v", err)
		}
		if err := conn.Close(); err != nil {
			logger.Errorf("supervisor: close connection: %v", err)
		}

		if sig == SigExit {
			logger.Infof("supervisor: exiting")
			return nil
		}
		logger.Infof("supervisor: resetting after out-of-band change")
	}
}

func (s *Supervisor) mountOptions() []fuse.MountOption {
	opts := []fuse.MountOption{
		fuse.FSName(s.cfg.FSName),
		fuse.Subtype("mirrorfs"),
	}
	if s.cfg.ReadOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	if s.cfg.AllowOther && os.Geteuid() == 0 {
		opts = append(opts, fuse.AllowOther())
	}
	return opts
}

// handleInterrupts turns the first SIGINT/SIGTERM into an Exit and swallows
// the rest.
func (s *Supervisor) handleInterrupts() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	for range ch {
		logger.Infof("supervisor: interrupt received")
		s.Exit()
	}
}
