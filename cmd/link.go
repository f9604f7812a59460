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

package cmd

import (
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/mirrorfs/mirrorfs/cfg"
	"github.com/mirrorfs/mirrorfs/internal/backing"
	"github.com/mirrorfs/mirrorfs/internal/backing/localdisk"
	"github.com/mirrorfs/mirrorfs/internal/backing/memfs"
	"github.com/mirrorfs/mirrorfs/internal/logger"
	"github.com/mirrorfs/mirrorfs/internal/supervisor"
)

const defaultFSName = "mirrorfs"

var linkCmd = &cobra.Command{
	Use:   "link <origin> <mount> [fs-name]",
	Short: "Mount a projection of origin at mount",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runLink,
}

func init() {
	rootCmd.AddCommand(linkCmd)
	if err := cfg.BindLinkFlags(linkCmd.Flags()); err != nil && bindErr == nil {
		bindErr = err
	}
}

func runLink(cmd *cobra.Command, args []string) error {
	if bindErr != nil {
		return bindErr
	}

	c, err := cfg.Load()
	if err != nil {
		return err
	}
	c.Origin = args[0]
	c.Mount = args[1]
	c.FSName = defaultFSName
	if len(args) == 3 {
		c.FSName = args[2]
	}

	if err := c.ResolvePaths(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if err := logger.Setup(c.LogLevel(), c.Verbose); err != nil {
		return &internalError{err}
	}
	defer logger.Close()

	store, err := buildStore(c)
	if err != nil {
		return &internalError{err}
	}

	sup := supervisor.New(supervisor.Config{
		FSName:     c.FSName,
		Origin:     c.Origin,
		MountPoint: c.Mount,
		ReadOnly:   c.ReadOnly,
		AllowOther: c.AllowOther,
		DirectIO:   c.DirectIO,
		Store:      store,
		Clock:      timeutil.RealClock(),
	})
	if err := sup.Run(); err != nil {
		return &internalError{err}
	}
	return nil
}

func buildStore(c *cfg.Config) (backing.Store, error) {
	if c.Mem {
		m := memfs.New()
		if err := m.Seed(c.Origin); err != nil {
			return nil, fmt.Errorf("seed in-memory store from %q: %w", c.Origin, err)
		}
		return m, nil
	}
	return localdisk.New(), nil
}
