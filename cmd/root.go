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

// Package cmd holds the mirrorfs command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirrorfs/mirrorfs/cfg"
)

// Exit codes of the binary.
const (
	exitOK       = 0
	exitUsage    = 1
	exitInternal = 2
)

// internalError marks failures past argument validation, reported with a
// distinct exit code.
type internalError struct {
	err error
}

func (e *internalError) Error() string { return e.err.Error() }
func (e *internalError) Unwrap() error { return e.err }

var bindErr error

var rootCmd = &cobra.Command{
	Use:   "mirrorfs",
	Short: "Project a directory onto a mount point",
	Long: `mirrorfs serves a user-space file system that projects a backing
directory (the origin) onto a mount point. Operations against the mount are
validated in-process and persisted under the origin; out-of-band changes to
the origin trigger a re-projection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, err)
	var internal *internalError
	if errors.As(err, &internal) {
		return exitInternal
	}
	return exitUsage
}

func init() {
	bindErr = cfg.BindLogFlags(rootCmd.PersistentFlags())
}
