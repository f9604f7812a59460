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

// Package cfg owns the flag surface and its validation.
package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// Config is the resolved command configuration. Origin, Mount and FSName
// come from positional arguments; the rest from flags bound through viper.
type Config struct {
	Origin string `mapstructure:"origin"`
	Mount  string `mapstructure:"mount"`
	FSName string `mapstructure:"fs-name"`

	ReadOnly   bool `mapstructure:"read-only"`
	Local      bool `mapstructure:"local"`
	Mem        bool `mapstructure:"mem"`
	DirectIO   bool `mapstructure:"direct-io"`
	AllowOther bool `mapstructure:"allow-other"`

	Verbose bool `mapstructure:"verbose"`
	Quiet   bool `mapstructure:"quiet"`
	Silent  bool `mapstructure:"silent"`
}

// BindLinkFlags registers the link subcommand's flags and binds them into
// viper.
func BindLinkFlags(flags *pflag.FlagSet) error {
	flags.BoolP("read-only", "r", false, "Mount the file system read-only")
	flags.BoolP("local", "l", true, "Persist changes under the origin on local disk")
	flags.BoolP("mem", "m", false, "Keep changes in memory only (volatile scratch projection)")
	flags.Bool("direct-io", false, "Ask the kernel to bypass the page cache")
	flags.Bool("allow-other", false, "Allow other users to access the mount (root only)")
	return viper.BindPFlags(flags)
}

// BindLogFlags registers the global verbosity flags and binds them into
// viper.
func BindLogFlags(flags *pflag.FlagSet) error {
	flags.BoolP("verbose", "v", false, "Enable verbose logging to stdout")
	flags.BoolP("quiet", "q", false, "Print diagnostics, but nothing else")
	flags.BoolP("silent", "s", false, "Disable all logging")
	return viper.BindPFlags(flags)
}

// Load unmarshals the bound flags.
func Load() (*Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// ResolvePaths makes Origin and Mount absolute, expanding a leading ~.
func (c *Config) ResolvePaths() error {
	var err error
	if c.Origin, err = resolvePath(c.Origin); err != nil {
		return err
	}
	c.Mount, err = resolvePath(c.Mount)
	return err
}

func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", path, err)
	}
	return abs, nil
}

// Validate rejects inconsistent configurations before anything mounts.
func (c *Config) Validate() error {
	if err := mustBeDir(c.Origin); err != nil {
		return err
	}
	if err := mustBeDir(c.Mount); err != nil {
		return err
	}
	if c.Origin == c.Mount {
		return fmt.Errorf("origin and mount point must differ: %q", c.Origin)
	}

	exclusive := 0
	for _, set := range []bool{c.Verbose, c.Quiet, c.Silent} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		return fmt.Errorf("at most one of --verbose, --quiet and --silent may be set")
	}

	if c.AllowOther && os.Geteuid() != 0 {
		return fmt.Errorf("--allow-other requires running as root")
	}
	return nil
}

func mustBeDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", path)
	}
	return nil
}

// LogLevel maps the verbosity flags onto logger levels.
func (c *Config) LogLevel() string {
	switch {
	case c.Silent:
		return logger.LevelOff
	case c.Quiet:
		return logger.LevelError
	case c.Verbose:
		return logger.LevelDebug
	}
	return logger.LevelInfo
}
