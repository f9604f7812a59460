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

// Package logger provides the process-wide logger. Verbose runs log text to
// stdout; everything else goes to date-based rotated files under ./logs/.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level names accepted by Setup.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelError = "ERROR"
	LevelOff   = "OFF"
)

const (
	logDir        = "logs"
	logMaxSizeMB  = 100
	logMaxBackups = 10
)

type loggerFactory struct {
	// sink is stdout until Setup decides between stdout, a rotated file and
	// discarding.
	sink   io.Writer
	level  *slog.LevelVar
	closer io.Closer
}

var (
	defaultLoggerFactory = &loggerFactory{
		sink:  os.Stdout,
		level: new(slog.LevelVar),
	}
	defaultLogger = defaultLoggerFactory.newLogger()
)

// Setup configures the default logger. When toStdout is set (verbose runs)
// logs are written to standard output; otherwise they are appended to a
// date-stamped file under ./logs/, rotated by size. LevelOff discards
// everything.
func Setup(level string, toStdout bool) error {
	f := defaultLoggerFactory

	switch {
	case level == LevelOff:
		f.sink = io.Discard
	case toStdout:
		f.sink = os.Stdout
	default:
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, time.Now().Format("2006-01-02")+".log"),
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
		}
		f.sink = lj
		f.closer = lj
	}

	setLoggingLevel(level, f.level)
	defaultLogger = f.newLogger()
	slog.SetDefault(defaultLogger)
	return nil
}

// Close flushes and closes the file sink, if any.
func Close() {
	if defaultLoggerFactory.closer != nil {
		_ = defaultLoggerFactory.closer.Close()
	}
}

func (f *loggerFactory) newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(f.sink, &slog.HandlerOptions{Level: f.level}))
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case LevelDebug:
		programLevel.Set(slog.LevelDebug)
	case LevelError:
		programLevel.Set(slog.LevelError)
	case LevelOff:
		// Setup points the sink at io.Discard, so the level only limits
		// record formatting.
		programLevel.Set(slog.LevelError)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}

func Debugf(format string, v ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
