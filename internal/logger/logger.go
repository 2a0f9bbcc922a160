// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides envfs's leveled logging, wrapping log/slog
// with the five severities and two output formats this codebase has
// always used, plus optional file rotation for long-lived daemons.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered least to most severe. TRACE and DEBUG sit
// below slog's built-in levels; WARNING reuses slog's Warn spelling
// under a different name to match this codebase's historical log
// line vocabulary.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Config describes where and how envfs should log. Unlike the much
// larger GCS-flag-driven config this is adapted from, envfs has no
// file-based configuration surface, so this struct is populated
// directly from the small set of CLI flags cmd/root.go exposes.
type Config struct {
	Severity string // one of TRACE/DEBUG/INFO/WARNING/ERROR/OFF
	Format   string // "text" or "json"
	FilePath string // empty means stderr

	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// loggerFactory owns the handler construction logic so format/level/
// destination can all be changed at runtime without reconstructing
// callers' references to the package-level logger.
type loggerFactory struct {
	file      *lumberjack.Logger
	sysWriter io.Writer
	format    string
	level     string
	programLevel *slog.LevelVar

	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

var defaultLoggerFactory = &loggerFactory{
	sysWriter:    os.Stderr,
	format:       "text",
	level:        INFO,
	programLevel: new(slog.LevelVar),
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultLoggerFactory.programLevel, ""),
)

func init() {
	setLoggingLevel(defaultLoggerFactory.level, defaultLoggerFactory.programLevel)
}

// Init configures the default logger according to cfg. It is intended
// to be called once, early in main(), after flags are parsed.
func Init(cfg Config) error {
	factory := &loggerFactory{
		format:          cfg.Format,
		level:           cfg.Severity,
		programLevel:    new(slog.LevelVar),
		MaxFileSizeMB:   cfg.MaxFileSizeMB,
		BackupFileCount: cfg.BackupFileCount,
		Compress:        cfg.Compress,
	}

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		factory.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupFileCount,
			Compress:   cfg.Compress,
		}
		w = factory.file
	} else {
		factory.sysWriter = w
	}

	if factory.format == "" {
		factory.format = "json"
	}

	setLoggingLevel(factory.level, factory.programLevel)
	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(w, factory.programLevel, ""))
	return nil
}

// SetLogFormat switches the active logger's output format ("text" or
// "json", defaulting to "json" for any other value) without disturbing
// its destination or level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}

	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(w, defaultLoggerFactory.programLevel, ""),
	)
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case INFO:
		programLevel.Set(LevelInfo)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// createJsonOrTextHandler builds the slog.Handler matching this
// codebase's two historical output formats. prefix is prepended to
// every message, used by tests to tag output from a particular logger
// instance.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "text" {
		return &textHandler{w: w, level: level, prefix: prefix}
	}
	return &jsonHandler{w: w, level: level, prefix: prefix}
}

// severityName maps a slog.Level back to this package's severity
// strings, since slog's own names don't include TRACE/WARNING/OFF.
func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return TRACE
	case l < LevelInfo:
		return DEBUG
	case l < LevelWarn:
		return INFO
	case l < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level.Level() }
func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler         { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler              { return h }
func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityName(r.Level), h.prefix+r.Message)
	return err
}

type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level.Level() }
func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler         { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler              { return h }
func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, `{"timestamp":{"seconds":%d,"nanos":%d},"severity":%q,"message":%q}`+"\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), h.prefix+r.Message)
	return err
}

func log(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { log(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { log(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { log(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { log(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { log(LevelError, format, args...) }
