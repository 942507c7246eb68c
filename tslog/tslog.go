/*
NAME
  tslog.go

DESCRIPTION
  tslog adapts the ausocean/utils/logging convention (level-named methods
  taking a message plus alternating key/value pairs) to a small interface
  that every package in this module depends on rather than a concrete
  logger, so tests can install a no-op and cmd/tscut can install a
  lumberjack-backed rotating one.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package tslog is the structured logging interface shared across tscut's
// packages.
package tslog

import (
	"io"
	"os"

	"github.com/ausocean/utils/logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the subset of ausocean/utils/logging.Logger that tscut's
// packages use. Every call takes a message followed by alternating
// key/value pairs, matching the teacher's convention.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warning(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// discard implements Logger by dropping everything. Used as the default
// for packages constructed without an explicit logger (mainly in tests).
type discard struct{}

func (discard) Debug(string, ...interface{})   {}
func (discard) Info(string, ...interface{})    {}
func (discard) Warning(string, ...interface{}) {}
func (discard) Error(string, ...interface{})   {}

// Discard returns a Logger that drops every message.
func Discard() Logger { return discard{} }

// Config describes where and how to persist log output.
type Config struct {
	// Path is the log file path. Empty means log to stderr only.
	Path string
	// MaxSizeMB, MaxBackups and MaxAgeDays configure lumberjack rotation;
	// zero values take lumberjack's defaults (100MB, unlimited backups,
	// unlimited age).
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Level is the minimum level that will be emitted, one of the
	// logging.*Level constants.
	Level int8
}

// adapter wraps an ausocean logging.Logger so it satisfies Logger. The
// two interfaces already agree on method shape; adapter exists so callers
// depend on tslog.Logger rather than importing ausocean/utils/logging
// directly.
type adapter struct {
	l logging.Logger
}

func (a adapter) Debug(msg string, args ...interface{})   { a.l.Debug(msg, args...) }
func (a adapter) Info(msg string, args ...interface{})    { a.l.Info(msg, args...) }
func (a adapter) Warning(msg string, args ...interface{}) { a.l.Warning(msg, args...) }
func (a adapter) Error(msg string, args ...interface{})   { a.l.Error(msg, args...) }

// New builds a Logger writing to cfg.Path (rotated via lumberjack) or, if
// cfg.Path is empty, to stderr, following the same logging.New(level,
// writer, suppress) call shape the teacher's cmd/rv and cmd/speaker use.
func New(cfg Config) Logger {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}
	return adapter{l: logging.New(cfg.Level, w, false)}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
