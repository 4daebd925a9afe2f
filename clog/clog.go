// SPDX-License-Identifier: MIT

// Package clog provides global conditional structured logging for application
// components, backed by zap but kept behind the same conditional-enable shape
// the rest of this module's command-line tools expect.
package clog

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	enabled = false
	base, _ = zap.NewProduction()
)

// Enable turns on conditional log output (set by the -l command line flag).
func Enable() {
	enabled = true
}

// A CLogger wraps a zap.SugaredLogger with a fixed prefix and can be
// conditionally silenced. By default, conditional logging is disabled; Errorf
// always logs regardless of Enable.
type CLogger struct {
	sugar *zap.SugaredLogger
}

// New creates a new conditional logger with the given prefix, rendered as a
// "component" field on every log line.
func New(prefixFormat string, prefixArgs ...any) *CLogger {
	prefix := fmt.Sprintf(prefixFormat, prefixArgs...)
	return &CLogger{base.Sugar().With("component", prefix)}
}

// Printf logs output conditionally (if enabled with -l command line option) in
// the manner of log.Printf.
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.sugar.Infof(format, a...)
}

// Errorf logs output unconditionally, i.e. always, in the manner of log.Printf.
func (c *CLogger) Errorf(format string, a ...any) {
	c.sugar.Errorf(format, a...)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = base.Sync()
}
