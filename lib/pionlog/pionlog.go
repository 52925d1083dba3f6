// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package pionlog bridges pion's logging.LoggerFactory to log/slog so
// the ICE and SCTP engines emit through the same structured logger as
// the rest of the session.
package pionlog

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// Factory returns a pion LoggerFactory whose loggers forward to the
// given slog.Logger with a "scope" attribute identifying the engine
// subsystem (e.g. "ice", "sctp").
func Factory(logger *slog.Logger) logging.LoggerFactory {
	return &factory{logger: logger}
}

type factory struct {
	logger *slog.Logger
}

func (f *factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveled{logger: f.logger.With("scope", scope)}
}

// leveled maps pion's five levels onto slog's four; Trace folds into
// Debug.
type leveled struct {
	logger *slog.Logger
}

var _ logging.LeveledLogger = (*leveled)(nil)

func (l *leveled) Trace(msg string) { l.logger.Debug(msg) }
func (l *leveled) Debug(msg string) { l.logger.Debug(msg) }
func (l *leveled) Info(msg string)  { l.logger.Info(msg) }
func (l *leveled) Warn(msg string)  { l.logger.Warn(msg) }
func (l *leveled) Error(msg string) { l.logger.Error(msg) }

func (l *leveled) Tracef(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *leveled) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *leveled) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *leveled) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *leveled) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
