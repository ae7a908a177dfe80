// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

// Package klog is the leveled logging facade of the management stack.
// Long-lived components embed a Klog with a subsystem prefix; the backing
// provider is pluggable.
package klog

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LogProvider is the backend contract, RFC5424-ish levels.
type LogProvider interface {
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Level represents the logging severity.
// Ordering: Off < Error < Warn < Info < Debug.
// Setting a level enables that level and all more critical levels.
type Level uint32

const (
	LevelOff Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// Klog is the embedded logging handle with atomic level control.
// The default level is Off, so an unconfigured component stays silent.
type Klog struct {
	provider LogProvider
	level    uint32
}

// NewLogger creates a logger with the given subsystem prefix backed by the
// standard library logger on stdout.
func NewLogger(prefix string) Klog {
	return Klog{
		provider: stdLogger{log.New(os.Stdout, prefix, log.LstdFlags)},
	}
}

// SetLogLevel sets the logging level. LevelOff disables all output.
func (sf *Klog) SetLogLevel(lvl Level) {
	atomic.StoreUint32(&sf.level, uint32(lvl))
}

// SetLogProvider replaces the backend provider.
func (sf *Klog) SetLogProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf *Klog) allowed(required Level) bool {
	return atomic.LoadUint32(&sf.level) >= uint32(required)
}

// Error logs an ERROR level message.
func (sf *Klog) Error(format string, v ...interface{}) {
	if sf.allowed(LevelError) {
		sf.provider.Error(format, v...)
	}
}

// Warn logs a WARN level message.
func (sf *Klog) Warn(format string, v ...interface{}) {
	if sf.allowed(LevelWarn) {
		sf.provider.Warn(format, v...)
	}
}

// Info logs an INFO level message.
func (sf *Klog) Info(format string, v ...interface{}) {
	if sf.allowed(LevelInfo) {
		sf.provider.Info(format, v...)
	}
}

// Debug logs a DEBUG level message.
func (sf *Klog) Debug(format string, v ...interface{}) {
	if sf.allowed(LevelDebug) {
		sf.provider.Debug(format, v...)
	}
}

type stdLogger struct {
	*log.Logger
}

var _ LogProvider = (*stdLogger)(nil)

func (sf stdLogger) Error(format string, v ...interface{}) { sf.Printf("[E]: "+format, v...) }
func (sf stdLogger) Warn(format string, v ...interface{}) { sf.Printf("[W]: "+format, v...) }
func (sf stdLogger) Info(format string, v ...interface{}) { sf.Printf("[I]: "+format, v...) }
func (sf stdLogger) Debug(format string, v ...interface{}) { sf.Printf("[D]: "+format, v...) }

// LogrusProvider adapts a logrus logger as LogProvider. The subsystem
// prefix is attached as a structured field.
type LogrusProvider struct {
	entry *logrus.Entry
}

var _ LogProvider = (*LogrusProvider)(nil)

// NewLogrusProvider wraps l, tagging every entry with the subsystem name.
func NewLogrusProvider(l *logrus.Logger, subsystem string) *LogrusProvider {
	return &LogrusProvider{entry: l.WithField("subsystem", subsystem)}
}

func (sf *LogrusProvider) Error(format string, v ...interface{}) { sf.entry.Errorf(format, v...) }
func (sf *LogrusProvider) Warn(format string, v ...interface{})  { sf.entry.Warnf(format, v...) }
func (sf *LogrusProvider) Info(format string, v ...interface{})  { sf.entry.Infof(format, v...) }
func (sf *LogrusProvider) Debug(format string, v ...interface{}) { sf.entry.Debugf(format, v...) }
