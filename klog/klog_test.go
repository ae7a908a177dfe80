// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package klog

import (
	"fmt"
	"testing"
)

type captureProvider struct {
	lines []string
}

func (c *captureProvider) Error(format string, v ...interface{}) {
	c.lines = append(c.lines, "E "+fmt.Sprintf(format, v...))
}

func (c *captureProvider) Warn(format string, v ...interface{}) {
	c.lines = append(c.lines, "W "+fmt.Sprintf(format, v...))
}

func (c *captureProvider) Info(format string, v ...interface{}) {
	c.lines = append(c.lines, "I "+fmt.Sprintf(format, v...))
}

func (c *captureProvider) Debug(format string, v ...interface{}) {
	c.lines = append(c.lines, "D "+fmt.Sprintf(format, v...))
}

func TestLevelGating(t *testing.T) {
	tests := []struct {
		level Level
		want  int
	}{
		{LevelOff, 0},
		{LevelError, 1},
		{LevelWarn, 2},
		{LevelInfo, 3},
		{LevelDebug, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("level %d", tt.level), func(t *testing.T) {
			l := NewLogger("test ")
			p := &captureProvider{}
			l.SetLogProvider(p)
			l.SetLogLevel(tt.level)

			l.Error("e %d", 1)
			l.Warn("w")
			l.Info("i")
			l.Debug("d")
			if len(p.lines) != tt.want {
				t.Fatalf("got %d lines %v, want %d", len(p.lines), p.lines, tt.want)
			}
		})
	}
}

func TestDefaultLevelIsOff(t *testing.T) {
	l := NewLogger("quiet ")
	p := &captureProvider{}
	l.SetLogProvider(p)
	l.Error("must not appear")
	if len(p.lines) != 0 {
		t.Fatalf("unconfigured logger emitted %v", p.lines)
	}
}
