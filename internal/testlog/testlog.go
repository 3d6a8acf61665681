// Copyright 2019 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package testlog provides a log handler for unit tests.
package testlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
)

// sink is shared by all handlers derived from one test logger. Writes after the
// test has finished are dropped because testing.T panics on late Logf calls.
type sink struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
	buf  bytes.Buffer
}

type handler struct {
	s     *sink
	level slog.Level
	attrs []slog.Attr
}

// Handler returns a log handler which logs to the unit test log of t.
func Handler(t *testing.T, level slog.Level) slog.Handler {
	s := &sink{t: t}
	t.Cleanup(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	})
	return &handler{s: s, level: level}
}

// Logger returns a logger which logs to the unit test log of t.
func Logger(t *testing.T, level slog.Level) log.Logger {
	return log.NewLogger(Handler(t, level))
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.done {
		return nil
	}
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	h.s.buf.Reset()
	term := log.NewTerminalHandlerWithLevel(&h.s.buf, h.level, false)
	if err := term.Handle(ctx, r); err != nil {
		return err
	}
	h.s.t.Logf("%s", strings.TrimRight(h.s.buf.String(), "\n"))
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cpy := &handler{s: h.s, level: h.level}
	cpy.attrs = append(append(cpy.attrs, h.attrs...), attrs...)
	return cpy
}

// WithGroup is a no-op, groups are not used by the p2p loggers.
func (h *handler) WithGroup(name string) slog.Handler {
	return h
}
