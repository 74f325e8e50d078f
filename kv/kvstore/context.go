// Copyright 2024 The OrdKV Authors
// This file is part of OrdKV.
//
// OrdKV is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// OrdKV is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with OrdKV. If not, see <http://www.gnu.org/licenses/>.

package kvstore

import (
	"sync"

	"github.com/ledgerwatch/log/v3"
)

// Default initial capacities of freshly opened cursor buffers.
const (
	DefaultKeyBufferCap   = 16384
	DefaultValueBufferCap = 16384
)

// EngineContext carries the cross-connection state a process needs: the
// resource directory, the default cursor-buffer capacities, and the mutex
// policy. Production code uses the package-level default context; tests may
// create private contexts for isolation.
type EngineContext struct {
	useMutexes bool

	mu      sync.Mutex // directory structural lock
	entries map[string]*dirEntry

	capMu  sync.Mutex
	keyCap int
	valCap int

	logger log.Logger
}

// NewEngineContext returns a context with mutexes enabled.
func NewEngineContext(logger log.Logger) *EngineContext {
	return &EngineContext{
		useMutexes: true,
		entries:    make(map[string]*dirEntry),
		keyCap:     DefaultKeyBufferCap,
		valCap:     DefaultValueBufferCap,
		logger:     logger,
	}
}

// SetBufferCaps overrides the default initial cursor buffer capacities for
// stores opened through this context afterwards. Zero keeps the current
// value.
func (c *EngineContext) SetBufferCaps(keyCap, valCap int) {
	if c.useMutexes {
		c.capMu.Lock()
		defer c.capMu.Unlock()
	}
	if keyCap > 0 {
		c.keyCap = keyCap
	}
	if valCap > 0 {
		c.valCap = valCap
	}
}

// BufferCaps returns the context's default (key, value) capacities.
func (c *EngineContext) BufferCaps() (int, int) {
	if c.useMutexes {
		c.capMu.Lock()
		defer c.capMu.Unlock()
	}
	return c.keyCap, c.valCap
}

// Close logs directory entries still referenced. It does not tear them down:
// live connections own them.
func (c *EngineContext) Close() {
	c.lock()
	defer c.unlock()
	for name, e := range c.entries {
		if !e.dead {
			c.logger.Warn("engine context closed with live store", "name", name, "refs", e.refs)
		}
	}
}

func (c *EngineContext) lock() {
	if c.useMutexes {
		c.mu.Lock()
	}
}

func (c *EngineContext) unlock() {
	if c.useMutexes {
		c.mu.Unlock()
	}
}

// Package-global default context. Mutexes start elided; a multi-threaded
// host must call EnableMutexes before the first open.
var (
	defaultCtxOnce sync.Once
	defaultCtx     *EngineContext
	defaultCtxMtx  bool
)

// DefaultContext returns the process-wide engine context, creating it on
// first use.
func DefaultContext() *EngineContext {
	defaultCtxOnce.Do(func() {
		defaultCtx = NewEngineContext(log.Root())
		defaultCtx.useMutexes = defaultCtxMtx
	})
	return defaultCtx
}

// EnableMutexes arms directory and entry locking in the default context.
// Must be called before the first open; without it the caller promises
// single-threaded use.
func EnableMutexes() {
	defaultCtxMtx = true
	if defaultCtx != nil {
		defaultCtx.useMutexes = true
	}
}

// SetDefaultInitialCursorKeyCapacity sets the initial key-buffer capacity of
// cursors opened by stores of the default context.
func SetDefaultInitialCursorKeyCapacity(n int) {
	DefaultContext().SetBufferCaps(n, 0)
}

// SetDefaultInitialCursorValueCapacity is the value-buffer counterpart.
func SetDefaultInitialCursorValueCapacity(n int) {
	DefaultContext().SetBufferCaps(0, n)
}
