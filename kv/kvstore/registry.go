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

	"github.com/ordkv/ordkv/kv"
)

// dirEntry is one resource-directory node: every connection naming the same
// store shares its native env and db. refs counts live connections. The
// entry lock serialises open/close and field access; lock order is always
// directory lock, then entry lock, then directory released.
type dirEntry struct {
	ctx  *EngineContext
	mu   sync.Mutex
	name string
	env  kv.Env
	db   kv.DB
	refs int
	dead bool
}

func (e *dirEntry) lock() {
	if e.ctx.useMutexes {
		e.mu.Lock()
	}
}

func (e *dirEntry) unlock() {
	if e.ctx.useMutexes {
		e.mu.Unlock()
	}
}

// acquire returns the entry for name with the entry lock held, creating it
// if needed. The directory lock is released before return.
func (c *EngineContext) acquire(name string) *dirEntry {
	c.lock()
	e := c.entries[name]
	if e == nil || e.dead {
		e = &dirEntry{ctx: c, name: name}
		c.entries[name] = e
	}
	e.lock()
	c.unlock()
	return e
}

// tryGet is acquire without the create: nil when no live entry exists.
func (c *EngineContext) tryGet(name string) *dirEntry {
	c.lock()
	e := c.entries[name]
	if e == nil || e.dead {
		c.unlock()
		return nil
	}
	e.lock()
	c.unlock()
	return e
}

// release drops the entry lock.
func (c *EngineContext) release(e *dirEntry) {
	e.unlock()
}

// reap removes a dead entry from the directory. Called after the entry lock
// has been dropped, so the directory-then-entry lock order is never
// inverted; acquire replaces dead entries it still finds in the map.
func (c *EngineContext) reap(e *dirEntry) {
	c.lock()
	if cur, ok := c.entries[e.name]; ok && cur == e && e.dead {
		delete(c.entries, e.name)
	}
	c.unlock()
}
