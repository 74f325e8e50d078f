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

// Package btreekv is the btree backend: memory-resident copy-on-write
// trees. Transactions nest properly: each level is an O(1) copy of its
// parent's tree, commit installs the child tree into the parent, rollback
// drops it.
package btreekv

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/ordkv/ordkv/kv"
)

type item struct {
	key []byte
	val []byte
}

func lessItem(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Driver implements kv.Driver.
type Driver struct{}

func (Driver) Name() string { return "btree" }

func (Driver) OpenEnv(opts kv.EnvOptions) (kv.Env, error) {
	return &env{opts: opts, dbs: make(map[string]*database)}, nil
}

type env struct {
	opts   kv.EnvOptions
	mu     sync.Mutex
	dbs    map[string]*database
	closed bool
}

func (e *env) OpenDB(name string) (kv.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, kv.ErrMisuse
	}
	db := e.dbs[name]
	if db == nil {
		if !e.opts.Create {
			return nil, fmt.Errorf("%w: btree db %q", kv.ErrNotFound, name)
		}
		db = &database{
			tree:     btree.NewBTreeG[item](lessItem),
			readOnly: e.opts.ReadOnly,
		}
		e.dbs[name] = db
	}
	return db, nil
}

func (e *env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.dbs = nil
	return nil
}

type database struct {
	mu       sync.Mutex
	tree     *btree.BTreeG[item]
	meta     uint32
	readOnly bool

	// writeMu serialises outermost write transactions: a second writer
	// blocks until the first commits or aborts, the way the native btree
	// engine blocks on page locks.
	writeMu sync.Mutex
}

func (db *database) snapshot() *btree.BTreeG[item] {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tree
}

func (db *database) install(t *btree.BTreeG[item]) {
	db.mu.Lock()
	db.tree = t
	db.mu.Unlock()
}

func (db *database) NewSession() (kv.Session, error) {
	return &session{db: db}, nil
}

func (db *database) ReadMeta() (uint32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.meta, nil
}

func (db *database) WriteMeta(v uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.readOnly {
		return kv.ErrReadOnly
	}
	db.meta = v
	return nil
}

func (db *database) Close() error { return nil }

type session struct {
	db     *database
	closed bool
}

func (s *session) Begin(parent kv.Txn) (kv.Txn, error) {
	if s.closed {
		return nil, kv.ErrMisuse
	}
	if s.db.readOnly {
		return nil, kv.ErrReadOnly
	}
	if parent == nil {
		s.db.writeMu.Lock()
		return &txn{db: s.db, tree: s.db.snapshot().Copy(), outermost: true}, nil
	}
	p, ok := parent.(*txn)
	if !ok || p.done {
		return nil, kv.ErrMisuse
	}
	return &txn{db: s.db, tree: p.tree.Copy(), parent: p}, nil
}

func (s *session) NewReadCursor() (kv.NativeCursor, error) {
	if s.closed {
		return nil, kv.ErrMisuse
	}
	db := s.db
	// Resolving the tree per operation gives READ_COMMITTED: a commit by
	// another connection is visible on the cursor's next positioning call.
	return &cur{src: db.snapshot}, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

type txn struct {
	db        *database
	tree      *btree.BTreeG[item]
	parent    *txn
	gid       []byte
	outermost bool
	done      bool
}

func (t *txn) NewCursor() (kv.NativeCursor, error) {
	if t.done {
		return nil, kv.ErrMisuse
	}
	return &cur{src: func() *btree.BTreeG[item] { return t.tree }, wr: t}, nil
}

func (t *txn) Prepare(xid []byte) error {
	if t.done {
		return kv.ErrMisuse
	}
	if xid == nil {
		// 128-byte gid from the transaction's identity and the clock.
		xid = make([]byte, 0, 128)
		xid = fmt.Appendf(xid, "btreekv-%p-%d", t, time.Now().UnixNano())
		xid = append(xid, make([]byte, 128-len(xid))...)
	}
	t.gid = xid
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return kv.ErrMisuse
	}
	t.done = true
	if t.parent != nil {
		if t.parent.done {
			return kv.ErrMisuse
		}
		t.parent.tree = t.tree
		return nil
	}
	t.db.install(t.tree)
	if t.outermost {
		t.db.writeMu.Unlock()
	}
	return nil
}

func (t *txn) Abort() error {
	if t.done {
		return kv.ErrMisuse
	}
	t.done = true
	t.tree = nil
	if t.outermost {
		t.db.writeMu.Unlock()
	}
	return nil
}

// cur navigates whatever tree src currently resolves to. Position is the
// current key; every step re-seeks, so tree swaps between operations are
// harmless.
type cur struct {
	src    func() *btree.BTreeG[item]
	wr     *txn // nil for read cursors
	k, v   []byte
	valid  bool
	closed bool
}

func (c *cur) live() error {
	if c.closed {
		return kv.ErrMisuse
	}
	return nil
}

func (c *cur) hold(it item) {
	c.k, c.v = it.key, it.val
	c.valid = true
}

func (c *cur) drop() {
	c.k, c.v = nil, nil
	c.valid = false
}

func (c *cur) SeekGE(k []byte) (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	iter := c.src().Iter()
	defer iter.Release()
	if !iter.Seek(item{key: k}) {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) SeekLE(k []byte) (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	iter := c.src().Iter()
	defer iter.Release()
	ok := iter.Seek(item{key: k})
	if ok {
		if !bytes.Equal(iter.Item().key, k) {
			ok = iter.Prev()
		}
	} else {
		ok = iter.Last()
	}
	if !ok {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) First() (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	iter := c.src().Iter()
	defer iter.Release()
	if !iter.First() {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) Last() (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	iter := c.src().Iter()
	defer iter.Release()
	if !iter.Last() {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) Next() (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	if !c.valid {
		return false, kv.ErrMisuse
	}
	iter := c.src().Iter()
	defer iter.Release()
	ok := iter.Seek(item{key: c.k})
	if ok && bytes.Equal(iter.Item().key, c.k) {
		ok = iter.Next()
	}
	if !ok {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) Prev() (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	if !c.valid {
		return false, kv.ErrMisuse
	}
	iter := c.src().Iter()
	defer iter.Release()
	ok := iter.Seek(item{key: c.k})
	if ok {
		ok = iter.Prev()
	} else {
		ok = iter.Last()
	}
	if !ok {
		c.drop()
		return false, nil
	}
	c.hold(iter.Item())
	return true, nil
}

func (c *cur) Key() ([]byte, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if !c.valid {
		return nil, kv.ErrMisuse
	}
	return c.k, nil
}

func (c *cur) Value() ([]byte, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if !c.valid {
		return nil, kv.ErrMisuse
	}
	return c.v, nil
}

func (c *cur) Insert(k, v []byte) error {
	if err := c.live(); err != nil {
		return err
	}
	if c.wr == nil {
		return kv.ErrReadOnly
	}
	if c.wr.done {
		return kv.ErrMisuse
	}
	if c.wr.db.readOnly {
		return kv.ErrReadOnly
	}
	c.wr.tree.Set(item{key: bytes.Clone(k), val: bytes.Clone(v)})
	return nil
}

func (c *cur) Remove(k []byte) error {
	if err := c.live(); err != nil {
		return err
	}
	if c.wr == nil {
		return kv.ErrReadOnly
	}
	if c.wr.done {
		return kv.ErrMisuse
	}
	if _, ok := c.wr.tree.Delete(item{key: k}); !ok {
		return kv.ErrNotFound
	}
	return nil
}

func (c *cur) Reset() error {
	if err := c.live(); err != nil {
		return err
	}
	c.drop()
	return nil
}

func (c *cur) Close() error {
	if c.closed {
		return kv.ErrMisuse
	}
	c.closed = true
	c.drop()
	return nil
}
