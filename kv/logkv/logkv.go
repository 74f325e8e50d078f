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

// Package logkv is the log-structured backend over LevelDB. The engine has
// no native nesting, so nested levels are simulated on one physical store:
// a write transaction is an LSM snapshot plus a copy-on-write overlay of
// pending writes and tombstones; a nested begin copies the parent's
// overlay, a nested commit installs the child overlay into the parent, and
// only the outermost commit writes a batch into the LSM. Commit identities
// come from one process-global monotonic counter starting at 1; zero is
// reserved as "unused".
package logkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/tidwall/btree"

	"github.com/ordkv/ordkv/kv"
)

// commitSeq is the process-global timestamp counter shared by every logkv
// environment. Plain atomic increment, never locked.
var commitSeq atomic.Uint64

// NextCommitSeq returns the next commit timestamp; the first value handed
// out is 1.
func NextCommitSeq() uint64 { return commitSeq.Add(1) }

// metaKey is the reserved schema-cookie slot. User keys start with a root
// varint >= 1, so the 0x00 prefix is out of band.
var metaKey = []byte{0x00, 'm', 'e', 't', 'a'}

// codeTable is the single native-code translation table for this backend.
var codeTable = []kv.CodeMapping{
	{Native: leveldb.ErrNotFound, Kind: kv.ErrNotFound},
	{Native: leveldb.ErrReadOnly, Kind: kv.ErrReadOnly},
	{Native: leveldb.ErrClosed, Kind: kv.ErrMisuse},
	{Native: leveldb.ErrSnapshotReleased, Kind: kv.ErrMisuse},
	{Native: leveldb.ErrIterReleased, Kind: kv.ErrMisuse},
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if lerrors.IsCorrupted(err) {
		return fmt.Errorf("%w: %s", kv.ErrCorrupt, err)
	}
	return kv.TranslateErr(codeTable, err)
}

type overItem struct {
	key []byte
	val []byte
	del bool
}

func lessOver(a, b overItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// Driver implements kv.Driver.
type Driver struct{}

func (Driver) Name() string { return "log" }

func (Driver) OpenEnv(opts kv.EnvOptions) (kv.Env, error) {
	o := &opt.Options{
		ReadOnly:       opts.ReadOnly,
		ErrorIfMissing: !opts.Create,
	}
	if opts.CacheBytes > 0 {
		o.BlockCacheCapacity = int(opts.CacheBytes / 2)
		o.WriteBuffer = int(opts.CacheBytes / 4)
	}
	var (
		ldb *leveldb.DB
		err error
	)
	if opts.InMem {
		ldb, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		ldb, err = leveldb.OpenFile(opts.Path, o)
		if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
			ldb, err = leveldb.RecoverFile(opts.Path, nil)
		}
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &env{ldb: ldb, readOnly: opts.ReadOnly}, nil
}

type env struct {
	ldb      *leveldb.DB
	db       *database
	readOnly bool
	closed   bool
}

func (e *env) OpenDB(name string) (kv.DB, error) {
	if e.closed {
		return nil, kv.ErrMisuse
	}
	if e.db == nil {
		e.db = &database{ldb: e.ldb, name: name, readOnly: e.readOnly}
	}
	return e.db, nil
}

func (e *env) Close() error {
	if e.closed {
		return kv.ErrMisuse
	}
	e.closed = true
	return mapErr(e.ldb.Close())
}

type database struct {
	ldb      *leveldb.DB
	name     string
	readOnly bool
}

func (db *database) NewSession() (kv.Session, error) {
	return &session{db: db}, nil
}

func (db *database) ReadMeta() (uint32, error) {
	v, err := db.ldb.Get(metaKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr(err)
	}
	if len(v) != 4 {
		return 0, kv.ErrCorrupt
	}
	return binary.BigEndian.Uint32(v), nil
}

func (db *database) WriteMeta(v uint32) error {
	if db.readOnly {
		return kv.ErrReadOnly
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return mapErr(db.ldb.Put(metaKey, buf[:], nil))
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
		snap, err := s.db.ldb.GetSnapshot()
		if err != nil {
			return nil, mapErr(err)
		}
		return &txn{
			db:   s.db,
			snap: snap,
			over: btree.NewBTreeG[overItem](lessOver),
		}, nil
	}
	p, ok := parent.(*txn)
	if !ok || p.done {
		return nil, kv.ErrMisuse
	}
	return &txn{db: s.db, snap: p.snap, over: p.over.Copy(), parent: p}, nil
}

func (s *session) NewReadCursor() (kv.NativeCursor, error) {
	if s.closed {
		return nil, kv.ErrMisuse
	}
	// No snapshot pinned: each positioning call reads the latest committed
	// state (READ_COMMITTED).
	return &cur{db: s.db}, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

type txn struct {
	db     *database
	snap   *leveldb.Snapshot
	over   *btree.BTreeG[overItem]
	parent *txn
	seq    uint64
	gid    []byte
	done   bool
}

func (t *txn) NewCursor() (kv.NativeCursor, error) {
	if t.done {
		return nil, kv.ErrMisuse
	}
	return &cur{db: t.db, t: t}, nil
}

func (t *txn) Prepare(xid []byte) error {
	if t.done {
		return kv.ErrMisuse
	}
	t.seq = NextCommitSeq()
	if xid == nil {
		xid = make([]byte, 8)
		binary.BigEndian.PutUint64(xid, t.seq)
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
		t.parent.over = t.over
		return nil
	}
	defer t.snap.Release()
	batch := new(leveldb.Batch)
	iter := t.over.Iter()
	for ok := iter.First(); ok; ok = iter.Next() {
		o := iter.Item()
		if o.del {
			batch.Delete(o.key)
		} else {
			batch.Put(o.key, o.val)
		}
	}
	iter.Release()
	if t.seq == 0 {
		t.seq = NextCommitSeq()
	}
	return mapErr(t.db.ldb.Write(batch, nil))
}

func (t *txn) Abort() error {
	if t.done {
		return kv.ErrMisuse
	}
	t.done = true
	if t.parent == nil {
		t.snap.Release()
	}
	return nil
}

// cur merges the pinned LSM view with the transaction overlay; read cursors
// have no overlay and walk the live store. Position is the current key,
// re-sought on every step, so commits between operations cannot invalidate
// it.
type cur struct {
	db     *database
	t      *txn // nil for read cursors
	k, v   []byte
	valid  bool
	closed bool
}

func (c *cur) live() error {
	if c.closed {
		return kv.ErrMisuse
	}
	if c.t != nil && c.t.done {
		return kv.ErrMisuse
	}
	return nil
}

func (c *cur) drop() { c.valid = false }

func (c *cur) hold(k, v []byte) {
	c.k = append(c.k[:0], k...)
	c.v = append(c.v[:0], v...)
	c.valid = true
}

func baseSeek(it iterator.Iterator, k []byte, forward bool) bool {
	if k == nil {
		if forward {
			return it.First()
		}
		return it.Last()
	}
	if forward {
		return it.Seek(k)
	}
	if it.Seek(k) {
		if bytes.Equal(it.Key(), k) {
			return true
		}
		return it.Prev()
	}
	return it.Last()
}

func overSeek(it *btree.IterG[overItem], k []byte, forward bool) bool {
	if k == nil {
		if forward {
			return it.First()
		}
		return it.Last()
	}
	if forward {
		return it.Seek(overItem{key: k})
	}
	if it.Seek(overItem{key: k}) {
		if bytes.Equal(it.Item().key, k) {
			return true
		}
		return it.Prev()
	}
	return it.Last()
}

// position finds the nearest live entry in the given direction. k == nil
// starts from the extreme end; excl skips an entry exactly equal to k.
func (c *cur) position(k []byte, forward, excl bool) (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	probe := bytes.Clone(k)

	var bit iterator.Iterator
	if c.t != nil {
		bit = c.t.snap.NewIterator(nil, nil)
	} else {
		bit = c.db.ldb.NewIterator(nil, nil)
	}
	defer bit.Release()
	bok := baseSeek(bit, probe, forward)
	// the meta slot is invisible to cursors
	for bok && bytes.Equal(bit.Key(), metaKey) {
		bok = baseStep(bit, forward)
	}

	var (
		oit btree.IterG[overItem]
		ook bool
	)
	if c.t != nil {
		oit = c.t.over.Iter()
		defer oit.Release()
		ook = overSeek(&oit, probe, forward)
	}

	for {
		if !bok && !ook {
			c.drop()
			return false, mapErr(bit.Error())
		}
		useOver := false
		switch {
		case !bok:
			useOver = true
		case !ook:
			useOver = false
		default:
			cmp := bytes.Compare(oit.Item().key, bit.Key())
			if !forward {
				cmp = -cmp
			}
			useOver = cmp <= 0
		}
		if useOver {
			o := oit.Item()
			if bok && bytes.Equal(bit.Key(), o.key) {
				bok = baseStep(bit, forward)
			}
			if o.del || (excl && bytes.Equal(o.key, probe)) {
				ook = overStep(&oit, forward)
				continue
			}
			c.hold(o.key, o.val)
			return true, nil
		}
		bk := bit.Key()
		if excl && bytes.Equal(bk, probe) {
			bok = baseStep(bit, forward)
			continue
		}
		c.hold(bk, bit.Value())
		return true, nil
	}
}

func baseStep(it iterator.Iterator, forward bool) bool {
	var ok bool
	if forward {
		ok = it.Next()
	} else {
		ok = it.Prev()
	}
	for ok && bytes.Equal(it.Key(), metaKey) {
		if forward {
			ok = it.Next()
		} else {
			ok = it.Prev()
		}
	}
	return ok
}

func overStep(it *btree.IterG[overItem], forward bool) bool {
	if forward {
		return it.Next()
	}
	return it.Prev()
}

func (c *cur) SeekGE(k []byte) (bool, error) { return c.position(k, true, false) }
func (c *cur) SeekLE(k []byte) (bool, error) { return c.position(k, false, false) }
func (c *cur) First() (bool, error)          { return c.position(nil, true, false) }
func (c *cur) Last() (bool, error)           { return c.position(nil, false, false) }

func (c *cur) Next() (bool, error) {
	if !c.valid {
		return false, kv.ErrMisuse
	}
	return c.position(c.k, true, true)
}

func (c *cur) Prev() (bool, error) {
	if !c.valid {
		return false, kv.ErrMisuse
	}
	return c.position(c.k, false, true)
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
	if c.t == nil {
		return kv.ErrReadOnly
	}
	c.t.over.Set(overItem{key: bytes.Clone(k), val: bytes.Clone(v)})
	return nil
}

func (c *cur) Remove(k []byte) error {
	if err := c.live(); err != nil {
		return err
	}
	if c.t == nil {
		return kv.ErrReadOnly
	}
	if o, ok := c.t.over.Get(overItem{key: k}); ok {
		if o.del {
			return kv.ErrNotFound
		}
	} else {
		if _, err := c.t.snap.Get(k, nil); err != nil {
			return mapErr(err)
		}
	}
	c.t.over.Set(overItem{key: bytes.Clone(k), del: true})
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
