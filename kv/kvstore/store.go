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
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/ordkv/ordkv/kv"
)

// levelTxn pairs a native write transaction with the native cursor used for
// all writes at that nesting level.
type levelTxn struct {
	txn      kv.Txn
	csr      kv.NativeCursor
	prepared bool
}

// store is one KV connection. Not safe for concurrent use; the resource
// directory is the only shared structure it touches.
//
// Invariants: txns[0] and txns[1] are always nil; txns[i] for 2 <= i <= lvl
// is non-nil; txns[i] for i > lvl is nil; readCsr is nil while any write
// transaction is open.
type store struct {
	ctx   *EngineContext
	drv   kv.Driver
	entry *dirEntry
	name  string

	db   kv.DB
	sess kv.Session

	lvl     int
	txns    [kv.MaxTransDepth + 1]*levelTxn
	readCsr kv.NativeCursor

	keyCap  int
	valCap  int
	nCursor int

	iMeta  uint32 // schema cookie cache, refreshed on GetMeta/PutMeta
	closed bool
	logger log.Logger
}

// Open creates a KV connection to the named store, sharing the native
// env/db with every other connection using the same name through ctx's
// resource directory. ctx == nil selects the default context.
func Open(ctx *EngineContext, drv kv.Driver, name string, opts kv.EnvOptions) (kv.Store, error) {
	if ctx == nil {
		ctx = DefaultContext()
	}
	logger := ctx.logger.New("store", name, "backend", drv.Name())

	e := ctx.acquire(name)
	if e.env == nil {
		env, err := drv.OpenEnv(opts)
		if err != nil {
			markDead(e)
			ctx.release(e)
			ctx.reap(e)
			return nil, err
		}
		e.env = env
	}
	if e.db == nil {
		db, err := e.env.OpenDB(name)
		if err != nil {
			if e.refs == 0 {
				closeQuiet(logger, "env", e.env.Close)
				e.env = nil
				e.dead = true
			}
			ctx.release(e)
			ctx.reap(e)
			return nil, err
		}
		e.db = db
	}
	sess, err := e.db.NewSession()
	if err != nil {
		if e.refs == 0 {
			closeQuiet(logger, "db", e.db.Close)
			closeQuiet(logger, "env", e.env.Close)
			e.db, e.env = nil, nil
			e.dead = true
		}
		ctx.release(e)
		ctx.reap(e)
		return nil, err
	}
	e.refs++

	keyCap, valCap := ctx.BufferCaps()
	if opts.KeyBufferCap > 0 {
		keyCap = opts.KeyBufferCap
	}
	if opts.ValueBufferCap > 0 {
		valCap = opts.ValueBufferCap
	}
	s := &store{
		ctx:    ctx,
		drv:    drv,
		entry:  e,
		name:   name,
		db:     e.db,
		sess:   sess,
		keyCap: keyCap,
		valCap: valCap,
		logger: logger,
	}
	ctx.release(e)
	logger.Debug("kv store opened")
	return s, nil
}

// markDead flags an entry that never got an env; used on first-open failure.
func markDead(e *dirEntry) {
	if e.refs == 0 && e.env == nil {
		e.dead = true
	}
}

func closeQuiet(logger log.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed", "what", what, "err", err)
	}
}

func (s *store) Close() error {
	if s.closed {
		return kv.ErrMisuse
	}
	s.closed = true

	if s.readCsr != nil {
		closeQuiet(s.logger, "read cursor", s.readCsr.Close)
		s.readCsr = nil
	}
	for i := s.lvl; i >= 2; i-- {
		lt := s.txns[i]
		if lt == nil {
			continue
		}
		closeQuiet(s.logger, "txn cursor", lt.csr.Close)
		closeQuiet(s.logger, "txn abort", lt.txn.Abort)
		s.txns[i] = nil
	}
	s.lvl = 0
	closeQuiet(s.logger, "session", s.sess.Close)

	e := s.entry
	e.lock()
	e.refs--
	dead := false
	if e.refs == 0 {
		if e.db != nil {
			closeQuiet(s.logger, "db", e.db.Close)
			e.db = nil
		}
		if e.env != nil {
			closeQuiet(s.logger, "env", e.env.Close)
			e.env = nil
		}
		e.dead = true
		dead = true
	}
	e.unlock()
	if dead {
		s.ctx.reap(e)
	}
	s.logger.Debug("kv store closed")
	return nil
}

func (s *store) TransLevel() int { return s.lvl }

// readView resolves the native cursor the connection's reads go through:
// the deepest write-level cursor when a write transaction is open, the
// shared read cursor otherwise (created lazily).
func (s *store) readView() (kv.NativeCursor, error) {
	if s.closed {
		return nil, kv.ErrMisuse
	}
	if s.lvl >= 2 {
		lt := s.txns[s.lvl]
		if lt == nil {
			return nil, kv.ErrMisuse
		}
		return lt.csr, nil
	}
	if s.readCsr == nil {
		csr, err := s.sess.NewReadCursor()
		if err != nil {
			return nil, err
		}
		s.readCsr = csr
	}
	return s.readCsr, nil
}

func (s *store) Begin(lvl int) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if lvl < 0 || lvl > kv.MaxTransDepth {
		return kv.ErrMisuse
	}
	BeginCount.Inc()
	if lvl <= 1 {
		if s.lvl < 2 {
			if _, err := s.readView(); err != nil {
				return err
			}
		}
		if lvl > s.lvl {
			s.lvl = lvl
		}
		return nil
	}

	// A write transaction is coming up: the shared read cursor must not
	// survive it.
	if s.readCsr != nil {
		closeQuiet(s.logger, "read cursor", s.readCsr.Close)
		s.readCsr = nil
	}
	for i := 2; i <= lvl; i++ {
		if s.txns[i] != nil {
			continue
		}
		var parent kv.Txn
		if i > 2 && s.txns[i-1] != nil {
			parent = s.txns[i-1].txn
		}
		txn, err := s.sess.Begin(parent)
		if err != nil {
			return err
		}
		csr, err := txn.NewCursor()
		if err != nil {
			closeQuiet(s.logger, "txn abort", txn.Abort)
			return err
		}
		s.txns[i] = &levelTxn{txn: txn, csr: csr}
	}
	if lvl > s.lvl {
		s.lvl = lvl
	}
	return nil
}

func (s *store) CommitPhaseOne(lvl int) error {
	return s.commitPhaseOne(lvl, nil)
}

func (s *store) CommitPhaseOneXID(lvl int, xid []byte) error {
	return s.commitPhaseOne(lvl, xid)
}

func (s *store) commitPhaseOne(lvl int, xid []byte) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if lvl < 0 {
		return kv.ErrMisuse
	}
	if s.lvl <= lvl || s.lvl < 2 {
		return nil
	}
	// Level 1 is the read level; the candidate above level 0 or 1 is the
	// outermost write transaction at level 2.
	ci := lvl + 1
	if ci < 2 {
		ci = 2
	}
	cand := s.txns[ci]
	if cand == nil {
		return nil
	}
	// Only the outermost open transaction is prepared: a surviving
	// ancestor below the candidate means it is nested and phase one is a
	// no-op for it.
	for i := ci - 1; i >= 2; i-- {
		if s.txns[i] != nil {
			return nil
		}
	}
	defer CommitPhaseOne.UpdateDuration(time.Now())
	if err := cand.txn.Prepare(xid); err != nil {
		return err
	}
	cand.prepared = true
	return nil
}

func (s *store) CommitPhaseTwo(lvl int) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if lvl < 0 {
		return kv.ErrMisuse
	}
	if s.lvl > lvl && s.lvl >= 2 {
		defer CommitPhaseTwo.UpdateDuration(time.Now())
		// Children first, deepest down: each nested commit folds its
		// effects into the parent, the final commit of the outermost level
		// above lvl (level 2 when lvl <= 1) publishes the whole subtree
		// atomically.
		for i := s.lvl; i > lvl+1; i-- {
			lt := s.txns[i]
			if lt == nil {
				continue
			}
			closeQuiet(s.logger, "txn cursor", lt.csr.Close)
			if err := lt.txn.Commit(); err != nil {
				return err
			}
			s.txns[i] = nil
			s.lvl = i - 1
		}
		lt := s.txns[lvl+1]
		if lt != nil {
			closeQuiet(s.logger, "txn cursor", lt.csr.Close)
			if err := lt.txn.Commit(); err != nil {
				return err
			}
			s.txns[lvl+1] = nil
		}
	}
	if lvl == 0 && s.readCsr != nil {
		closeQuiet(s.logger, "read cursor", s.readCsr.Close)
		s.readCsr = nil
	}
	if lvl < s.lvl {
		s.lvl = lvl
	}
	return nil
}

func (s *store) Rollback(lvl int) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if lvl < 0 || lvl > s.lvl && lvl >= 2 {
		return kv.ErrMisuse
	}
	RollbackCount.Inc()
	var firstErr error
	if s.lvl >= lvl && s.lvl >= 2 {
		low := lvl
		if low < 2 {
			low = 2
		}
		for i := s.lvl; i >= low; i-- {
			lt := s.txns[i]
			if lt == nil {
				continue
			}
			closeQuiet(s.logger, "txn cursor", lt.csr.Close)
			if err := lt.txn.Abort(); err != nil && firstErr == nil {
				firstErr = err
			}
			s.txns[i] = nil
		}
	}
	if lvl == 0 && s.readCsr != nil {
		closeQuiet(s.logger, "read cursor", s.readCsr.Close)
		s.readCsr = nil
	}
	s.lvl = lvl - 1
	if s.lvl < 0 {
		s.lvl = 0
	}
	// Savepoint restart: the caller must always find a live transaction at
	// the depth it rolled back to.
	if err := s.Begin(lvl); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *store) Revert(lvl int) error {
	if lvl < 1 {
		return kv.ErrMisuse
	}
	return s.Rollback(lvl)
}

func (s *store) Replace(k, v []byte) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if s.lvl < 2 {
		return kv.ErrMisuse
	}
	ReplaceCount.Inc()
	return s.txns[s.lvl].csr.Insert(k, v)
}

// remove deletes k through the current write transaction; the cursor delete
// path funnels through here.
func (s *store) remove(k []byte) error {
	if s.lvl < 2 {
		return kv.ErrMisuse
	}
	return s.txns[s.lvl].csr.Remove(k)
}

func (s *store) OpenCursor() (kv.Cursor, error) {
	if s.closed {
		return nil, kv.ErrMisuse
	}
	// Bind eagerly so backend open errors surface here, not on first seek.
	if _, err := s.readView(); err != nil {
		return nil, err
	}
	s.nCursor++
	return &cursor{
		s:    s,
		kbuf: make([]byte, 0, s.keyCap),
		vbuf: make([]byte, 0, s.valCap),
	}, nil
}

func (s *store) GetMeta() (uint32, error) {
	if s.closed {
		return 0, kv.ErrMisuse
	}
	v, err := s.db.ReadMeta()
	if err != nil {
		return 0, err
	}
	s.iMeta = v
	return v, nil
}

func (s *store) PutMeta(v uint32) error {
	if s.closed {
		return kv.ErrMisuse
	}
	if err := s.db.WriteMeta(v); err != nil {
		return err
	}
	s.iMeta = v
	return nil
}

func (s *store) Control(op kv.ControlOp, arg any) error {
	if s.closed {
		return kv.ErrMisuse
	}
	switch op {
	case kv.ControlGetBufferCaps:
		p, ok := arg.(*[2]int)
		if !ok {
			return kv.ErrMisuse
		}
		p[0], p[1] = s.keyCap, s.valCap
		return nil
	case kv.ControlSetBufferCaps:
		v, ok := arg.([2]int)
		if !ok {
			return kv.ErrMisuse
		}
		if v[0] > 0 {
			s.keyCap = v[0]
		}
		if v[1] > 0 {
			s.valCap = v[1]
		}
		return nil
	default:
		return kv.ErrMisuse
	}
}
