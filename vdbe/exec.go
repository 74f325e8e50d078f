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

// Package vdbe adapts the SQL virtual machine's data-modification, lookup
// and transaction opcodes onto the ordered KV store: key/record encoding at
// the register boundary, cursor navigation, savepoints and the schema
// cookie. Opcodes that never touch storage (arithmetic, string ops,
// aggregates) live with the VM itself, not here.
package vdbe

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/ledgerwatch/log/v3"

	"github.com/ordkv/ordkv/kv"
	"github.com/ordkv/ordkv/kv/kvcodec"
)

var (
	// ErrExpired - the schema cookie moved under a prepared statement; the
	// statement must be recompiled.
	ErrExpired = errors.New("prepared statement expired: schema changed")

	// ErrInterrupted - the connection was interrupted between opcodes.
	ErrInterrupted = errors.New("interrupted")
)

// Vdbe drives one KV connection on behalf of the SQL VM. Like the
// connection it wraps, it belongs to a single goroutine; only Interrupt may
// be called from another one.
type Vdbe struct {
	store  kv.Store
	logger log.Logger

	cursors       map[int]*Cursor
	savepoints    []savepoint
	nDeferredCons int
	stmtLevel     int

	interrupted atomic.Bool
}

func New(store kv.Store, logger log.Logger) *Vdbe {
	return &Vdbe{
		store:   store,
		logger:  logger,
		cursors: make(map[int]*Cursor),
	}
}

func (v *Vdbe) Store() kv.Store { return v.store }

// Interrupt requests a halt; the next opcode dispatch observes it.
func (v *Vdbe) Interrupt() { v.interrupted.Store(true) }

// CheckInterrupt is called on opcode entry.
func (v *Vdbe) CheckInterrupt() error {
	if v.interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// Transaction enters a read transaction (write == false) or ensures a write
// transaction at the depth the savepoint stack implies. needStatement opens
// an extra statement-level sub-transaction so a partially failing statement
// can be undone without touching the surrounding user transaction.
func (v *Vdbe) Transaction(write, needStatement bool) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	if !write {
		return v.store.Begin(1)
	}
	if len(v.savepoints) == 0 {
		v.savepoints = append(v.savepoints, savepoint{deferredCons: v.nDeferredCons})
	}
	lvl := len(v.savepoints) + 1
	if lvl < 2 {
		lvl = 2
	}
	if err := v.store.Begin(lvl); err != nil {
		return err
	}
	if needStatement && v.stmtLevel == 0 {
		sl := v.store.TransLevel() + 1
		if err := v.store.Begin(sl); err != nil {
			return err
		}
		v.stmtLevel = sl
	}
	return nil
}

// EndStatement closes the statement sub-transaction, folding it into the
// user transaction or undoing it.
func (v *Vdbe) EndStatement(commit bool) error {
	if v.stmtLevel == 0 {
		return nil
	}
	sl := v.stmtLevel
	v.stmtLevel = 0
	if commit {
		return v.store.CommitPhaseTwo(sl - 1)
	}
	if err := v.store.Rollback(sl); err != nil {
		return err
	}
	// The rollback restarted an empty transaction at the statement level;
	// fold it away.
	return v.store.CommitPhaseTwo(sl - 1)
}

// MakeKey coerces the fields under the cursor's affinities and encodes the
// probe/storage key. addSeq (or a sort cursor) appends the sequence suffix.
func (v *Vdbe) MakeKey(c *Cursor, vals []kvcodec.Value, aff []Affinity, addSeq bool) ([]byte, error) {
	coerced := applyAffinities(vals, aff)
	key, err := kvcodec.EncodeKey(nil, c.rootID, coerced, c.ki)
	if err != nil {
		return nil, err
	}
	if addSeq || c.needSeq {
		key = kvcodec.AppendSeq(key, c.nextSeq())
	}
	return key, nil
}

// MakeRecord coerces and encodes a data record.
func (v *Vdbe) MakeRecord(vals []kvcodec.Value, aff []Affinity, permute []int) ([]byte, error) {
	return kvcodec.EncodeData(nil, applyAffinities(vals, aff), permute)
}

// MakeKeyRecord is the fused MakeKey+MakeRecord pair: one coercion pass
// feeds both encodings. nKey fields form the key, all fields the record.
func (v *Vdbe) MakeKeyRecord(c *Cursor, vals []kvcodec.Value, aff []Affinity, nKey int) (key, rec []byte, err error) {
	coerced := applyAffinities(vals, aff)
	if nKey > len(coerced) {
		nKey = len(coerced)
	}
	key, err = kvcodec.EncodeKey(nil, c.rootID, coerced[:nKey], c.ki)
	if err != nil {
		return nil, nil, err
	}
	if c.needSeq {
		key = kvcodec.AppendSeq(key, c.nextSeq())
	}
	rec, err = kvcodec.EncodeData(nil, coerced, nil)
	if err != nil {
		return nil, nil, err
	}
	return key, rec, nil
}

// Insert writes an already-encoded key/record pair through the cursor's
// storage unit.
func (v *Vdbe) Insert(c *Cursor, key, rec []byte) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	if !c.writable {
		return kv.ErrReadOnly
	}
	return v.store.Replace(key, rec)
}

// InsertIntKey is Insert for rowid tables: the key is the root varint plus
// the integer primary key.
func (v *Vdbe) InsertIntKey(c *Cursor, pk int64, rec []byte) error {
	key, err := kvcodec.EncodeKey(nil, c.rootID, []kvcodec.Value{kvcodec.Int(pk)}, c.ki)
	if err != nil {
		return err
	}
	return v.Insert(c, key, rec)
}

// Delete removes the row under the cursor; the cursor must have been
// positioned by a prior seek or step.
func (v *Vdbe) Delete(c *Cursor) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	if !c.writable {
		return kv.ErrReadOnly
	}
	csr, err := c.kvCursor()
	if err != nil {
		return err
	}
	return csr.Delete()
}

// Seek positions the cursor relative to an encoded probe. GT and LE are
// derived by appending a 0xff sentinel, so probes that are prefixes of
// stored keys land on the right side of their extension block. A landing
// outside the cursor's storage unit reports ErrNotFound.
func (v *Vdbe) Seek(c *Cursor, probe []byte, dir kv.SeekDir) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	csr, err := c.kvCursor()
	if err != nil {
		return err
	}
	c.eof = false
	var serr error
	switch dir {
	case kv.SeekEQ:
		serr = csr.Seek(probe, 0)
	case kv.SeekGE:
		serr = csr.Seek(probe, 1)
	case kv.SeekGT:
		p := append(bytes.Clone(probe), 0xff)
		serr = csr.Seek(p, 1)
	case kv.SeekLE:
		p := append(bytes.Clone(probe), 0xff)
		serr = csr.Seek(p, -1)
	case kv.SeekLT:
		serr = csr.Seek(probe, -1)
		if serr == nil {
			// exact hit; strictly-less wants the predecessor
			if perr := csr.Prev(); perr != nil {
				serr = perr
			} else {
				serr = kv.ErrInexact
			}
		}
	default:
		return kv.ErrMisuse
	}
	if errors.Is(serr, kv.ErrNotFound) {
		c.eof = true
		return kv.ErrNotFound
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return serr
	}
	if rerr := v.guardRoot(c, csr); rerr != nil {
		return rerr
	}
	return serr
}

// guardRoot translates a landing in a neighbouring storage unit into
// ErrNotFound.
func (v *Vdbe) guardRoot(c *Cursor, csr kv.Cursor) error {
	key, err := csr.Key()
	if err != nil {
		return err
	}
	root, _, err := kvcodec.DecodeRoot(key)
	if err != nil {
		return err
	}
	if root != c.rootID {
		c.eof = true
		return kv.ErrNotFound
	}
	return nil
}

// Found seeks GE on the probe and reports whether the landing key starts
// with the probe's bytes (exact prefix match).
func (v *Vdbe) Found(c *Cursor, probe []byte) (bool, error) {
	csr, err := c.kvCursor()
	if err != nil {
		return false, err
	}
	serr := csr.Seek(probe, 1)
	if errors.Is(serr, kv.ErrNotFound) {
		c.eof = true
		return false, nil
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return false, serr
	}
	key, err := csr.Key()
	if err != nil {
		return false, err
	}
	return bytes.HasPrefix(key, probe), nil
}

// NotFound is Found with the jump sense inverted.
func (v *Vdbe) NotFound(c *Cursor, probe []byte) (bool, error) {
	found, err := v.Found(c, probe)
	return !found, err
}

// NotExists does an exact-match probe for rowid lookups.
func (v *Vdbe) NotExists(c *Cursor, probe []byte) (bool, error) {
	err := v.Seek(c, probe, kv.SeekEQ)
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// IsUnique probes the index on the non-PK fields. On an exact short-prefix
// match the stored primary key is returned and unique is false (the caller
// does not jump); otherwise unique is true.
func (v *Vdbe) IsUnique(c *Cursor, vals []kvcodec.Value, aff []Affinity) (unique bool, pk int64, err error) {
	short, err := v.MakeKey(c, vals, aff, false)
	if err != nil {
		return false, 0, err
	}
	csr, err := c.kvCursor()
	if err != nil {
		return false, 0, err
	}
	serr := csr.Seek(short, 1)
	if errors.Is(serr, kv.ErrNotFound) {
		c.eof = true
		return true, 0, nil
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return false, 0, serr
	}
	key, err := csr.Key()
	if err != nil {
		return false, 0, err
	}
	if !bytes.HasPrefix(key, short) {
		return true, 0, nil
	}
	pk, _, err = kvcodec.DecodeInt(key[len(short):])
	if err != nil {
		return false, 0, err
	}
	return false, pk, nil
}

// IdxCompare memcmp-compares the current key against the probe up to the
// probe's length; a probe that is a proper prefix of the key compares as
// less than the key. Returns the sign of key - probe.
func (v *Vdbe) IdxCompare(c *Cursor, probe []byte) (int, error) {
	csr, err := c.kvCursor()
	if err != nil {
		return 0, err
	}
	key, err := csr.Key()
	if err != nil {
		return 0, err
	}
	n := len(probe)
	if len(key) < n {
		n = len(key)
	}
	if cmp := bytes.Compare(key[:n], probe[:n]); cmp != 0 {
		return cmp, nil
	}
	switch {
	case len(key) >= len(probe):
		if len(key) == len(probe) {
			return 0, nil
		}
		return 1, nil
	default:
		return -1, nil
	}
}

func (v *Vdbe) IdxGE(c *Cursor, probe []byte) (bool, error) {
	cmp, err := v.IdxCompare(c, probe)
	return cmp >= 0, err
}

func (v *Vdbe) IdxGT(c *Cursor, probe []byte) (bool, error) {
	cmp, err := v.IdxCompare(c, probe)
	return cmp > 0, err
}

func (v *Vdbe) IdxLE(c *Cursor, probe []byte) (bool, error) {
	cmp, err := v.IdxCompare(c, probe)
	return cmp <= 0, err
}

func (v *Vdbe) IdxLT(c *Cursor, probe []byte) (bool, error) {
	cmp, err := v.IdxCompare(c, probe)
	return cmp < 0, err
}

// Next advances the cursor; eof is true once it runs off the storage unit.
func (v *Vdbe) Next(c *Cursor) (eof bool, err error) {
	return v.step(c, true)
}

// Prev is the backward counterpart of Next.
func (v *Vdbe) Prev(c *Cursor) (eof bool, err error) {
	return v.step(c, false)
}

func (v *Vdbe) step(c *Cursor, forward bool) (bool, error) {
	if err := v.CheckInterrupt(); err != nil {
		return false, err
	}
	csr, err := c.kvCursor()
	if err != nil {
		return false, err
	}
	if forward {
		err = csr.Next()
	} else {
		err = csr.Prev()
	}
	if errors.Is(err, kv.ErrNotFound) {
		c.eof = true
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rerr := v.guardRoot(c, csr); rerr != nil {
		if errors.Is(rerr, kv.ErrNotFound) {
			return true, nil
		}
		return false, rerr
	}
	return false, nil
}

// Rewind positions at the first row of the storage unit.
func (v *Vdbe) Rewind(c *Cursor) (eof bool, err error) {
	serr := v.Seek(c, c.prefix, kv.SeekGE)
	if errors.Is(serr, kv.ErrNotFound) {
		return true, nil
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return false, serr
	}
	return false, nil
}

// Last positions at the final row of the storage unit.
func (v *Vdbe) Last(c *Cursor) (eof bool, err error) {
	ub := append(bytes.Clone(c.prefix), 0xff)
	csr, cerr := c.kvCursor()
	if cerr != nil {
		return false, cerr
	}
	c.eof = false
	serr := csr.Seek(ub, -1)
	if errors.Is(serr, kv.ErrNotFound) {
		c.eof = true
		return true, nil
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return false, serr
	}
	if rerr := v.guardRoot(c, csr); rerr != nil {
		if errors.Is(rerr, kv.ErrNotFound) {
			return true, nil
		}
		return false, rerr
	}
	return false, nil
}

// RowKey returns the current row's full key bytes.
func (v *Vdbe) RowKey(c *Cursor) ([]byte, error) {
	csr, err := c.kvCursor()
	if err != nil {
		return nil, err
	}
	return csr.Key()
}

// RowData returns the current row's record bytes.
func (v *Vdbe) RowData(c *Cursor) ([]byte, error) {
	csr, err := c.kvCursor()
	if err != nil {
		return nil, err
	}
	return csr.Data(0, -1)
}

// Column decodes one field of the current record.
func (v *Vdbe) Column(c *Cursor, i int) (kvcodec.Value, error) {
	rec, err := v.RowData(c)
	if err != nil {
		return kvcodec.Value{}, err
	}
	return kvcodec.Column(rec, i)
}

// Rowid decodes the integer primary key trailing the root varint of the
// current key.
func (v *Vdbe) Rowid(c *Cursor) (int64, error) {
	key, err := v.RowKey(c)
	if err != nil {
		return 0, err
	}
	_, n, err := kvcodec.DecodeRoot(key)
	if err != nil {
		return 0, err
	}
	pk, _, err := kvcodec.DecodeInt(key[n:])
	if err != nil {
		return 0, err
	}
	return pk, nil
}

// NewRowid finds the largest rowid in the cursor's table and returns one
// past it, 1 for an empty table, ErrFull on i64 overflow.
func (v *Vdbe) NewRowid(c *Cursor) (int64, error) {
	if err := v.CheckInterrupt(); err != nil {
		return 0, err
	}
	csr, err := c.kvCursor()
	if err != nil {
		return 0, err
	}
	ub := append(bytes.Clone(c.prefix), 0xff)
	serr := csr.Seek(ub, -1)
	if errors.Is(serr, kv.ErrNotFound) {
		return 1, nil
	}
	if serr != nil && !errors.Is(serr, kv.ErrInexact) {
		return 0, serr
	}
	key, err := csr.Key()
	if err != nil {
		return 0, err
	}
	root, n, err := kvcodec.DecodeRoot(key)
	if err != nil {
		return 0, err
	}
	if root != c.rootID {
		return 1, nil
	}
	pk, _, err := kvcodec.DecodeInt(key[n:])
	if err != nil {
		return 0, err
	}
	next, over := kvcodec.SafeIncInt64(pk)
	if over {
		return 0, kv.ErrFull
	}
	return next, nil
}

// NewIdxid allocates the next unused root across the whole database: one
// past the larger of the caller's running register value and the largest
// root present.
func (v *Vdbe) NewIdxid(cur uint64) (uint64, error) {
	if err := v.CheckInterrupt(); err != nil {
		return 0, err
	}
	csr, err := v.store.OpenCursor()
	if err != nil {
		return 0, err
	}
	defer csr.Close()
	maxRoot := uint64(0)
	serr := csr.Seek([]byte{0xff, 0xff}, -1)
	if serr == nil || errors.Is(serr, kv.ErrInexact) {
		key, kerr := csr.Key()
		if kerr != nil {
			return 0, kerr
		}
		root, _, rerr := kvcodec.DecodeRoot(key)
		if rerr != nil {
			return 0, rerr
		}
		maxRoot = root
	} else if !errors.Is(serr, kv.ErrNotFound) {
		return 0, serr
	}
	if cur > maxRoot {
		maxRoot = cur
	}
	next, over := kvcodec.SafeAdd(maxRoot, 1)
	if over {
		return 0, kv.ErrFull
	}
	return next, nil
}

// Clear deletes every entry of one storage unit.
func (v *Vdbe) Clear(root uint64) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	prefix := kvcodec.PutVarint(nil, root)
	csr, err := v.store.OpenCursor()
	if err != nil {
		return err
	}
	defer csr.Close()
	serr := csr.Seek(prefix, 1)
	for {
		if errors.Is(serr, kv.ErrNotFound) {
			return nil
		}
		if serr != nil && !errors.Is(serr, kv.ErrInexact) {
			return serr
		}
		key, kerr := csr.Key()
		if kerr != nil {
			return kerr
		}
		r, _, rerr := kvcodec.DecodeRoot(key)
		if rerr != nil {
			return rerr
		}
		if r != root {
			return nil
		}
		if derr := csr.Delete(); derr != nil {
			return derr
		}
		serr = csr.Next()
	}
}

// ReadCookie returns the schema cookie.
func (v *Vdbe) ReadCookie() (uint32, error) {
	return v.store.GetMeta()
}

// SetCookie stores a new schema cookie.
func (v *Vdbe) SetCookie(val uint32) error {
	return v.store.PutMeta(val)
}

// VerifyCookie compares the stored cookie against the generation the
// statement was compiled against; a mismatch expires the statement.
func (v *Vdbe) VerifyCookie(expected uint32) error {
	got, err := v.store.GetMeta()
	if err != nil {
		return err
	}
	if got != expected {
		return ErrExpired
	}
	return nil
}

// Close releases every cursor; the store itself belongs to the caller.
func (v *Vdbe) Close() error {
	var firstErr error
	for id, c := range v.cursors {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(v.cursors, id)
	}
	return firstErr
}
