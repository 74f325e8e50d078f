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

package vdbe

import (
	"github.com/ordkv/ordkv/kv"
	"github.com/ordkv/ordkv/kv/kvcodec"
)

// Cursor is one slot of the VM's cursor table: a storage-unit binding plus
// a lazily opened KV cursor.
type Cursor struct {
	v        *Vdbe
	id       int
	rootID   uint64
	ki       *kvcodec.KeyInfo
	prefix   []byte // root varint, the storage unit's common key prefix
	writable bool

	needSeq bool
	seq     uint64

	csr kv.Cursor
	eof bool
}

// OpenRead allocates cursor slot id over the given storage unit.
func (v *Vdbe) OpenRead(id int, root uint64, ki *kvcodec.KeyInfo) (*Cursor, error) {
	return v.openCursor(id, root, ki, false)
}

// OpenWrite is OpenRead plus permission to insert and delete.
func (v *Vdbe) OpenWrite(id int, root uint64, ki *kvcodec.KeyInfo) (*Cursor, error) {
	return v.openCursor(id, root, ki, true)
}

func (v *Vdbe) openCursor(id int, root uint64, ki *kvcodec.KeyInfo, writable bool) (*Cursor, error) {
	if err := v.CheckInterrupt(); err != nil {
		return nil, err
	}
	if old := v.cursors[id]; old != nil {
		if err := old.close(); err != nil {
			return nil, err
		}
	}
	c := &Cursor{
		v:        v,
		id:       id,
		rootID:   root,
		ki:       ki,
		prefix:   kvcodec.PutVarint(nil, root),
		writable: writable,
	}
	v.cursors[id] = c
	return c, nil
}

// Cursor returns the cursor in slot id.
func (v *Vdbe) Cursor(id int) (*Cursor, error) {
	c := v.cursors[id]
	if c == nil {
		return nil, kv.ErrMisuse
	}
	return c, nil
}

// CloseCursor releases slot id.
func (v *Vdbe) CloseCursor(id int) error {
	c := v.cursors[id]
	if c == nil {
		return nil
	}
	delete(v.cursors, id)
	return c.close()
}

// kvCursor opens the backend cursor on first use.
func (c *Cursor) kvCursor() (kv.Cursor, error) {
	if c.csr == nil {
		csr, err := c.v.store.OpenCursor()
		if err != nil {
			return nil, err
		}
		c.csr = csr
	}
	return c.csr, nil
}

func (c *Cursor) close() error {
	if c.csr == nil {
		return nil
	}
	csr := c.csr
	c.csr = nil
	return csr.Close()
}

// SetNeedSeq marks the cursor as sort material: MakeKey appends a sequence
// suffix so equal keys stay distinct.
func (c *Cursor) SetNeedSeq(need bool) { c.needSeq = need }

// nextSeq returns the next suffix value; strictly monotonic within the
// cursor's lifetime.
func (c *Cursor) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// EOF reports whether the last positioning operation ran off the storage
// unit.
func (c *Cursor) EOF() bool { return c.eof }
