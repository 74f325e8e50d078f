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
	"bytes"

	"github.com/ordkv/ordkv/kv"
)

// cursor is a handle over the connection's current view. It records its
// position as a key (anchor) rather than pinning a native iterator, so it
// survives transaction-level changes on the connection: every operation
// resolves the right native cursor through store.readView.
//
// positioned: Key/Data are legal. !positioned with a valid anchor is the
// ghost state after Delete: Next/Prev land on the neighbour in that
// direction.
type cursor struct {
	s *store

	kbuf []byte // cached key; valid when hasCache
	vbuf []byte // cached value; valid when hasCache

	anchor      []byte // current position (or ghost) key
	anchorValid bool
	positioned  bool

	hasCache bool
	eof      bool
	lastDir  kv.SeekDir
	closed   bool
}

func (c *cursor) live() error {
	if c.closed || c.s.closed {
		return kv.ErrMisuse
	}
	return nil
}

// setPos records the native cursor's current entry as the cursor position.
func (c *cursor) setPos(nc kv.NativeCursor) error {
	k, err := nc.Key()
	if err != nil {
		return err
	}
	c.anchor = append(c.anchor[:0], k...)
	c.anchorValid = true
	c.positioned = true
	return nil
}

func (c *cursor) Seek(k []byte, dir int) error {
	if err := c.live(); err != nil {
		return err
	}
	SeekCount.Inc()
	c.hasCache = false
	c.positioned = false
	c.anchorValid = false
	c.eof = true
	c.lastDir = kv.SeekNone

	nc, err := c.s.readView()
	if err != nil {
		return err
	}
	switch {
	case dir == 0:
		found, err := nc.SeekGE(k)
		if err != nil {
			return err
		}
		if found {
			cur, err := nc.Key()
			if err != nil {
				return err
			}
			if bytes.Equal(cur, k) {
				if err := c.setPos(nc); err != nil {
					return err
				}
				c.eof = false
				c.lastDir = kv.SeekEQ
				return nil
			}
		}
		return kv.ErrNotFound

	case dir > 0:
		found, err := nc.SeekGE(k)
		if err != nil {
			return err
		}
		if !found {
			return kv.ErrNotFound
		}
		cur, err := nc.Key()
		if err != nil {
			return err
		}
		// A backend may position short of the target; walk forward until
		// the current key is >= target.
		for bytes.Compare(cur, k) < 0 {
			ok, err := nc.Next()
			if err != nil {
				return err
			}
			if !ok {
				return kv.ErrNotFound
			}
			if cur, err = nc.Key(); err != nil {
				return err
			}
		}
		if err := c.setPos(nc); err != nil {
			return err
		}
		c.eof = false
		c.lastDir = kv.SeekGE
		if bytes.Equal(cur, k) {
			return nil
		}
		return kv.ErrInexact

	default:
		found, err := nc.SeekLE(k)
		if err != nil {
			return err
		}
		if !found {
			return kv.ErrNotFound
		}
		cur, err := nc.Key()
		if err != nil {
			return err
		}
		for bytes.Compare(cur, k) > 0 {
			ok, err := nc.Prev()
			if err != nil {
				return err
			}
			if !ok {
				return kv.ErrNotFound
			}
			if cur, err = nc.Key(); err != nil {
				return err
			}
		}
		if err := c.setPos(nc); err != nil {
			return err
		}
		c.eof = false
		c.lastDir = kv.SeekLE
		if bytes.Equal(cur, k) {
			return nil
		}
		return kv.ErrInexact
	}
}

func (c *cursor) Next() error {
	if err := c.live(); err != nil {
		return err
	}
	switch c.lastDir {
	case kv.SeekNone, kv.SeekEQ, kv.SeekGE, kv.SeekGT:
	default:
		return kv.ErrMismatch
	}
	if c.eof {
		return kv.ErrMisuse
	}
	NextCount.Inc()
	c.hasCache = false

	nc, err := c.s.readView()
	if err != nil {
		return err
	}
	var ok bool
	if c.anchorValid {
		// Step strictly past the anchor. After a delete the anchor is a
		// ghost: SeekGE already lands past it.
		if ok, err = nc.SeekGE(c.anchor); err != nil {
			return err
		}
		if ok {
			cur, kerr := nc.Key()
			if kerr != nil {
				return kerr
			}
			if bytes.Equal(cur, c.anchor) {
				if ok, err = nc.Next(); err != nil {
					return err
				}
			}
		}
	} else {
		if ok, err = nc.First(); err != nil {
			return err
		}
	}
	if !ok {
		c.eof = true
		c.positioned = false
		c.anchorValid = false
		return kv.ErrNotFound
	}
	return c.setPos(nc)
}

func (c *cursor) Prev() error {
	if err := c.live(); err != nil {
		return err
	}
	switch c.lastDir {
	case kv.SeekNone, kv.SeekEQ, kv.SeekLE, kv.SeekLT:
	default:
		return kv.ErrMismatch
	}
	if c.eof {
		return kv.ErrMisuse
	}
	PrevCount.Inc()
	c.hasCache = false

	nc, err := c.s.readView()
	if err != nil {
		return err
	}
	var ok bool
	if c.anchorValid {
		if ok, err = nc.SeekLE(c.anchor); err != nil {
			return err
		}
		if ok {
			cur, kerr := nc.Key()
			if kerr != nil {
				return kerr
			}
			if bytes.Equal(cur, c.anchor) {
				if ok, err = nc.Prev(); err != nil {
					return err
				}
			}
		}
	} else {
		if ok, err = nc.Last(); err != nil {
			return err
		}
	}
	if !ok {
		c.eof = true
		c.positioned = false
		c.anchorValid = false
		return kv.ErrNotFound
	}
	return c.setPos(nc)
}

// load pulls the current entry's key and value into the cursor buffers.
func (c *cursor) load() error {
	if !c.positioned {
		return kv.ErrMisuse
	}
	nc, err := c.s.readView()
	if err != nil {
		return err
	}
	found, err := nc.SeekGE(c.anchor)
	if err != nil {
		return err
	}
	if !found {
		return kv.ErrNotFound
	}
	k, err := nc.Key()
	if err != nil {
		return err
	}
	if !bytes.Equal(k, c.anchor) {
		return kv.ErrNotFound
	}
	v, err := nc.Value()
	if err != nil {
		return err
	}
	c.kbuf = append(c.kbuf[:0], k...)
	c.vbuf = append(c.vbuf[:0], v...)
	c.hasCache = true
	return nil
}

func (c *cursor) Key() ([]byte, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if !c.hasCache {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	return c.kbuf, nil
}

func (c *cursor) Data(ofst, n int) ([]byte, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if ofst < 0 {
		return nil, kv.ErrMisuse
	}
	if !c.hasCache {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	v := c.vbuf
	if n < 0 {
		return v, nil
	}
	if ofst > len(v) {
		ofst = len(v)
	}
	end := ofst + n
	if end > len(v) {
		end = len(v)
	}
	return v[ofst:end], nil
}

func (c *cursor) Delete() error {
	if err := c.live(); err != nil {
		return err
	}
	if !c.positioned {
		return kv.ErrMisuse
	}
	DeleteCount.Inc()
	c.hasCache = false
	if err := c.s.remove(c.anchor); err != nil {
		return err
	}
	// Ghost position: the anchor stays as the stepping bound, but the
	// entry under it is gone.
	c.positioned = false
	return nil
}

func (c *cursor) Reset() error {
	if err := c.live(); err != nil {
		return err
	}
	c.hasCache = false
	c.eof = false
	c.lastDir = kv.SeekNone
	c.positioned = false
	c.anchorValid = false
	if c.s.lvl < 2 && c.s.readCsr != nil {
		return c.s.readCsr.Reset()
	}
	return nil
}

func (c *cursor) Close() error {
	if c.closed {
		return kv.ErrMisuse
	}
	c.closed = true
	c.kbuf = nil
	c.vbuf = nil
	c.anchor = nil
	s := c.s
	s.nCursor--
	// Last handle out releases the shared read cursor; the connection
	// recreates it lazily.
	if s.nCursor == 0 && !s.closed && s.readCsr != nil && s.lvl < 2 {
		closeQuiet(s.logger, "read cursor", s.readCsr.Close)
		s.readCsr = nil
	}
	return nil
}
