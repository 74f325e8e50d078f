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

package kvcodec

import (
	"encoding/binary"

	"github.com/ordkv/ordkv/kv"
)

// Order-preserving variable-length integer: for any a < b,
// encode(a) < encode(b) under memcmp, regardless of encoded lengths.
//
// Layout by first byte A0:
//   0..240   - value is A0
//   241..248 - 2 bytes, value 241 + 256*(A0-241) + A1, range 241..2287
//   249      - 3 bytes, value 2288 + 256*A1 + A2, range 2288..67823
//   250..255 - 1 + (A0-247) big-endian payload bytes, 3..8 of them

// PutVarint appends the encoding of v to dst.
func PutVarint(dst []byte, v uint64) []byte {
	switch {
	case v <= 240:
		return append(dst, byte(v))
	case v <= 2287:
		v -= 241
		return append(dst, byte(241+v/256), byte(v%256))
	case v <= 67823:
		v -= 2288
		return append(dst, 249, byte(v/256), byte(v%256))
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	n := 8
	for n > 3 && tmp[8-n] == 0 {
		n--
	}
	dst = append(dst, byte(247+n))
	return append(dst, tmp[8-n:]...)
}

// Varint decodes a varint from the front of b, returning the value and the
// number of bytes consumed. A malformed or truncated prefix is reported as
// ErrCorrupt: varints only reach the decoder from storage.
func Varint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, kv.ErrCorrupt
	}
	a0 := b[0]
	switch {
	case a0 <= 240:
		return uint64(a0), 1, nil
	case a0 <= 248:
		if len(b) < 2 {
			return 0, 0, kv.ErrCorrupt
		}
		return 241 + 256*uint64(a0-241) + uint64(b[1]), 2, nil
	case a0 == 249:
		if len(b) < 3 {
			return 0, 0, kv.ErrCorrupt
		}
		return 2288 + 256*uint64(b[1]) + uint64(b[2]), 3, nil
	}
	n := int(a0-247) + 1
	if len(b) < n {
		return 0, 0, kv.ErrCorrupt
	}
	var v uint64
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
	}
	return v, n, nil
}

// VarintLen returns the encoded size of v without encoding it.
func VarintLen(v uint64) int {
	switch {
	case v <= 240:
		return 1
	case v <= 2287:
		return 2
	case v <= 67823:
		return 3
	}
	n := 4
	for v > 1<<(8*uint(n-1))-1 {
		n++
	}
	return n
}
