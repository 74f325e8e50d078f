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
	"math"

	"github.com/ordkv/ordkv/kv"
)

// Record (data) encoding. Self-describing, not order-preserving: a varint
// field count, one descriptor per field (type varint, plus a length varint
// for text/blob), then the payloads in field order.
//
// Payloads: int64 as 8 bytes big-endian with the sign bit flipped, float64
// as its IEEE bits big-endian, text/blob raw.
const (
	recNull = 0
	recInt  = 1
	recReal = 2
	recText = 3
	recBlob = 4
)

// EncodeData appends the record encoding of fields to dst. permute, when
// non-nil, selects fields by index in output order.
func EncodeData(dst []byte, fields []Value, permute []int) ([]byte, error) {
	n := len(fields)
	if permute != nil {
		n = len(permute)
	}
	dst = PutVarint(dst, uint64(n))
	pick := func(i int) Value {
		if permute != nil {
			return fields[permute[i]]
		}
		return fields[i]
	}
	for i := 0; i < n; i++ {
		v := pick(i)
		switch v.Type {
		case TypeNull:
			dst = PutVarint(dst, recNull)
		case TypeInt:
			dst = PutVarint(dst, recInt)
		case TypeReal:
			dst = PutVarint(dst, recReal)
		case TypeText:
			dst = PutVarint(dst, recText)
			dst = PutVarint(dst, uint64(len(v.S)))
		case TypeBlob:
			dst = PutVarint(dst, recBlob)
			dst = PutVarint(dst, uint64(len(v.B)))
		}
	}
	for i := 0; i < n; i++ {
		v := pick(i)
		switch v.Type {
		case TypeInt:
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], uint64(v.I)^(1<<63))
			dst = append(dst, tmp[:]...)
		case TypeReal:
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.F))
			dst = append(dst, tmp[:]...)
		case TypeText:
			dst = append(dst, v.S...)
		case TypeBlob:
			dst = append(dst, v.B...)
		}
	}
	return dst, nil
}

type recField struct {
	typ  uint64
	size int
	off  int
}

func parseHeader(rec []byte) ([]recField, error) {
	n, i, err := Varint(rec)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(rec)) {
		return nil, kv.ErrCorrupt
	}
	fields := make([]recField, n)
	for f := range fields {
		typ, c, err := Varint(rec[i:])
		if err != nil {
			return nil, err
		}
		i += c
		fields[f].typ = typ
		switch typ {
		case recNull:
		case recInt, recReal:
			fields[f].size = 8
		case recText, recBlob:
			sz, c, err := Varint(rec[i:])
			if err != nil {
				return nil, err
			}
			i += c
			if sz > uint64(len(rec)) {
				return nil, kv.ErrCorrupt
			}
			fields[f].size = int(sz)
		default:
			return nil, kv.ErrCorrupt
		}
	}
	off := i
	for f := range fields {
		fields[f].off = off
		off += fields[f].size
	}
	if off > len(rec) {
		return nil, kv.ErrCorrupt
	}
	return fields, nil
}

// NumColumns returns the field count of a record.
func NumColumns(rec []byte) (int, error) {
	fields, err := parseHeader(rec)
	if err != nil {
		return 0, err
	}
	return len(fields), nil
}

// Column decodes field i of a record. An index past the record's field count
// yields NULL, matching rows written before a column was added.
func Column(rec []byte, i int) (Value, error) {
	fields, err := parseHeader(rec)
	if err != nil {
		return Value{}, err
	}
	if i < 0 {
		return Value{}, kv.ErrMisuse
	}
	if i >= len(fields) {
		return Null(), nil
	}
	f := fields[i]
	payload := rec[f.off : f.off+f.size]
	switch f.typ {
	case recNull:
		return Null(), nil
	case recInt:
		return Int(int64(binary.BigEndian.Uint64(payload) ^ (1 << 63))), nil
	case recReal:
		return Real(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case recText:
		return Text(string(payload)), nil
	default:
		b := make([]byte, len(payload))
		copy(b, payload)
		return Blob(b), nil
	}
}

// DecodeData decodes all fields of a record.
func DecodeData(rec []byte) ([]Value, error) {
	fields, err := parseHeader(rec)
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(fields))
	for i := range fields {
		out[i], err = Column(rec, i)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
