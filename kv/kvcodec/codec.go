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
	"math"
	"math/bits"

	"github.com/ordkv/ordkv/kv"
)

// Key encoding. A key is the storage-unit root as a varint, followed by one
// order-preserving field encoding per field, optionally followed by a
// sequence suffix. memcmp order of encoded keys equals logical order of the
// tuples under the key-info's collation.
//
// Field tags (ascending form):
//   0x05 null
//   0x06 NaN
//   0x07 -infinity
//   0x08 negative number, 10-byte inverted magnitude
//   0x15 zero
//   0x22 positive number, 10-byte magnitude
//   0x23 +infinity
//   0x24 text, NUL-escaped, 0x00 terminated
//   0x25 blob, NUL-escaped, 0x00 terminated
//
// A descending field is the ascending encoding with every byte inverted, so
// descending tags occupy 0xDA..0xFA and stay disjoint from ascending tags
// and from sequence-suffix bytes (0x40..0xBF).
//
// Magnitude of a finite non-zero number: the value is normalised to
// m * 2**e with 2**63 <= m < 2**64, stored as a 2-byte biased exponent and
// the 8-byte mantissa, both big-endian. Exact for every int64 and float64.
const (
	tagNull   = 0x05
	tagNaN    = 0x06
	tagNegInf = 0x07
	tagNeg    = 0x08
	tagZero   = 0x15
	tagPos    = 0x22
	tagPosInf = 0x23
	tagText   = 0x24
	tagBlob   = 0x25

	expBias = 1200
)

// EncodeKey appends the encoding of fields under ki to dst, prefixed by the
// root varint. Fields beyond ki.NField are ignored; fewer fields than
// ki.NField is allowed (prefix probes).
func EncodeKey(dst []byte, root uint64, fields []Value, ki *KeyInfo) ([]byte, error) {
	dst = PutVarint(dst, root)
	n := len(fields)
	if ki != nil && ki.NField > 0 && n > ki.NField {
		n = ki.NField
	}
	for i := 0; i < n; i++ {
		start := len(dst)
		dst = appendField(dst, fields[i])
		if ki.descending(i) {
			invert(dst[start:])
		}
	}
	return dst, nil
}

// AppendSeq appends a sequence suffix: strictly monotonic within a cursor's
// lifetime, used only to make otherwise-equal sort keys distinct. Little
// endian, six payload bits per byte; intermediate bytes are 0x40..0x7F and
// the final, most significant byte is 0x80..0xBF so the suffix is detectable
// from the end and its bytes never collide with the 0x00/0xFF escape
// alphabet of text and blob fields.
func AppendSeq(dst []byte, seq uint64) []byte {
	for seq > 0x3f {
		dst = append(dst, 0x40|byte(seq&0x3f))
		seq >>= 6
	}
	return append(dst, 0x80|byte(seq))
}

func invert(b []byte) {
	for i := range b {
		b[i] ^= 0xff
	}
}

func appendField(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeNull:
		return append(dst, tagNull)
	case TypeInt:
		return appendInt(dst, v.I)
	case TypeReal:
		return appendReal(dst, v.F)
	case TypeText:
		dst = append(dst, tagText)
		return appendEscaped(dst, []byte(v.S))
	case TypeBlob:
		dst = append(dst, tagBlob)
		return appendEscaped(dst, v.B)
	}
	return append(dst, tagNull)
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xff)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0x00)
}

func appendInt(dst []byte, i int64) []byte {
	if i == 0 {
		return append(dst, tagZero)
	}
	neg := i < 0
	var mag uint64
	if neg {
		mag = uint64(-(i + 1)) + 1 // two's complement safe for MinInt64
	} else {
		mag = uint64(i)
	}
	lz := bits.LeadingZeros64(mag)
	return appendMagnitude(dst, neg, mag<<uint(lz), -lz)
}

func appendReal(dst []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, tagNaN)
	case math.IsInf(f, -1):
		return append(dst, tagNegInf)
	case math.IsInf(f, 1):
		return append(dst, tagPosInf)
	case f == 0:
		return append(dst, tagZero)
	}
	neg := f < 0
	frac, exp := math.Frexp(math.Abs(f))
	// frac in [0.5, 1): frac * 2**64 is an exact integer in [2**63, 2**64)
	m := uint64(frac * (1 << 63) * 2)
	return appendMagnitude(dst, neg, m, exp-64)
}

func appendMagnitude(dst []byte, neg bool, m uint64, e int) []byte {
	var buf [10]byte
	be := uint16(e + expBias)
	buf[0] = byte(be >> 8)
	buf[1] = byte(be)
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(m >> uint(56-8*i))
	}
	if neg {
		dst = append(dst, tagNeg)
		invert(buf[:])
	} else {
		dst = append(dst, tagPos)
	}
	return append(dst, buf[:]...)
}

// DecodeRoot reads the storage-unit varint off the front of key.
func DecodeRoot(key []byte) (uint64, int, error) {
	return Varint(key)
}

// DecodeValue decodes one field encoding from the front of b, handling both
// ascending and descending (inverted) forms. Returns the value and bytes
// consumed. Numeric encodings that carry an exact integer come back as
// TypeInt so primary keys round-trip.
func DecodeValue(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, kv.ErrCorrupt
	}
	tag := b[0]
	desc := tag >= 0x80
	if desc {
		tag ^= 0xff
	}
	switch tag {
	case tagNull:
		return Null(), 1, nil
	case tagNaN:
		return Real(math.NaN()), 1, nil
	case tagNegInf:
		return Real(math.Inf(-1)), 1, nil
	case tagPosInf:
		return Real(math.Inf(1)), 1, nil
	case tagZero:
		return Int(0), 1, nil
	case tagNeg, tagPos:
		if len(b) < 11 {
			return Value{}, 0, kv.ErrCorrupt
		}
		var buf [10]byte
		copy(buf[:], b[1:11])
		if desc {
			invert(buf[:])
		}
		if tag == tagNeg {
			invert(buf[:])
		}
		e := int(uint16(buf[0])<<8|uint16(buf[1])) - expBias
		var m uint64
		for i := 0; i < 8; i++ {
			m = m<<8 | uint64(buf[2+i])
		}
		return decodeMagnitude(tag == tagNeg, m, e), 11, nil
	case tagText, tagBlob:
		raw, n, err := unescape(b[1:], desc)
		if err != nil {
			return Value{}, 0, err
		}
		if tag == tagText {
			return Text(string(raw)), 1 + n, nil
		}
		return Blob(raw), 1 + n, nil
	}
	return Value{}, 0, kv.ErrCorrupt
}

func decodeMagnitude(neg bool, m uint64, e int) Value {
	if m == 0 {
		return Int(0)
	}
	if e <= 0 && e >= -63 {
		mag := m >> uint(-e)
		if mag<<uint(-e) == m {
			if neg {
				if mag <= 1<<63 {
					return Int(-int64(mag-1) - 1)
				}
			} else if mag <= math.MaxInt64 {
				return Int(int64(mag))
			}
		}
	}
	f := math.Ldexp(float64(m), e)
	if neg {
		f = -f
	}
	return Real(f)
}

func unescape(b []byte, desc bool) ([]byte, int, error) {
	term, esc := byte(0x00), byte(0xff)
	if desc {
		term, esc = 0xff, 0x00
	}
	var out []byte
	i := 0
	for i < len(b) {
		c := b[i]
		if c != term {
			if desc {
				c ^= 0xff
			}
			out = append(out, c)
			i++
			continue
		}
		if i+1 < len(b) && b[i+1] == esc {
			out = append(out, 0x00)
			i += 2
			continue
		}
		return out, i + 1, nil
	}
	return nil, 0, kv.ErrCorrupt
}

// DecodeInt decodes a field that must carry an exact integer; used to
// recover the primary key from a key's trailing bytes.
func DecodeInt(b []byte) (int64, int, error) {
	v, n, err := DecodeValue(b)
	if err != nil {
		return 0, 0, err
	}
	if v.Type != TypeInt {
		return 0, 0, kv.ErrCorrupt
	}
	return v.I, n, nil
}

// ShortKeyLen scans key until keepFields fields are consumed, returning the
// byte length of the prefix (root varint included) and the number of fields
// actually decoded. The sequence suffix, when present, is never counted as
// a field.
func ShortKeyLen(key []byte, keepFields int) (int, int, error) {
	_, i, err := Varint(key)
	if err != nil {
		return 0, 0, err
	}
	fields := 0
	for fields < keepFields && i < len(key) {
		if c := key[i]; c >= 0x40 && c <= 0xbf {
			break // sequence suffix
		}
		n, err := fieldLen(key[i:])
		if err != nil {
			return 0, 0, err
		}
		i += n
		fields++
	}
	return i, fields, nil
}

func fieldLen(b []byte) (int, error) {
	tag := b[0]
	desc := tag >= 0x80
	if desc {
		tag ^= 0xff
	}
	switch tag {
	case tagNull, tagNaN, tagNegInf, tagPosInf, tagZero:
		return 1, nil
	case tagNeg, tagPos:
		if len(b) < 11 {
			return 0, kv.ErrCorrupt
		}
		return 11, nil
	case tagText, tagBlob:
		term, esc := byte(0x00), byte(0xff)
		if desc {
			term, esc = 0xff, 0x00
		}
		i := 1
		for i < len(b) {
			if b[i] != term {
				i++
				continue
			}
			if i+1 < len(b) && b[i+1] == esc {
				i += 2
				continue
			}
			return i + 1, nil
		}
		return 0, kv.ErrCorrupt
	}
	return 0, kv.ErrCorrupt
}
