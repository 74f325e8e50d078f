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
	"fmt"
	"math"
)

// ValueType enumerates the storage classes a field can carry.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeInt
	TypeReal
	TypeText
	TypeBlob
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is one typed field of a key or record.
type Value struct {
	Type ValueType
	I    int64
	F    float64
	S    string
	B    []byte
}

func Null() Value          { return Value{Type: TypeNull} }
func Int(i int64) Value    { return Value{Type: TypeInt, I: i} }
func Real(f float64) Value { return Value{Type: TypeReal, F: f} }
func Text(s string) Value  { return Value{Type: TypeText, S: s} }
func Blob(b []byte) Value  { return Value{Type: TypeBlob, B: b} }

// IsNumeric reports whether the value participates in numeric ordering.
func (v Value) IsNumeric() bool { return v.Type == TypeInt || v.Type == TypeReal }

// Num returns the value as float64; only meaningful for numeric values.
func (v Value) Num() float64 {
	if v.Type == TypeInt {
		return float64(v.I)
	}
	return v.F
}

func (v Value) String() string {
	switch v.Type {
	case TypeNull:
		return "NULL"
	case TypeInt:
		return fmt.Sprintf("%d", v.I)
	case TypeReal:
		if math.IsNaN(v.F) || math.IsInf(v.F, 0) {
			return fmt.Sprintf("%f", v.F)
		}
		return fmt.Sprintf("%g", v.F)
	case TypeText:
		return fmt.Sprintf("%q", v.S)
	case TypeBlob:
		return fmt.Sprintf("x'%x'", v.B)
	default:
		return "?"
	}
}

// KeyInfo describes the shape of one storage unit's keys: how many fields,
// which of them sort descending, and how many trailing fields form the
// primary key (the part a short-key prefix excludes).
type KeyInfo struct {
	NField int
	Desc   []bool // nil means all ascending
	NPK    int
}

func (ki *KeyInfo) descending(i int) bool {
	return ki != nil && i < len(ki.Desc) && ki.Desc[i]
}
