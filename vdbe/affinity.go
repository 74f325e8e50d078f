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
	"strconv"
	"strings"

	"github.com/ordkv/ordkv/kv/kvcodec"
)

// Affinity is the column-affinity coercion applied before key or record
// encoding.
type Affinity byte

const (
	AffNone Affinity = iota
	AffText
	AffNumeric
	AffInteger
	AffReal
)

// applyAffinity coerces v in place of the register semantics: numeric
// affinities parse text to a number only when the conversion is lossless;
// text affinity stringifies numerics.
func applyAffinity(v kvcodec.Value, aff Affinity) kvcodec.Value {
	switch aff {
	case AffNumeric, AffInteger, AffReal:
		if v.Type != kvcodec.TypeText {
			return v
		}
		s := strings.TrimSpace(v.S)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return kvcodec.Int(i)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && losslessReal(s, f) {
			return kvcodec.Real(f)
		}
		return v
	case AffText:
		switch v.Type {
		case kvcodec.TypeInt:
			return kvcodec.Text(strconv.FormatInt(v.I, 10))
		case kvcodec.TypeReal:
			return kvcodec.Text(strconv.FormatFloat(v.F, 'g', -1, 64))
		}
		return v
	default:
		return v
	}
}

func losslessReal(s string, f float64) bool {
	return strconv.FormatFloat(f, 'g', -1, 64) == s ||
		strconv.FormatFloat(f, 'f', -1, 64) == s
}

// applyAffinities coerces a field slice, leaving the input registers alone.
// aff may be shorter than vals; missing entries mean no affinity.
func applyAffinities(vals []kvcodec.Value, aff []Affinity) []kvcodec.Value {
	if len(aff) == 0 {
		return vals
	}
	out := make([]kvcodec.Value, len(vals))
	for i, v := range vals {
		if i < len(aff) {
			out[i] = applyAffinity(v, aff[i])
		} else {
			out[i] = v
		}
	}
	return out
}
