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

package kv

import (
	"fmt"
	"sort"
)

// DBSchemaVersion versions the key-space layout.
// 1.0 - schema catalogue at root 1, user roots allocated upward from 2.
var DBSchemaVersion = Version{Major: 1, Minor: 0, Patch: 0}

type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Storage units (roots). All entries of one logical table or index share one
// varint root prefix inside the single backend key space.
const (
	// SchemaRoot holds the schema catalogue: one row per table/index,
	// keyed by object name, carrying the object's root and key-info.
	SchemaRoot uint64 = 1

	// FirstUserRoot is the first root above the schema catalogue. NewIdxid
	// does not enforce it: it returns one past the larger of its register
	// value and the largest root present, which is 1 on an empty database.
	FirstUserRoot uint64 = 2
)

// Label distinguishes the databases a process may hold open at once; used
// only for logging and metrics tags.
type Label uint8

const (
	UserDB Label = 0
	TempDB Label = 1
	TestDB Label = 2
)

func (l Label) String() string {
	switch l {
	case UserDB:
		return "user"
	case TempDB:
		return "temp"
	case TestDB:
		return "test"
	default:
		return "unknown"
	}
}

// WellKnownRoots - roots with fixed meaning. Everything >= FirstUserRoot is
// allocated dynamically by the NewIdxid opcode.
var WellKnownRoots = map[string]uint64{
	"schema": SchemaRoot,
}

// RootNames returns the fixed root names in deterministic order.
func RootNames() []string {
	names := make([]string, 0, len(WellKnownRoots))
	for name := range WellKnownRoots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
