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
	"errors"
	"fmt"
)

// Every operation in the store/cursor contract reports its outcome through
// this taxonomy. Callers discriminate with errors.Is; wrapping with
// fmt.Errorf("...: %w", ...) is allowed anywhere below the contract.
var (
	// ErrInexact - a seek positioned the cursor on the nearest feasible entry
	// in the requested direction, not on an exact match. The cursor is valid
	// and readable.
	ErrInexact = errors.New("seek positioned on nearest key")

	// ErrNotFound - the requested key or row does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrLocked - the backend resolved a deadlock or lost a lock race. The
	// caller may roll back the current write transaction and retry.
	ErrLocked = errors.New("backend lock contention")

	// ErrBusy - backend temporarily unavailable; no rollback implied.
	ErrBusy = errors.New("backend busy")

	// ErrFull - out of space, or a logical counter overflowed.
	ErrFull = errors.New("database or counter full")

	// ErrNoMem - allocation failed, including backend-internal caches.
	ErrNoMem = errors.New("out of memory")

	// ErrReadOnly - a write was attempted on a read-only database.
	ErrReadOnly = errors.New("database is read-only")

	// ErrConstraint - UNIQUE/FK violation, or a deferred-constraint check
	// failed at commit.
	ErrConstraint = errors.New("constraint violation")

	// ErrCorrupt - decoding stored bytes yielded an impossible structure.
	ErrCorrupt = errors.New("database corrupt")

	// ErrMismatch - cursor direction opcode incompatible with the last seek
	// direction.
	ErrMismatch = errors.New("cursor direction mismatch")

	// ErrMisuse - the caller violated the API contract (closed handle, EOF
	// advance, bad level, unknown control op).
	ErrMisuse = errors.New("api misuse")
)

// CodeMapping is one row of a driver's native-error translation table.
type CodeMapping struct {
	Native error
	Kind   error
}

// TranslateErr funnels a native backend error through a driver's mapping
// table. Every operation of every driver reports through exactly one table so
// that one native code cannot map to two kinds at different call sites.
func TranslateErr(table []CodeMapping, err error) error {
	if err == nil {
		return nil
	}
	for _, m := range table {
		if errors.Is(err, m.Native) {
			return fmt.Errorf("%w: %s", m.Kind, err)
		}
	}
	return err
}
