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
	"fmt"

	"github.com/ordkv/ordkv/kv"
)

// savepoint is one node of the connection's savepoint stack. Stack index 0
// is the anonymous root transaction; the node at index i is backed by KV
// transaction level i+2.
type savepoint struct {
	name         string // empty for the anonymous root
	deferredCons int    // deferred-constraint counter at creation
}

func (v *Vdbe) spLevel(idx int) int { return idx + 2 }

// findSavepoint returns the index of the newest savepoint with the given
// name, or -1.
func (v *Vdbe) findSavepoint(name string) int {
	for i := len(v.savepoints) - 1; i >= 0; i-- {
		if v.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// SavepointBegin pushes a named savepoint. The backing KV transaction is
// not opened until the first write (the Transaction opcode).
func (v *Vdbe) SavepointBegin(name string) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	v.savepoints = append(v.savepoints, savepoint{name: name, deferredCons: v.nDeferredCons})
	return nil
}

// SavepointRelease commits the named savepoint into its parent, discarding
// it and every newer savepoint. Releasing the outermost node commits the
// whole transaction; that commit first verifies the deferred-constraint
// counter is back to zero.
func (v *Vdbe) SavepointRelease(name string) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	idx := v.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("%w: no such savepoint %q", kv.ErrNotFound, name)
	}
	if idx == 0 {
		if v.nDeferredCons > 0 {
			return fmt.Errorf("%w: %d deferred constraints outstanding", kv.ErrConstraint, v.nDeferredCons)
		}
		if err := v.store.CommitPhaseOne(0); err != nil {
			return err
		}
		if err := v.store.CommitPhaseTwo(0); err != nil {
			return err
		}
		v.savepoints = v.savepoints[:0]
		v.stmtLevel = 0
		return nil
	}
	if err := v.store.CommitPhaseTwo(v.spLevel(idx) - 1); err != nil {
		return err
	}
	v.savepoints = v.savepoints[:idx]
	return nil
}

// SavepointRollback undoes everything after the named savepoint while
// keeping the savepoint itself alive, restoring its deferred-constraint
// counter. Newer savepoints are discarded.
func (v *Vdbe) SavepointRollback(name string) error {
	if err := v.CheckInterrupt(); err != nil {
		return err
	}
	idx := v.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("%w: no such savepoint %q", kv.ErrNotFound, name)
	}
	if err := v.store.Rollback(v.spLevel(idx)); err != nil {
		return err
	}
	v.nDeferredCons = v.savepoints[idx].deferredCons
	v.savepoints = v.savepoints[:idx+1]
	return nil
}

// AddDeferredConstraint adjusts the deferred-constraint counter; the
// outermost commit refuses while it is non-zero.
func (v *Vdbe) AddDeferredConstraint(n int) {
	v.nDeferredCons += n
	if v.nDeferredCons < 0 {
		v.nDeferredCons = 0
	}
}
