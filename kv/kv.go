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

//Variables Naming:
//  k - key
//  v - value
//  csr - cursor
//  lvl - transaction nesting level (0 none, 1 read, >=2 write)
//
//Entity Naming:
//  Store  - one ordered key space per SQL connection; what the VM drives
//  Cursor - positional handle over a Store; caches key/value bytes
//  Driver/Env/DB/Session/Txn/NativeCursor - the native backend surface

// StoreVersion stamps the store method set. A caller built against a
// different major version must refuse the handle.
const StoreVersion = 1

// MaxTransDepth bounds transaction nesting. Level 0 is "no transaction",
// level 1 a read transaction, levels 2..MaxTransDepth nested writes.
const MaxTransDepth = 16

// SeekDir selects the relation a seek establishes between the probe key and
// the cursor position.
type SeekDir int8

const (
	SeekNone SeekDir = iota
	SeekEQ
	SeekGT
	SeekGE
	SeekLT
	SeekLE
)

func (d SeekDir) String() string {
	switch d {
	case SeekNone:
		return "none"
	case SeekEQ:
		return "eq"
	case SeekGT:
		return "gt"
	case SeekGE:
		return "ge"
	case SeekLT:
		return "lt"
	case SeekLE:
		return "le"
	default:
		return "unknown"
	}
}

// ControlOp selects a Store.Control operation.
type ControlOp int

const (
	// ControlGetBufferCaps - arg *[2]int receives (key, value) initial
	// cursor buffer capacities.
	ControlGetBufferCaps ControlOp = iota + 1
	// ControlSetBufferCaps - arg [2]int sets them; affects cursors opened
	// after the call.
	ControlSetBufferCaps
)

// Store is the per-connection ordered key/value store the SQL VM drives.
// A Store is not safe for concurrent use; it belongs to one goroutine at a
// time. All methods report through the taxonomy in errors.go.
type Store interface {
	// Replace inserts or overwrites one entry inside the current write
	// transaction. Requires TransLevel() >= 2.
	Replace(k, v []byte) error

	// OpenCursor returns a cursor bound to the current transaction level:
	// the shared read cursor while TransLevel() <= 1, the per-level write
	// cursor otherwise.
	OpenCursor() (Cursor, error)

	// Begin ensures every write level 2..lvl is open; lvl <= 1 only
	// materialises the read cursor. Idempotent for already-open levels.
	Begin(lvl int) error
	// CommitPhaseOne prepares the transaction at lvl+1 (level 2 when
	// lvl <= 1) for commit if and only if it is the outermost open write
	// transaction. Nested candidates are left untouched.
	CommitPhaseOne(lvl int) error
	// CommitPhaseOneXID is CommitPhaseOne with a caller-supplied global id.
	CommitPhaseOneXID(lvl int, xid []byte) error
	// CommitPhaseTwo commits everything above lvl and closes the per-level
	// cursors. lvl == 0 also releases the read cursor.
	CommitPhaseTwo(lvl int) error
	// Rollback aborts every level down to lvl, then re-opens a transaction
	// at lvl so the caller always observes a live savepoint.
	Rollback(lvl int) error
	// Revert discards all effects after the savepoint at lvl while keeping
	// the savepoint itself alive: levels lvl and deeper are aborted and lvl
	// is re-opened empty, as Rollback(lvl) does; enclosing levels keep
	// their writes.
	Revert(lvl int) error

	TransLevel() int

	// GetMeta and PutMeta access the backend's out-of-band schema-cookie
	// slot.
	GetMeta() (uint32, error)
	PutMeta(v uint32) error

	Control(op ControlOp, arg any) error
	Close() error
}

// Cursor walks a Store in key order. It owns growable key/value buffers and
// remembers the direction of the last seek; Next is legal only after
// EQ/GE/GT (or None), Prev only after EQ/LE/LT (or None).
type Cursor interface {
	// Seek positions the cursor. dir == 0 means exact (SeekEQ), dir > 0
	// SeekGE, dir < 0 SeekLE. Returns nil on an exact hit, ErrInexact when
	// positioned on the nearest key in the requested direction, ErrNotFound
	// when no feasible entry exists.
	Seek(k []byte, dir int) error
	Next() error
	Prev() error

	// Key returns the current key. Served from the cursor cache when warm,
	// otherwise fetched from the backend and cached.
	Key() ([]byte, error)
	// Data returns value bytes [ofst, ofst+n); n < 0 means the whole value.
	// The slice is clipped to the value size.
	Data(ofst, n int) ([]byte, error)

	// Delete removes the entry under the cursor. The cursor keeps a ghost
	// position: the following Next/Prev lands on the neighbour in that
	// direction.
	Delete() error

	// Reset clears the cache, EOF flag and seek memory, and releases any
	// backend row locks. The cursor stays open.
	Reset() error
	Close() error
}

// EnvOptions configures a backend environment at first open of a store name.
type EnvOptions struct {
	// Path of the on-disk environment. Ignored when InMem is set.
	Path string
	// InMem selects the memory-resident mode of the backend.
	InMem bool
	// Create allows creating a missing environment/database.
	Create bool
	// ReadOnly rejects all writes with ErrReadOnly.
	ReadOnly bool
	// CacheBytes sizes the backend cache. 0 means the backend default.
	CacheBytes int64
	// KeyBufferCap / ValueBufferCap seed per-connection initial cursor
	// buffer capacities. 0 means the engine-context default.
	KeyBufferCap   int
	ValueBufferCap int
}

// Driver is a native backend: btree or log-structured.
type Driver interface {
	Name() string
	OpenEnv(opts EnvOptions) (Env, error)
}

// Env is one native environment, shared by all connections naming the same
// store through the resource directory.
type Env interface {
	OpenDB(name string) (DB, error)
	Close() error
}

// DB is the logical database inside an environment. ReadMeta/WriteMeta
// access the reserved schema-cookie slot.
type DB interface {
	NewSession() (Session, error)
	ReadMeta() (uint32, error)
	WriteMeta(v uint32) error
	Close() error
}

// Session is the per-connection handle into a DB.
type Session interface {
	// Begin opens a write transaction. parent == nil opens the outermost
	// one; otherwise the new transaction nests inside parent.
	Begin(parent Txn) (Txn, error)
	// NewReadCursor returns a cursor over committed state. Each operation
	// observes the latest commit (READ_COMMITTED).
	NewReadCursor() (NativeCursor, error)
	Close() error
}

// Txn is a native write transaction.
type Txn interface {
	NewCursor() (NativeCursor, error)
	// Prepare is phase one of a two-phase commit. xid == nil lets the
	// backend derive its own global id.
	Prepare(xid []byte) error
	Commit() error
	Abort() error
}

// NativeCursor is the navigation/mutation surface the core consumes.
// Positioning calls return (false, nil) for "no such entry" rather than an
// error. Key/Value return slices borrowed until the next call on the same
// cursor; the core copies them into cursor-owned buffers.
type NativeCursor interface {
	SeekGE(k []byte) (bool, error)
	SeekLE(k []byte) (bool, error)
	First() (bool, error)
	Last() (bool, error)
	// Next/Prev step relative to the current position. Only valid while no
	// mutation happened since the last positioning call.
	Next() (bool, error)
	Prev() (bool, error)

	Key() ([]byte, error)
	Value() ([]byte, error)

	// Insert writes through the bound transaction with replace semantics.
	Insert(k, v []byte) error
	// Remove deletes k through the bound transaction; ErrNotFound if absent.
	Remove(k []byte) error

	Reset() error
	Close() error
}
