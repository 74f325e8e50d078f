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

package vdbe_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/ordkv/ordkv/kv"
	"github.com/ordkv/ordkv/kv/btreekv"
	"github.com/ordkv/ordkv/kv/kvcodec"
	"github.com/ordkv/ordkv/kv/kvstore"
	"github.com/ordkv/ordkv/kv/logkv"
	"github.com/ordkv/ordkv/vdbe"
)

type backendCase struct {
	name string
	drv  kv.Driver
	opts kv.EnvOptions
}

func backends() []backendCase {
	return []backendCase{
		{name: "btree", drv: btreekv.Driver{}, opts: kv.EnvOptions{Create: true}},
		{name: "log", drv: logkv.Driver{}, opts: kv.EnvOptions{Create: true, InMem: true}},
	}
}

func runBothBackends(t *testing.T, fn func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext)) {
	for _, bc := range backends() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			fn(t, bc, kvstore.NewEngineContext(log.New()))
		})
	}
}

func newVdbe(t *testing.T, ctx *kvstore.EngineContext, bc backendCase, name string) *vdbe.Vdbe {
	t.Helper()
	st, err := kvstore.Open(ctx, bc.drv, name, bc.opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	v := vdbe.New(st, log.New())
	t.Cleanup(func() { v.Close() })
	return v
}

func commitAll(t *testing.T, v *vdbe.Vdbe) {
	t.Helper()
	require.NoError(t, v.SavepointRelease(""))
}

// Unique-constraint probe across two connections. The stored PK suffix
// comes back through the probe register and no jump is taken.
func TestIsUniqueProbe(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		ki := &kvcodec.KeyInfo{NField: 3, NPK: 1}

		writer := newVdbe(t, ctx, bc, "s1")
		require.NoError(t, writer.Transaction(true, false))
		wc, err := writer.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		key, err := writer.MakeKey(wc, []kvcodec.Value{
			kvcodec.Int(10), kvcodec.Text("x"), kvcodec.Int(7),
		}, nil, false)
		require.NoError(t, err)
		rec, err := writer.MakeRecord([]kvcodec.Value{kvcodec.Int(10), kvcodec.Text("x")}, nil, nil)
		require.NoError(t, err)
		require.NoError(t, writer.Insert(wc, key, rec))
		commitAll(t, writer)

		probe := newVdbe(t, ctx, bc, "s1")
		require.NoError(t, probe.Transaction(false, false))
		pc, err := probe.OpenRead(0, 2, ki)
		require.NoError(t, err)

		unique, pk, err := probe.IsUnique(pc, []kvcodec.Value{kvcodec.Int(10), kvcodec.Text("x")}, nil)
		require.NoError(t, err)
		require.False(t, unique, "existing row: no jump to the unique label")
		require.Equal(t, int64(7), pk)

		unique, _, err = probe.IsUnique(pc, []kvcodec.Value{kvcodec.Int(10), kvcodec.Text("y")}, nil)
		require.NoError(t, err)
		require.True(t, unique)
	})
}

// Clearing one root leaves the neighbouring root intact.
func TestClearByRoot(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c5, err := v.OpenWrite(0, 5, ki)
		require.NoError(t, err)
		c6, err := v.OpenWrite(1, 6, ki)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			require.NoError(t, v.InsertIntKey(c5, int64(i), []byte{5}))
		}
		for i := 0; i < 50; i++ {
			require.NoError(t, v.InsertIntKey(c6, int64(i), []byte{6}))
		}
		require.NoError(t, v.Clear(5))
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		eof, err := v.Rewind(c5)
		require.NoError(t, err)
		require.True(t, eof, "root 5 must be empty")

		count := 0
		eof, err = v.Rewind(c6)
		require.NoError(t, err)
		for !eof {
			count++
			eof, err = v.Next(c6)
			require.NoError(t, err)
		}
		require.Equal(t, 50, count, "root 6 must keep exactly its own keys")
	})
}

func TestSeekVariants(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		for _, i := range []int64{10, 20, 30} {
			require.NoError(t, v.InsertIntKey(c, i, []byte{byte(i)}))
		}
		commitAll(t, v)
		require.NoError(t, v.Transaction(false, false))

		mk := func(i int64) []byte {
			k, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(i)}, nil, false)
			require.NoError(t, err)
			return k
		}
		rowid := func() int64 {
			id, err := v.Rowid(c)
			require.NoError(t, err)
			return id
		}

		require.NoError(t, v.Seek(c, mk(20), kv.SeekEQ))
		require.Equal(t, int64(20), rowid())

		require.ErrorIs(t, v.Seek(c, mk(15), kv.SeekGE), kv.ErrInexact)
		require.Equal(t, int64(20), rowid())

		require.ErrorIs(t, v.Seek(c, mk(20), kv.SeekGT), kv.ErrInexact)
		require.Equal(t, int64(30), rowid())

		require.ErrorIs(t, v.Seek(c, mk(25), kv.SeekLE), kv.ErrInexact)
		require.Equal(t, int64(20), rowid())

		require.ErrorIs(t, v.Seek(c, mk(20), kv.SeekLT), kv.ErrInexact)
		require.Equal(t, int64(10), rowid())

		require.ErrorIs(t, v.Seek(c, mk(5), kv.SeekLE), kv.ErrNotFound)
		require.ErrorIs(t, v.Seek(c, mk(35), kv.SeekGE), kv.ErrNotFound)
		require.True(t, c.EOF())
	})
}

// A probe past the last row of a small root must not bleed into the next
// root.
func TestSeekRootGuard(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c2, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		c3, err := v.OpenWrite(1, 3, ki)
		require.NoError(t, err)
		require.NoError(t, v.InsertIntKey(c2, 1, []byte{2}))
		require.NoError(t, v.InsertIntKey(c3, 1, []byte{3}))
		commitAll(t, v)
		require.NoError(t, v.Transaction(false, false))

		probe, err := v.MakeKey(c2, []kvcodec.Value{kvcodec.Int(50)}, nil, false)
		require.NoError(t, err)
		require.ErrorIs(t, v.Seek(c2, probe, kv.SeekGE), kv.ErrNotFound,
			"GE overshoot into root 3 must read as NotFound")

		eof, err := v.Next(c2)
		require.NoError(t, err)
		require.True(t, eof, "stepping off root 2 is EOF even though root 3 follows")
	})
}

func TestFoundAndNotExists(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 2}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		full, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("k"), kvcodec.Int(1)}, nil, false)
		require.NoError(t, err)
		require.NoError(t, v.Insert(c, full, []byte{1}))
		commitAll(t, v)
		require.NoError(t, v.Transaction(false, false))

		found, err := v.Found(c, full)
		require.NoError(t, err)
		require.True(t, found)

		prefix, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("k")}, nil, false)
		require.NoError(t, err)
		found, err = v.Found(c, prefix)
		require.NoError(t, err)
		require.True(t, found, "prefix of an existing key counts as found")

		other, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("zz")}, nil, false)
		require.NoError(t, err)
		notFound, err := v.NotFound(c, other)
		require.NoError(t, err)
		require.True(t, notFound)

		missing, err := v.NotExists(c, other)
		require.NoError(t, err)
		require.True(t, missing)
		missing, err = v.NotExists(c, full)
		require.NoError(t, err)
		require.False(t, missing)
	})
}

func TestIdxCompare(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 2}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		key, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(5), kvcodec.Int(9)}, nil, false)
		require.NoError(t, err)
		require.NoError(t, v.Insert(c, key, []byte{1}))
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		require.NoError(t, v.Seek(c, key, kv.SeekEQ))

		// Probe on the leading field only: proper prefix of the stored key
		// compares as less-than, so the key reads as greater.
		prefix, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(5)}, nil, false)
		require.NoError(t, err)
		gt, err := v.IdxGT(c, prefix)
		require.NoError(t, err)
		require.True(t, gt)

		eq, err := v.IdxGE(c, key)
		require.NoError(t, err)
		require.True(t, eq)
		lt, err := v.IdxLT(c, key)
		require.NoError(t, err)
		require.False(t, lt)

		bigger, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(6)}, nil, false)
		require.NoError(t, err)
		le, err := v.IdxLE(c, bigger)
		require.NoError(t, err)
		require.True(t, le)
	})
}

func TestRowAccessors(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		vals := []kvcodec.Value{kvcodec.Int(42), kvcodec.Text("hello"), kvcodec.Null()}
		key, rec, err := v.MakeKeyRecord(c, vals, nil, 1)
		require.NoError(t, err)
		require.NoError(t, v.Insert(c, key, rec))
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		require.NoError(t, v.Seek(c, key, kv.SeekEQ))

		gotKey, err := v.RowKey(c)
		require.NoError(t, err)
		require.Equal(t, key, gotKey)

		gotRec, err := v.RowData(c)
		require.NoError(t, err)
		require.Equal(t, rec, gotRec)

		col0, err := v.Column(c, 0)
		require.NoError(t, err)
		require.Equal(t, int64(42), col0.I)
		col1, err := v.Column(c, 1)
		require.NoError(t, err)
		require.Equal(t, "hello", col1.S)
		col2, err := v.Column(c, 2)
		require.NoError(t, err)
		require.Equal(t, kvcodec.TypeNull, col2.Type)

		id, err := v.Rowid(c)
		require.NoError(t, err)
		require.Equal(t, int64(42), id)
	})
}

func TestNewRowid(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)

		id, err := v.NewRowid(c)
		require.NoError(t, err)
		require.Equal(t, int64(1), id, "empty table starts at 1")

		for _, i := range []int64{1, 2, 7} {
			require.NoError(t, v.InsertIntKey(c, i, []byte{1}))
		}
		id, err = v.NewRowid(c)
		require.NoError(t, err)
		require.Equal(t, int64(8), id)

		require.NoError(t, v.InsertIntKey(c, math.MaxInt64, []byte{1}))
		_, err = v.NewRowid(c)
		require.ErrorIs(t, err, kv.ErrFull)
	})
}

func TestNewIdxid(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))

		id, err := v.NewIdxid(0)
		require.NoError(t, err)
		require.Equal(t, uint64(1), id, "empty database")

		c6, err := v.OpenWrite(0, 6, ki)
		require.NoError(t, err)
		require.NoError(t, v.InsertIntKey(c6, 1, []byte{1}))

		id, err = v.NewIdxid(0)
		require.NoError(t, err)
		require.Equal(t, uint64(7), id)

		id, err = v.NewIdxid(10)
		require.NoError(t, err)
		require.Equal(t, uint64(11), id, "running register value wins when larger")
	})
}

func TestMakeKeyAffinity(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}
		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)

		fromText, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("42")}, []vdbe.Affinity{vdbe.AffNumeric}, false)
		require.NoError(t, err)
		fromInt, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(42)}, nil, false)
		require.NoError(t, err)
		require.Equal(t, fromInt, fromText, "numeric affinity parses lossless text")

		asText, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("42x")}, []vdbe.Affinity{vdbe.AffNumeric}, false)
		require.NoError(t, err)
		require.NotEqual(t, fromInt, asText, "lossy text stays text")

		stringified, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(7)}, []vdbe.Affinity{vdbe.AffText}, false)
		require.NoError(t, err)
		direct, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Text("7")}, nil, false)
		require.NoError(t, err)
		require.Equal(t, direct, stringified, "text affinity stringifies numerics")
	})
}

func TestMakeKeySequenceSuffix(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}
		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		c.SetNeedSeq(true)

		vals := []kvcodec.Value{kvcodec.Text("dup")}
		k1, err := v.MakeKey(c, vals, nil, false)
		require.NoError(t, err)
		k2, err := v.MakeKey(c, vals, nil, false)
		require.NoError(t, err)
		require.NotEqual(t, k1, k2, "equal sort keys stay distinct")

		require.NoError(t, v.Insert(c, k1, []byte{1}))
		require.NoError(t, v.Insert(c, k2, []byte{2}))
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		count := 0
		eof, err := v.Rewind(c)
		require.NoError(t, err)
		for !eof {
			count++
			eof, err = v.Next(c)
			require.NoError(t, err)
		}
		require.Equal(t, 2, count)
	})
}

func TestSavepoints(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		require.NoError(t, v.InsertIntKey(c, 1, []byte{1}))

		require.NoError(t, v.SavepointBegin("sp1"))
		require.NoError(t, v.Transaction(true, false))
		require.NoError(t, v.InsertIntKey(c, 2, []byte{2}))

		require.NoError(t, v.SavepointRollback("sp1"))
		probe2, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(2)}, nil, false)
		require.NoError(t, err)
		require.ErrorIs(t, v.Seek(c, probe2, kv.SeekEQ), kv.ErrNotFound)

		// The savepoint survives its own rollback.
		require.NoError(t, v.Transaction(true, false))
		require.NoError(t, v.InsertIntKey(c, 3, []byte{3}))
		require.NoError(t, v.SavepointRelease("sp1"))

		commitAll(t, v)
		require.NoError(t, v.Transaction(false, false))
		probe1, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(1)}, nil, false)
		require.NoError(t, err)
		probe3, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(3)}, nil, false)
		require.NoError(t, err)
		require.NoError(t, v.Seek(c, probe1, kv.SeekEQ))
		require.ErrorIs(t, v.Seek(c, probe2, kv.SeekEQ), kv.ErrNotFound)
		require.NoError(t, v.Seek(c, probe3, kv.SeekEQ))
	})
}

func TestDeferredConstraintBlocksCommit(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		require.NoError(t, v.Transaction(true, false))
		v.AddDeferredConstraint(1)
		require.ErrorIs(t, v.SavepointRelease(""), kv.ErrConstraint)
		v.AddDeferredConstraint(-1)
		require.NoError(t, v.SavepointRelease(""))
	})
}

func TestStatementSubTransaction(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}

		require.NoError(t, v.Transaction(true, true))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		require.NoError(t, v.InsertIntKey(c, 1, []byte{1}))
		require.NoError(t, v.EndStatement(false))

		probe1, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(1)}, nil, false)
		require.NoError(t, err)
		require.ErrorIs(t, v.Seek(c, probe1, kv.SeekEQ), kv.ErrNotFound,
			"failed statement leaves the user transaction clean")

		require.NoError(t, v.Transaction(true, true))
		require.NoError(t, v.InsertIntKey(c, 2, []byte{2}))
		require.NoError(t, v.EndStatement(true))
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		probe2, err := v.MakeKey(c, []kvcodec.Value{kvcodec.Int(2)}, nil, false)
		require.NoError(t, err)
		require.NoError(t, v.Seek(c, probe2, kv.SeekEQ))
	})
}

func TestCookies(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		got, err := v.ReadCookie()
		require.NoError(t, err)
		require.Zero(t, got)

		require.NoError(t, v.SetCookie(5))
		require.NoError(t, v.VerifyCookie(5))
		require.ErrorIs(t, v.VerifyCookie(4), vdbe.ErrExpired)
	})
}

func TestInterrupt(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		v.Interrupt()
		require.ErrorIs(t, v.Transaction(true, false), vdbe.ErrInterrupted)
		require.ErrorIs(t, v.SavepointBegin("x"), vdbe.ErrInterrupted)
	})
}

func TestReadOnlyCursorRejectsWrites(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}
		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenRead(0, 2, ki)
		require.NoError(t, err)
		require.ErrorIs(t, v.Insert(c, []byte{0x02, 0x15}, nil), kv.ErrReadOnly)
		require.ErrorIs(t, v.Delete(c), kv.ErrReadOnly)
	})
}

func TestManyRowsScan(t *testing.T) {
	runBothBackends(t, func(t *testing.T, bc backendCase, ctx *kvstore.EngineContext) {
		v := newVdbe(t, ctx, bc, "s1")
		ki := &kvcodec.KeyInfo{NField: 1}
		require.NoError(t, v.Transaction(true, false))
		c, err := v.OpenWrite(0, 2, ki)
		require.NoError(t, err)
		const n = 500
		for i := 0; i < n; i++ {
			require.NoError(t, v.InsertIntKey(c, int64(i), []byte(fmt.Sprintf("row-%d", i))))
		}
		commitAll(t, v)

		require.NoError(t, v.Transaction(false, false))
		want := int64(0)
		eof, err := v.Rewind(c)
		require.NoError(t, err)
		for !eof {
			id, err := v.Rowid(c)
			require.NoError(t, err)
			require.Equal(t, want, id)
			want++
			eof, err = v.Next(c)
			require.NoError(t, err)
		}
		require.Equal(t, int64(n), want)

		// And backwards from the end.
		eof, err = v.Last(c)
		require.NoError(t, err)
		require.False(t, eof)
		id, err := v.Rowid(c)
		require.NoError(t, err)
		require.Equal(t, int64(n-1), id)
	})
}
