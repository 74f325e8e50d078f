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

package kvcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/ordkv/ordkv/kv"
	"github.com/ordkv/ordkv/kv/kvstore"
)

func TestParse(t *testing.T) {
	o, err := Parse([]byte(`
backend = "log"
path = "/var/db/main"
create = true
cache_size = "64MB"
key_buffer_size = "16KB"
value_buffer_size = "32KB"
`))
	require.NoError(t, err)
	require.Equal(t, "log", o.Backend)

	env := o.EnvOptions()
	require.Equal(t, "/var/db/main", env.Path)
	require.True(t, env.Create)
	require.False(t, env.ReadOnly)
	require.Equal(t, int64(64*1024*1024), env.CacheBytes)
	require.Equal(t, 16*1024, env.KeyBufferCap)
	require.Equal(t, 32*1024, env.ValueBufferCap)
}

func TestParseBad(t *testing.T) {
	_, err := Parse([]byte(`cache_size = ]broken`))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[main]
backend = "log"
in_mem = true
create = true

[scratch]
backend = "btree"
create = true
`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m, 2)
	require.Equal(t, "log", m["main"].Backend)
	require.True(t, m["main"].InMem)
	require.Equal(t, "btree", m["scratch"].Backend)
}

func TestRegister(t *testing.T) {
	r := NewRegister()
	_, ok := r.Get("x")
	require.False(t, ok)
	r.Put("x", Options{Backend: "btree", Create: true})
	o, ok := r.Get("x")
	require.True(t, ok)
	require.Equal(t, "btree", o.Backend)

	RegisterOptions("global-x", Options{Backend: "log"})
	g, ok := Lookup("global-x")
	require.True(t, ok)
	require.Equal(t, "log", g.Backend)
}

func TestOpenNamed(t *testing.T) {
	r := NewRegister()
	ctx := kvstore.NewEngineContext(log.New())

	_, err := r.OpenNamed(ctx, "nowhere")
	require.ErrorIs(t, err, kv.ErrNotFound)

	r.Put("bad", Options{Backend: "paper-tape"})
	_, err = r.OpenNamed(ctx, "bad")
	require.ErrorIs(t, err, kv.ErrMisuse)

	r.Put("mem", Options{Backend: "btree", Create: true})
	st, err := r.OpenNamed(ctx, "mem")
	require.NoError(t, err)
	require.NoError(t, st.Begin(2))
	require.NoError(t, st.Replace([]byte{0x01, 0x01}, []byte{1}))
	require.NoError(t, st.CommitPhaseTwo(0))
	require.NoError(t, st.Close())

	r.Put("disk", Options{Backend: "log", InMem: true, Create: true})
	st, err = r.OpenNamed(ctx, "disk")
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
