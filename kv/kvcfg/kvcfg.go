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

// Package kvcfg loads named environment configurations. A host registers a
// configuration under a store name ahead of time; whoever opens that name
// later observes one consistent configuration.
package kvcfg

import (
	"fmt"
	"os"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"

	"github.com/ordkv/ordkv/kv"
)

// Options is the TOML-facing form of kv.EnvOptions.
//
//	backend = "btree"
//	in_mem = true
//	create = true
//	cache_size = "64MB"
//	key_buffer_size = "16KB"
type Options struct {
	Backend         string            `toml:"backend"`
	Path            string            `toml:"path"`
	InMem           bool              `toml:"in_mem"`
	Create          bool              `toml:"create"`
	ReadOnly        bool              `toml:"read_only"`
	CacheSize       datasize.ByteSize `toml:"cache_size"`
	KeyBufferSize   datasize.ByteSize `toml:"key_buffer_size"`
	ValueBufferSize datasize.ByteSize `toml:"value_buffer_size"`
}

// EnvOptions converts to the form the drivers consume.
func (o Options) EnvOptions() kv.EnvOptions {
	return kv.EnvOptions{
		Path:           o.Path,
		InMem:          o.InMem,
		Create:         o.Create,
		ReadOnly:       o.ReadOnly,
		CacheBytes:     int64(o.CacheSize.Bytes()),
		KeyBufferCap:   int(o.KeyBufferSize.Bytes()),
		ValueBufferCap: int(o.ValueBufferSize.Bytes()),
	}
}

// Parse decodes one Options document.
func Parse(data []byte) (Options, error) {
	var o Options
	if err := toml.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("kvcfg: %w", err)
	}
	return o, nil
}

// Load reads a TOML file of named sections, one per store name:
//
//	[chaindata]
//	backend = "log"
//	path = "/var/db/chain"
func Load(path string) (map[string]Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]Options
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("kvcfg: %s: %w", path, err)
	}
	return m, nil
}

// Register holds named configurations.
type Register struct {
	mu sync.Mutex
	m  map[string]Options
}

func NewRegister() *Register {
	return &Register{m: make(map[string]Options)}
}

func (r *Register) Put(name string, o Options) {
	r.mu.Lock()
	r.m[name] = o
	r.mu.Unlock()
}

func (r *Register) Get(name string) (Options, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.m[name]
	return o, ok
}

var global = NewRegister()

// RegisterOptions records a configuration in the process-global register.
func RegisterOptions(name string, o Options) { global.Put(name, o) }

// Lookup fetches a configuration from the process-global register.
func Lookup(name string) (Options, bool) { return global.Get(name) }
