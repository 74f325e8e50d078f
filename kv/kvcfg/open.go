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
	"fmt"

	"github.com/ordkv/ordkv/kv"
	"github.com/ordkv/ordkv/kv/btreekv"
	"github.com/ordkv/ordkv/kv/kvstore"
	"github.com/ordkv/ordkv/kv/logkv"
)

// DriverFor resolves a backend name from a configuration to its driver.
func DriverFor(backend string) (kv.Driver, bool) {
	switch backend {
	case "btree":
		return btreekv.Driver{}, true
	case "log":
		return logkv.Driver{}, true
	default:
		return nil, false
	}
}

// OpenNamed opens the store under its registered configuration, so every
// connection naming the same store observes one configuration regardless of
// who opens first. ctx == nil selects the default engine context.
func (r *Register) OpenNamed(ctx *kvstore.EngineContext, name string) (kv.Store, error) {
	o, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: no configuration registered for %q", kv.ErrNotFound, name)
	}
	drv, ok := DriverFor(o.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q for %q", kv.ErrMisuse, o.Backend, name)
	}
	return kvstore.Open(ctx, drv, name, o.EnvOptions())
}

// OpenNamed uses the process-global register.
func OpenNamed(ctx *kvstore.EngineContext, name string) (kv.Store, error) {
	return global.OpenNamed(ctx, name)
}
