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

package kvstore

import "github.com/VictoriaMetrics/metrics"

var (
	SeekCount    = metrics.NewCounter(`kv_cursor_ops{op="seek"}`)    //nolint
	NextCount    = metrics.NewCounter(`kv_cursor_ops{op="next"}`)    //nolint
	PrevCount    = metrics.NewCounter(`kv_cursor_ops{op="prev"}`)    //nolint
	DeleteCount  = metrics.NewCounter(`kv_cursor_ops{op="delete"}`)  //nolint
	ReplaceCount = metrics.NewCounter(`kv_store_ops{op="replace"}`)  //nolint

	BeginCount    = metrics.NewCounter(`kv_txn_ops{op="begin"}`)    //nolint
	RollbackCount = metrics.NewCounter(`kv_txn_ops{op="rollback"}`) //nolint

	CommitPhaseOne = metrics.GetOrCreateSummary(`kv_commit_seconds{phase="one"}`) //nolint
	CommitPhaseTwo = metrics.GetOrCreateSummary(`kv_commit_seconds{phase="two"}`) //nolint
)
