// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"encoding/json"

	"github.com/flowmesh/control-plane/internal/types"
)

// cloneRecord returns a deep copy of record via a JSON round-trip. Run
// records are small enough (one workflow snapshot plus per-node state)
// that this is cheaper to reason about correctly than hand-rolled deep
// copy code. Every Registry method that hands a record back (Get and
// the mutators alike, MarkDispatched included) returns such a copy.
func cloneRecord(record *types.RunRecord) *types.RunRecord {
	b, err := json.Marshal(record)
	if err != nil {
		return record
	}
	var out types.RunRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return record
	}
	return &out
}
