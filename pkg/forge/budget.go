// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package forge

// Budget caps the number of Forge API calls a detector pass may spend on a
// single event. A budget belongs to one loop iteration and is not safe for
// concurrent use.
type Budget struct {
	remaining int
}

// NewBudget returns a budget with n units.
func NewBudget(n int) *Budget {
	return &Budget{remaining: n}
}

// Take consumes one unit and reports whether a unit was available.
func (b *Budget) Take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining reports the units left.
func (b *Budget) Remaining() int {
	return b.remaining
}
