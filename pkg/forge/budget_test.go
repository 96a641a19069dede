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

import "testing"

func TestBudget_Take(t *testing.T) {
	t.Parallel()

	b := NewBudget(2)
	if got, want := b.Take(), true; got != want {
		t.Errorf("expected %t to be %t", got, want)
	}
	if got, want := b.Take(), true; got != want {
		t.Errorf("expected %t to be %t", got, want)
	}
	if got, want := b.Take(), false; got != want {
		t.Errorf("expected %t to be %t", got, want)
	}
	if got, want := b.Remaining(), 0; got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
}

func TestBudget_Empty(t *testing.T) {
	t.Parallel()

	b := NewBudget(0)
	if got, want := b.Take(), false; got != want {
		t.Errorf("expected %t to be %t", got, want)
	}
}
