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

package incident

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID derives the stable incident id for a dedupe key.
func ID(dedupeKey string) string {
	sum := sha1.Sum([]byte(dedupeKey))
	return hex.EncodeToString(sum[:])
}

// RandomID returns a fresh id for incidents without a dedupe key.
func RandomID() string {
	return uuid.NewString()
}

// StableRunID derives a negative synthetic run id from a dedupe key. Real
// Forge run ids are positive, so synthetic incidents can never collide with
// them on the run_id unique constraint.
func StableRunID(dedupeKey string) int64 {
	sum := sha1.Sum([]byte(dedupeKey))
	v := binary.BigEndian.Uint64(sum[0:8])
	return -int64(v % (uint64(1) << 63))
}

// HashSecretName hashes a secret name for storage; only the first 10 hex
// characters are kept so the name itself never lands in evidence.
func HashSecretName(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])[:10]
}
