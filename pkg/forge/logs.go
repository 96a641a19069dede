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

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
)

var zipMagic = []byte("PK")

// expandLogArchive turns a raw log download into text. Zip archives are
// flattened by joining every member with newlines; a corrupt archive yields
// an empty string. Invalid UTF-8 is replaced, never dropped.
func expandLogArchive(raw []byte) string {
	if !bytes.HasPrefix(raw, zipMagic) {
		return strings.ToValidUTF8(string(raw), "�")
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return ""
	}

	parts := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return ""
		}
		member, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return ""
		}
		parts = append(parts, strings.ToValidUTF8(string(member), "�"))
	}
	return strings.Join(parts, "\n")
}
