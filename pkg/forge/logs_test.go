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
	"testing"
)

func buildZip(tb testing.TB, members map[string]string) []byte {
	tb.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		if err != nil {
			tb.Fatalf("failed to create zip member: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			tb.Fatalf("failed to write zip member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExpandLogArchive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  []byte
		want string
	}{
		{
			name: "plain_text",
			raw:  []byte("npm ERR! code E401\nnpm ERR! Unable to authenticate"),
			want: "npm ERR! code E401\nnpm ERR! Unable to authenticate",
		},
		{
			name: "zip_archive",
			raw:  buildZip(t, map[string]string{"1_build.txt": "step one"}),
			want: "step one",
		},
		{
			name: "corrupt_zip",
			raw:  []byte("PK\x03\x04 not actually a zip"),
			want: "",
		},
		{
			name: "invalid_utf8_replaced",
			raw:  []byte{'o', 'k', ' ', 0xff, 0xfe},
			want: "ok �",
		},
		{
			name: "empty",
			raw:  nil,
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got, want := expandLogArchive(tc.raw), tc.want; got != want {
				t.Errorf("expected %q to be %q", got, want)
			}
		})
	}
}

func TestExpandLogArchive_JoinsMembers(t *testing.T) {
	t.Parallel()

	raw := buildZip(t, map[string]string{"1_build.txt": "first"})

	// Append a second member through a fresh archive so ordering is fixed.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, content := range []string{"first", "second"} {
		w, err := zw.Create(string(rune('a'+i)) + ".txt")
		if err != nil {
			t.Fatalf("failed to create zip member: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write zip member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}

	if got, want := expandLogArchive(buf.Bytes()), "first\nsecond"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := expandLogArchive(raw), "first"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}
