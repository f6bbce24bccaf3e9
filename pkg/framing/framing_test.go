// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package framing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFramer_Push(t *testing.T) {
	cases := []struct {
		desc     string
		chunks   []string
		want     [][]string
		buffered int
	}{
		{
			desc:   "single LF line",
			chunks: []string{"hello\n"},
			want:   [][]string{{"hello"}},
		},
		{
			desc:   "single CRLF line",
			chunks: []string{"hello\r\n"},
			want:   [][]string{{"hello"}},
		},
		{
			desc:     "lone CR does not terminate",
			chunks:   []string{"hello\r"},
			want:     [][]string{nil},
			buffered: 6,
		},
		{
			desc:   "CR completed by later LF",
			chunks: []string{"hello\r", "\nworld\n"},
			want:   [][]string{nil, {"hello", "world"}},
		},
		{
			desc:     "split across chunks",
			chunks:   []string{"he", "llo\nwor"},
			want:     [][]string{nil, {"hello"}},
			buffered: 3,
		},
		{
			desc:   "multiple lines in one chunk",
			chunks: []string{"a\nb\r\nc\n"},
			want:   [][]string{{"a", "b", "c"}},
		},
		{
			desc:   "empty line",
			chunks: []string{"\n"},
			want:   [][]string{{""}},
		},
		{
			desc:   "CR in the middle stays",
			chunks: []string{"a\rb\n"},
			want:   [][]string{{"a\rb"}},
		},
		{
			desc:   "byte at a time",
			chunks: []string{"h", "i", "\r", "\n"},
			want:   [][]string{nil, nil, nil, {"hi"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := &Framer{}
			for i, chunk := range tc.chunks {
				got := f.Push([]byte(chunk))
				assert.Equal(t, tc.want[i], got, "chunk %d", i)
			}
			assert.Equal(t, tc.buffered, f.Buffered())
		})
	}
}

func TestFramer_OrderPreserved(t *testing.T) {
	f := &Framer{}
	got := f.Push([]byte("one\ntwo\nthree\npartial"))
	assert.Equal(t, []string{"one", "two", "three"}, got)

	got = f.Push([]byte(" line\n"))
	assert.Equal(t, []string{"partial line"}, got)
	assert.Zero(t, f.Buffered())
}
