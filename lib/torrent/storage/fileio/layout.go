// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package fileio implements the file I/O layer (spec.md 4.B): translating a
// piece's (offset, length) into the file-system slices it covers when a
// torrent's files are laid out end-to-end in piece order, and creating /
// preallocating those files according to a configured policy.
package fileio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coredal/torrentd/core"
)

// PreallocationPolicy controls how a file is sized on first use.
type PreallocationPolicy int

const (
	// PolicyNone creates the file empty; it grows as writes land.
	PolicyNone PreallocationPolicy = iota
	// PolicySparse creates the file at its full logical length immediately,
	// leaving holes for unwritten regions (requires a filesystem that
	// supports sparse files; this is advisory on others).
	PolicySparse
	// PolicyFull allocates and zero-fills the entire file up front.
	PolicyFull
)

// Slice is one file's contribution to a byte range that may span several
// files in a multi-file torrent.
type Slice struct {
	FileIndex  int
	FileOffset int64
	Length     int64
}

// Layout maps byte ranges of the concatenated piece-order file space onto
// individual files.
type Layout struct {
	meta *core.TorrentMetadata

	// offsets[i] is the start offset of file i in the concatenated space.
	offsets []int64
}

// NewLayout builds a Layout for m.
func NewLayout(m *core.TorrentMetadata) *Layout {
	offsets := make([]int64, len(m.Files))
	var pos int64
	for i, f := range m.Files {
		offsets[i] = pos
		pos += f.Length
	}
	return &Layout{meta: m, offsets: offsets}
}

// Slices returns the per-file slices covering piece-order byte range
// [start, start+length).
func (l *Layout) Slices(start, length int64) ([]Slice, error) {
	if length < 0 || start < 0 {
		return nil, fmt.Errorf("negative range: start=%d length=%d", start, length)
	}
	end := start + length
	if end > l.meta.TotalLength {
		return nil, fmt.Errorf("range [%d,%d) exceeds total length %d", start, end, l.meta.TotalLength)
	}
	var slices []Slice
	for i, f := range l.meta.Files {
		fileStart := l.offsets[i]
		fileEnd := fileStart + f.Length
		if fileEnd <= start || fileStart >= end {
			continue
		}
		sliceStart := max64(start, fileStart)
		sliceEnd := min64(end, fileEnd)
		slices = append(slices, Slice{
			FileIndex:  i,
			FileOffset: sliceStart - fileStart,
			Length:     sliceEnd - sliceStart,
		})
	}
	return slices, nil
}

// PieceRange returns the piece-order [start, start+length) covered by piece
// index pi.
func (l *Layout) PieceRange(pi int) (start, length int64) {
	start = int64(pi) * l.meta.PieceLength
	length = l.meta.GetPieceLength(pi)
	return
}

// OverlappingFiles returns the indices of every file that piece pi overlaps.
func (l *Layout) OverlappingFiles(pi int) []int {
	start, length := l.PieceRange(pi)
	slices, err := l.Slices(start, length)
	if err != nil {
		return nil
	}
	out := make([]int, len(slices))
	for i, s := range slices {
		out[i] = s.FileIndex
	}
	return out
}

// FilePath joins root with the torrent-relative path of file i, rejecting
// any component that would escape root (defends against malicious ../ path
// entries in a torrent's file list).
func FilePath(root string, f core.FileEntry) (string, error) {
	rel := filepath.Join(f.Path...)
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root) + string(os.PathSeparator)
	if joined != filepath.Clean(root) && !hasPrefix(joined, cleanRoot) {
		return "", fmt.Errorf("path %q escapes torrent root", rel)
	}
	return joined, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
