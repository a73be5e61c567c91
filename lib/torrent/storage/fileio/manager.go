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
package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/fileio"
)

// Manager lazily opens and, on first use, preallocates the on-disk files of
// a torrent rooted at a single download directory. Files are opened once and
// kept open for the lifetime of the Manager; Close releases them.
type Manager struct {
	root   string
	meta   *core.TorrentMetadata
	layout *Layout
	policy PreallocationPolicy

	mu    sync.Mutex
	files map[int]*os.File
}

// NewManager creates a Manager rooted at root for m, using policy to size
// files on first open.
func NewManager(root string, m *core.TorrentMetadata, policy PreallocationPolicy) *Manager {
	return &Manager{
		root:   root,
		meta:   m,
		layout: NewLayout(m),
		policy: policy,
		files:  make(map[int]*os.File),
	}
}

// Close closes every file opened so far.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var firstErr error
	for _, f := range mgr.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mgr.files = make(map[int]*os.File)
	return firstErr
}

func (mgr *Manager) open(i int) (*os.File, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if f, ok := mgr.files[i]; ok {
		return f, nil
	}
	entry := mgr.meta.Files[i]
	path, err := FilePath(mgr.root, entry)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}
	perm := os.FileMode(0644)
	if entry.Executable {
		perm = 0755
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, fmt.Errorf("open %q: %s", path, err)
	}
	if err := mgr.preallocate(f, entry); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate %q: %s", path, err)
	}
	mgr.files[i] = f
	return f, nil
}

func (mgr *Manager) preallocate(f *os.File, entry core.FileEntry) error {
	switch mgr.policy {
	case PolicyNone:
		return nil
	case PolicySparse:
		return f.Truncate(entry.Length)
	case PolicyFull:
		if err := f.Truncate(entry.Length); err != nil {
			return err
		}
		return zeroFill(f, entry.Length)
	default:
		return fmt.Errorf("unknown preallocation policy %d", mgr.policy)
	}
}

func zeroFill(f *os.File, length int64) error {
	const chunk = 1 << 20 // 1 MiB
	buf := make([]byte, chunk)
	var written int64
	for written < length {
		n := chunk
		if remaining := length - written; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := f.WriteAt(buf[:n], written); err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}

// ReadAt reads length bytes of piece-order byte range [offset, offset+length)
// into buf, scattering across files as needed.
func (mgr *Manager) ReadAt(buf []byte, offset int64) (int, error) {
	slices, err := mgr.layout.Slices(offset, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	var n int
	for _, s := range slices {
		f, err := mgr.open(s.FileIndex)
		if err != nil {
			return n, err
		}
		if mgr.meta.Files[s.FileIndex].Length == 0 {
			n += int(s.Length)
			continue
		}
		read, err := f.ReadAt(buf[n:n+int(s.Length)], s.FileOffset)
		n += read
		if err != nil {
			return n, fmt.Errorf("read file %d: %s", s.FileIndex, err)
		}
	}
	return n, nil
}

// WriteAt writes buf at piece-order byte offset, scattering across files as
// needed. Files whose priority is DoNotDownload still have their overlapping
// bytes written: verification hashes the whole piece (spec.md 4.B).
func (mgr *Manager) WriteAt(buf []byte, offset int64) (int, error) {
	slices, err := mgr.layout.Slices(offset, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	var n int
	for _, s := range slices {
		if mgr.meta.Files[s.FileIndex].Length == 0 {
			n += int(s.Length)
			continue
		}
		f, err := mgr.open(s.FileIndex)
		if err != nil {
			return n, err
		}
		written, err := f.WriteAt(buf[n:n+int(s.Length)], s.FileOffset)
		n += written
		if err != nil {
			return n, fmt.Errorf("write file %d: %s", s.FileIndex, err)
		}
	}
	return n, nil
}

// Flush fsyncs every currently-open file.
func (mgr *Manager) Flush() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for i, f := range mgr.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fsync file %d: %s", i, err)
		}
	}
	return nil
}

var _ fileio.ReadWriter = (*pieceRangeReadWriter)(nil)

// pieceRangeReadWriter adapts a Manager restricted to one piece's byte range
// into the generic fileio.ReadWriter interface, for use by PieceReader
// implementations that only know a relative offset within the piece.
type pieceRangeReadWriter struct {
	mgr   *Manager
	base  int64
	limit int64
}

func newPieceRangeReadWriter(mgr *Manager, base, limit int64) *pieceRangeReadWriter {
	return &pieceRangeReadWriter{mgr, base, limit}
}

func (w *pieceRangeReadWriter) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("Read unsupported, use ReadAt")
}

func (w *pieceRangeReadWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("Write unsupported, use WriteAt")
}

func (w *pieceRangeReadWriter) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > w.limit {
		return 0, fmt.Errorf("read out of piece range")
	}
	return w.mgr.ReadAt(p, w.base+off)
}

func (w *pieceRangeReadWriter) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > w.limit {
		return 0, fmt.Errorf("write out of piece range")
	}
	return w.mgr.WriteAt(p, w.base+off)
}
