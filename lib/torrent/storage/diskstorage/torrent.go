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
package diskstorage

import (
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/lib/torrent/storage/fileio"
	"github.com/coredal/torrentd/lib/torrent/storage/piecereader"
	"github.com/coredal/torrentd/utils/log"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// hashSem bounds the number of pieces being verified concurrently,
// independent of the peer I/O goroutines (spec.md 4.A: "hashing never
// blocks the peer event loop").
var hashSem = semaphore.NewWeighted(4)

// Torrent implements storage.Torrent against a plain on-disk directory of
// the torrent's files, restoring completion state from a sidecar bitfield
// file rather than rehashing on every open.
type Torrent struct {
	root    string
	meta    *core.TorrentMetadata
	files   *fileio.Manager
	layout  *fileio.Layout
	pieces  []*piece
	state   *stateFile
	numDone *atomic.Int32
}

// NewTorrent creates or reopens a Torrent rooted at dir for m.
func NewTorrent(dir string, m *core.TorrentMetadata, policy fileio.PreallocationPolicy) (*Torrent, error) {
	files := fileio.NewManager(dir, m, policy)
	layout := fileio.NewLayout(m)

	pieces := make([]*piece, m.NumPieces)
	for i := range pieces {
		pieces[i] = newPiece(m.GetPieceLength(i))
	}

	sf, err := openStateFile(dir, m.NumPieces)
	if err != nil {
		return nil, fmt.Errorf("open state file: %s", err)
	}
	numDone := 0
	for i := 0; i < m.NumPieces; i++ {
		if sf.bf.Has(i) {
			pieces[i].markVerified()
			numDone++
		}
	}

	return &Torrent{
		root:    dir,
		meta:    m,
		files:   files,
		layout:  layout,
		pieces:  pieces,
		state:   sf,
		numDone: atomic.NewInt32(int32(numDone)),
	}, nil
}

// Stat returns a TorrentInfo snapshot.
func (t *Torrent) Stat() *storage.TorrentInfo {
	return storage.NewTorrentInfo(t.meta, t.Bitfield())
}

// NumPieces returns the number of pieces.
func (t *Torrent) NumPieces() int { return t.meta.NumPieces }

// Length returns the total length of the torrent.
func (t *Torrent) Length() int64 { return t.meta.TotalLength }

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 { return t.meta.GetPieceLength(pi) }

// MaxPieceLength returns the configured (non-final) piece length.
func (t *Torrent) MaxPieceLength() int64 { return t.meta.PieceLength }

// InfoHash returns the torrent's primary info hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.meta.InfoHash.Primary() }

// Complete reports whether every piece is verified.
func (t *Torrent) Complete() bool {
	return int(t.numDone.Load()) == t.meta.NumPieces
}

// BytesDownloaded estimates bytes downloaded from verified piece count.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numDone.Load())
	if n == int64(t.meta.NumPieces) {
		return t.meta.TotalLength
	}
	return min64(n*t.meta.PieceLength, t.meta.TotalLength)
}

// Bitfield returns a snapshot of the verified-piece bitfield.
func (t *Torrent) Bitfield() *core.Bitfield {
	b := core.NewBitfield(t.meta.NumPieces)
	for i, p := range t.pieces {
		if p.complete() {
			b.Set(i, true)
		}
	}
	return b
}

func (t *Torrent) String() string {
	return fmt.Sprintf("torrent(hash=%s, name=%s, done=%d/%d)",
		t.InfoHash().Hex(), t.meta.Name, t.numDone.Load(), t.meta.NumPieces)
}

// HasPiece reports whether piece pi is verified.
func (t *Torrent) HasPiece(pi int) bool {
	if pi < 0 || pi >= len(t.pieces) {
		return false
	}
	return t.pieces[pi].complete()
}

// MissingPieces returns the indices of every non-verified piece.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

// AcceptBlock implements storage.Torrent.AcceptBlock (spec.md 4.A).
func (t *Torrent) AcceptBlock(pi int, offset int64, data []byte) (storage.AcceptResult, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return storage.Rejected, storage.InvalidBlockError{}
	}
	p := t.pieces[pi]
	if p.complete() {
		return storage.Rejected, storage.ErrPieceComplete
	}
	duplicate, completed, ok := p.acceptBlock(offset, data)
	if !ok {
		return storage.Rejected, fmt.Errorf("block at piece %d offset %d length %d conflicts or is out of range",
			pi, offset, len(data))
	}
	if duplicate {
		return storage.Duplicate, nil
	}
	if completed {
		if err := t.verifyAndWrite(pi); err != nil {
			return storage.Rejected, err
		}
	}
	return storage.Accepted, nil
}

// verifyAndWrite runs verification for a just-completed piece and, on
// success, writes it to disk and marks it Verified_OnDisk. On failure the
// piece reverts to Missing (spec.md 4.A).
func (t *Torrent) verifyAndWrite(pi int) error {
	ctx := context.Background()
	if err := hashSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer hashSem.Release(1)

	p := t.pieces[pi]
	data := p.assembled()

	result := t.verify(pi, data)
	if result == storage.HashMismatch {
		p.reset()
		log.Errorf("Piece %d of %s failed hash verification", pi, t.InfoHash().Hex())
		return storage.PieceHashMismatchError{}
	}

	start, _ := t.layout.PieceRange(pi)
	if _, err := t.files.WriteAt(data, start); err != nil {
		p.reset()
		return fmt.Errorf("write piece %d: %s", pi, err)
	}
	p.markVerified()
	t.numDone.Inc()
	if err := t.state.markComplete(pi); err != nil {
		log.Errorf("Persist piece %d completion for %s: %s", pi, t.InfoHash().Hex(), err)
	}
	return nil
}

func (t *Torrent) verify(pi int, data []byte) storage.VerifyResult {
	if t.meta.IsV2() {
		return t.verifyV2(pi, data)
	}
	sum := sha1.Sum(data)
	if pi >= len(t.meta.PieceHashesV1) || sum != t.meta.PieceHashesV1[pi] {
		return storage.HashMismatch
	}
	return storage.Verified
}

// verifyV2 checks the Merkle root of the assembled piece against the stored
// BEP 52 piece layer hash of the (first) file it overlaps. Hybrid torrents
// whose files never straddle a piece boundary (required by BEP 52) always
// have exactly one such file.
func (t *Torrent) verifyV2(pi int, data []byte) storage.VerifyResult {
	fileIdx := -1
	for _, fi := range t.layout.OverlappingFiles(pi) {
		if t.meta.Files[fi].Length > 0 {
			fileIdx = fi
			break
		}
	}
	if fileIdx < 0 || fileIdx >= len(t.meta.PieceLayers) {
		return storage.HashMismatch
	}
	fileStart, _ := fileOffset(t.meta, fileIdx)
	pieceStart, _ := t.layout.PieceRange(pi)
	localIdx := int((pieceStart - fileStart) / t.meta.PieceLength)
	layers := t.meta.PieceLayers[fileIdx]
	if localIdx < 0 || localIdx >= len(layers) {
		return storage.HashMismatch
	}
	if core.MerklePieceRoot(data) != layers[localIdx] {
		return storage.HashMismatch
	}
	return storage.Verified
}

func fileOffset(m *core.TorrentMetadata, idx int) (int64, int64) {
	var pos int64
	for i, f := range m.Files {
		if i == idx {
			return pos, f.Length
		}
		pos += f.Length
	}
	return 0, 0
}

// GetPieceReader returns a reader for a verified whole piece.
func (t *Torrent) GetPieceReader(pi int) (storage.PieceReader, error) {
	return t.GetBlockReader(pi, 0, t.PieceLength(pi))
}

// GetBlockReader returns a reader for a block of piece pi. Verified pieces
// are read from disk; a still-assembling piece may serve its in-memory
// buffer (spec.md 4.A).
func (t *Torrent) GetBlockReader(pi int, offset, length int64) (storage.PieceReader, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d", pi)
	}
	p := t.pieces[pi]
	if p.complete() {
		start, _ := t.layout.PieceRange(pi)
		buf := make([]byte, length)
		if _, err := t.files.ReadAt(buf, start+offset); err != nil {
			return nil, fmt.Errorf("read piece %d: %s", pi, err)
		}
		return piecereader.NewBuffer(buf), nil
	}
	data := p.assembled()
	if data == nil || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("piece %d not buffered at [%d,%d)", pi, offset, offset+length)
	}
	return piecereader.NewBuffer(data[offset : offset+length]), nil
}

// Flush fsyncs all written pieces.
func (t *Torrent) Flush() error {
	return t.files.Flush()
}

// Close releases open file handles.
func (t *Torrent) Close() error {
	return t.files.Close()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
