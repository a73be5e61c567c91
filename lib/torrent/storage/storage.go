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

// Package storage implements the block store and verifier (spec.md 4.A):
// accumulating blocks into whole pieces, verifying them against the v1/v2
// piece hashes, and writing them out via the file I/O layer.
package storage

import (
	"errors"
	"io"

	"github.com/coredal/torrentd/core"
)

// ErrNotFound occurs when TorrentArchive cannot find a torrent.
var ErrNotFound = errors.New("torrent not found")

// ErrPieceComplete occurs when Torrent cannot accept a block because the
// piece is already verified.
var ErrPieceComplete = errors.New("piece is already complete")

// AcceptResult is the outcome of accept_block (spec.md 4.A).
type AcceptResult int

const (
	// Accepted means the block was stored and, if it completed the piece,
	// verification was triggered.
	Accepted AcceptResult = iota
	// Duplicate means a block of the same length was already accepted at
	// that offset; the call is a no-op.
	Duplicate
	// Rejected means the block was refused; see the returned error for why.
	Rejected
)

func (r AcceptResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case Duplicate:
		return "Duplicate"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// VerifyResult is the outcome of verify (spec.md 4.A).
type VerifyResult int

const (
	// Verified means the assembled piece's hash matched.
	Verified VerifyResult = iota
	// HashMismatch means the assembled piece's hash did not match.
	HashMismatch
)

func (r VerifyResult) String() string {
	if r == Verified {
		return "Verified"
	}
	return "HashMismatch"
}

// PieceReader defines operations for lazy piece or block reading.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// Torrent represents a read/write interface for a single torrent's pieces,
// implementing the block store and verifier of spec.md 4.A on top of the
// file I/O layer of spec.md 4.B.
type Torrent interface {
	Stat() *TorrentInfo
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	InfoHash() core.InfoHash
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *core.Bitfield
	String() string

	HasPiece(piece int) bool
	MissingPieces() []int

	// AcceptBlock accumulates one block of a piece. When the final block of
	// a piece is accepted, verification runs synchronously on the caller's
	// goroutine; callers that must not block the peer event loop should
	// invoke this from a worker pool (spec.md 4.A).
	AcceptBlock(piece int, offset int64, data []byte) (AcceptResult, error)

	// GetPieceReader returns a reader for a verified whole piece, used to
	// serve outgoing PIECE messages.
	GetPieceReader(piece int) (PieceReader, error)

	// GetBlockReader returns a reader for an arbitrary block of a verified
	// (or still-buffered, unverified) piece.
	GetBlockReader(piece int, offset int64, length int64) (PieceReader, error)

	// Flush blocks until all verified pieces accepted so far are durably
	// persisted. Called before every checkpoint save (spec.md 4.A, 4.H).
	Flush() error
}

// TorrentArchive creates, opens, and deletes the on-disk state of torrents.
type TorrentArchive interface {
	Stat(h core.InfoHash) (*TorrentInfo, error)
	CreateTorrent(m *core.TorrentMetadata) (Torrent, error)
	GetTorrent(h core.InfoHash) (Torrent, error)
	DeleteTorrent(h core.InfoHash) error
}
