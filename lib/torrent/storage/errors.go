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
package storage

import (
	"fmt"

	"github.com/coredal/torrentd/core"
)

// InfoHashMismatchError occurs when a torrent's computed info hash does not
// match the one it was opened under.
type InfoHashMismatchError struct {
	expected core.InfoHash
	actual   core.InfoHash
}

func (ie InfoHashMismatchError) Error() string {
	return fmt.Sprintf("info hash mismatch: expected %s, actual %s", ie.expected.Hex(), ie.actual.Hex())
}

// IsInfoHashMismatchError returns true if err is an InfoHashMismatchError.
func IsInfoHashMismatchError(err error) bool {
	_, ok := err.(InfoHashMismatchError)
	return ok
}

// ConflictedBlockWriteError occurs when two writers race to accept a block
// at the same (piece, offset) for the same torrent.
type ConflictedBlockWriteError struct {
	infoHash core.InfoHash
	piece    int
}

func (ce ConflictedBlockWriteError) Error() string {
	return fmt.Sprintf("another writer is already accumulating piece %d for %s", ce.piece, ce.infoHash.Hex())
}

// IsConflictedBlockWriteError returns true if err is a ConflictedBlockWriteError.
func IsConflictedBlockWriteError(err error) bool {
	_, ok := err.(ConflictedBlockWriteError)
	return ok
}

// InvalidBlockError is returned by diskstorage's AcceptBlock for a piece
// index outside the torrent (spec.md 4.A). A block that overflows its piece,
// or conflicts with an earlier block of a different length at the same
// offset, is rejected with a plain error rather than an InvalidBlockError.
type InvalidBlockError struct {
	piece  int
	offset int64
	length int
	reason string
}

func (e InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block at piece %d offset %d length %d: %s", e.piece, e.offset, e.length, e.reason)
}

// IsInvalidBlockError returns true if err is an InvalidBlockError.
func IsInvalidBlockError(err error) bool {
	_, ok := err.(InvalidBlockError)
	return ok
}

// PieceHashMismatchError occurs when an assembled piece fails verification
// against its declared v1/v2 hash.
type PieceHashMismatchError struct {
	piece int
}

func (e PieceHashMismatchError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.piece)
}

// IsPieceHashMismatchError returns true if err is a PieceHashMismatchError.
func IsPieceHashMismatchError(err error) bool {
	_, ok := err.(PieceHashMismatchError)
	return ok
}
