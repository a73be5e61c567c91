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

// Package diskstorage implements the block store and verifier (spec.md 4.A)
// against a plain on-disk directory of the torrent's files, one directory
// per info hash.
package diskstorage

import "sync"

// pieceState is the canonical piece state machine of spec.md 4.A.
type pieceState int

const (
	statusMissing pieceState = iota
	statusRequested
	statusCompleteUnverified
	statusVerified
)

// piece tracks the in-flight blocks of a single piece as they arrive,
// independent of request bookkeeping (which lives in the picker).
type piece struct {
	mu     sync.Mutex
	status pieceState
	length int64

	// blocks maps offset -> length for every block accepted so far. A
	// differing length at an already-accepted offset is a protocol error.
	blocks map[int64]int64
	filled int64

	// buf accumulates bytes as they arrive; once filled == length the piece
	// moves to Complete_Unverified and is handed to the verifier.
	buf []byte
}

func newPiece(length int64) *piece {
	return &piece{status: statusMissing, length: length, blocks: make(map[int64]int64)}
}

func (p *piece) complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == statusVerified
}

func (p *piece) requested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == statusRequested
}

// acceptBlock records data at offset, returning whether this call completed
// the piece (all bytes now present) and whether it was a duplicate of an
// already-accepted block. relation errors (bad offset/length, conflicting
// write) are returned via ok=false.
func (p *piece) acceptBlock(offset int64, data []byte) (duplicate, completed, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	length := int64(len(data))
	if offset < 0 || offset+length > p.length {
		return false, false, false
	}
	if p.status == statusVerified {
		return false, false, false
	}
	if existing, seen := p.blocks[offset]; seen {
		if existing != length {
			return false, false, false
		}
		return true, false, true
	}
	if p.buf == nil {
		p.buf = make([]byte, p.length)
	}
	copy(p.buf[offset:offset+length], data)
	p.blocks[offset] = length
	p.filled += length
	p.status = statusRequested
	if p.filled >= p.length {
		p.status = statusCompleteUnverified
		return false, true, true
	}
	return false, false, true
}

// assembled returns the full piece buffer, valid only once acceptBlock has
// reported completed=true.
func (p *piece) assembled() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf
}

func (p *piece) markVerified() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusVerified
	p.buf = nil // verified bytes live on disk; release the memory buffer.
	p.blocks = nil
}

// reset reverts a failed-verification piece back to Missing so it can be
// re-requested (spec.md 4.A: HashMismatch -> Missing).
func (p *piece) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusMissing
	p.buf = nil
	p.blocks = make(map[int64]int64)
	p.filled = 0
}
