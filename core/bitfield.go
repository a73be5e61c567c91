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
package core

import (
	"bytes"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield tracks, for one torrent, which piece indices are Verified_OnDisk
// (spec.md ??3: "bit i is set iff piece i is in state Verified_OnDisk").
// It is safe for concurrent use; the block store is the only writer, while
// peer sessions, status snapshots and the checkpoint store are readers.
type Bitfield struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

// NewBitfield creates a Bitfield with numPieces bits, all clear.
func NewBitfield(numPieces int) *Bitfield {
	return &Bitfield{b: bitset.New(uint(numPieces))}
}

// NewBitfieldFromBytes reconstructs a Bitfield from the wire/on-disk BITFIELD
// byte representation (MSB-first within each byte, per BEP 3), truncated or
// padded to numPieces bits.
func NewBitfieldFromBytes(raw []byte, numPieces int) *Bitfield {
	bf := NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		bit := 7 - uint(i%8)
		if raw[byteIdx]&(1<<bit) != 0 {
			bf.b.Set(uint(i))
		}
	}
	return bf
}

// Len returns the number of pieces this bitfield tracks.
func (bf *Bitfield) Len() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return int(bf.b.Len())
}

// Has reports whether piece i is verified.
func (bf *Bitfield) Has(i int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.b.Test(uint(i))
}

// Set marks piece i verified (or clears it, on hash-mismatch rollback).
func (bf *Bitfield) Set(i int, v bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.b.SetTo(uint(i), v)
}

// Complete reports whether every piece is verified (controller: Seeding).
func (bf *Bitfield) Complete() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.b.All()
}

// Count returns the number of verified pieces.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return int(bf.b.Count())
}

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	c := &bitset.BitSet{}
	bf.b.Copy(c)
	return &Bitfield{b: c}
}

// AllSet returns the indices of all verified pieces, ascending.
func (bf *Bitfield) AllSet() []int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]int, 0, bf.b.Count())
	for i, e := bf.b.NextSet(0); e; i, e = bf.b.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// SetAll marks every piece verified (or clears all, on a hard reset).
func (bf *Bitfield) SetAll(v bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := uint(0); i < bf.b.Len(); i++ {
		bf.b.SetTo(i, v)
	}
}

// Intersection returns the pieces verified in both bf and other, e.g. a
// peer's have-set narrowed to the pieces we are still missing.
func (bf *Bitfield) Intersection(other *Bitfield) *Bitfield {
	bf.mu.RLock()
	other.mu.RLock()
	defer bf.mu.RUnlock()
	defer other.mu.RUnlock()
	return &Bitfield{b: bf.b.Intersection(other.b)}
}

// Complement returns the pieces not verified in bf.
func (bf *Bitfield) Complement() *Bitfield {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return &Bitfield{b: bf.b.Complement()}
}

// Bytes renders the bitfield in the wire BITFIELD payload format (MSB-first,
// padded with zero bits to a whole number of bytes).
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	n := int(bf.b.Len())
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if bf.b.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// String renders the bitfield as a string of '0'/'1' characters, most
// significant (index 0) first.
func (bf *Bitfield) String() string {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	var buf bytes.Buffer
	for i := uint(0); i < bf.b.Len(); i++ {
		if bf.b.Test(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}
