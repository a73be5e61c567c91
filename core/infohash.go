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
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
)

// InfoHash is the authoritative identifier of a torrent. V1 torrents carry a
// 20-byte SHA-1 hash of the bencoded info dictionary (BEP 3); v2 torrents
// carry a 32-byte SHA-256 hash (BEP 52). Only the first Len() bytes of the
// underlying array are meaningful.
type InfoHash struct {
	b   [32]byte
	len int
}

// NewInfoHashV1FromHex parses a 40-character hex string into a v1 InfoHash.
func NewInfoHashV1FromHex(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, fmt.Errorf("invalid v1 info hash: expected 40 hex characters, got %d", len(s))
	}
	return infoHashFromHex(s, 20)
}

// NewInfoHashV2FromHex parses a 64-character hex string into a v2 InfoHash.
func NewInfoHashV2FromHex(s string) (InfoHash, error) {
	if len(s) != 64 {
		return InfoHash{}, fmt.Errorf("invalid v2 info hash: expected 64 hex characters, got %d", len(s))
	}
	return infoHashFromHex(s, 32)
}

// NewInfoHashV1FromBytes copies exactly 20 raw bytes into a v1 InfoHash, as
// read off the wire in a handshake.
func NewInfoHashV1FromBytes(b []byte) (InfoHash, error) {
	if len(b) != 20 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", len(b))
	}
	var h InfoHash
	h.len = 20
	copy(h.b[:], b)
	return h, nil
}

// NewInfoHashV2FromBytes copies exactly 32 raw bytes into a v2 InfoHash, as
// read back from a checkpoint (spec.md 4.H).
func NewInfoHashV2FromBytes(b []byte) (InfoHash, error) {
	if len(b) != 32 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 32 bytes, got %d", len(b))
	}
	var h InfoHash
	h.len = 32
	copy(h.b[:], b)
	return h, nil
}

// NewInfoHashFromBase32 parses a 32-character base32 string (as used in some
// magnet links) into a v1 InfoHash.
func NewInfoHashFromBase32(s string) (InfoHash, error) {
	if len(s) != 32 {
		return InfoHash{}, fmt.Errorf("invalid base32 info hash: expected 32 characters, got %d", len(s))
	}
	b, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("base32: %s", err)
	}
	if len(b) != 20 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", len(b))
	}
	var h InfoHash
	h.len = 20
	copy(h.b[:], b)
	return h, nil
}

func infoHashFromHex(s string, n int) (InfoHash, error) {
	var h InfoHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %s", err)
	}
	if len(b) != n {
		return InfoHash{}, fmt.Errorf("invariant violation: expected %d bytes, got %d", n, len(b))
	}
	h.len = n
	copy(h.b[:], b)
	return h, nil
}

// NewInfoHashV1FromBencoded computes the v1 InfoHash (SHA-1) of the exact
// bencoded bytes of an info dictionary, as received on the wire.
func NewInfoHashV1FromBencoded(raw []byte) InfoHash {
	sum := sha1.Sum(raw)
	var h InfoHash
	h.len = 20
	copy(h.b[:], sum[:])
	return h
}

// NewInfoHashV2FromBencoded computes the v2 InfoHash (SHA-256, BEP 52) of the
// exact bencoded bytes of an info dictionary.
func NewInfoHashV2FromBencoded(raw []byte) InfoHash {
	sum := sha256.Sum256(raw)
	var h InfoHash
	h.len = 32
	copy(h.b[:], sum[:])
	return h
}

// Bytes returns the raw hash bytes (20 or 32 long depending on version).
func (h InfoHash) Bytes() []byte {
	return append([]byte(nil), h.b[:h.len]...)
}

// Len returns 20 for a v1 hash, 32 for a v2 hash, 0 for a zero-value hash.
func (h InfoHash) Len() int {
	return h.len
}

// IsV2 reports whether h is a 32-byte v2 hash. A Truncated20 alias is 20
// bytes long and reports false.
func (h InfoHash) IsV2() bool {
	return h.len == 32
}

// Hex converts h into a hexadecimal string.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h.b[:h.len])
}

func (h InfoHash) String() string {
	return h.Hex()
}

// Equal reports whether h and o identify the same info dictionary.
func (h InfoHash) Equal(o InfoHash) bool {
	return h.len == o.len && bytes.Equal(h.b[:h.len], o.b[:o.len])
}

// Truncated20 returns the first 20 bytes of a v2 hash, as used to alias a v1
// swarm for hybrid torrents (BEP 52 ??2.1).
func (h InfoHash) Truncated20() InfoHash {
	var t InfoHash
	t.len = 20
	copy(t.b[:], h.b[:20])
	return t
}

// HybridInfoHash pairs the v1 and v2 identifiers of a hybrid torrent; either
// may be the zero value if the torrent is not hybrid.
type HybridInfoHash struct {
	V1 InfoHash
	V2 InfoHash
}

// IsHybrid reports whether both a v1 and a v2 hash are present.
func (h HybridInfoHash) IsHybrid() bool {
	return h.V1.Len() == 20 && h.V2.Len() == 32
}

// Primary returns the v2 hash if present, else the v1 hash. Controllers key
// torrents by this value; the other hash (if any) aliases the same
// controller per spec.md ??3.
func (h HybridInfoHash) Primary() InfoHash {
	if h.V2.Len() == 32 {
		return h.V2
	}
	return h.V1
}
