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

import "crypto/sha1"

// TorrentMetadataFixture returns a single-file TorrentMetadata fixture with
// numPieces pieces of pieceLength bytes each.
func TorrentMetadataFixture(numPieces int, pieceLength int64) *TorrentMetadata {
	totalLength := int64(numPieces) * pieceLength

	content := make([]byte, totalLength)
	for i := range content {
		content[i] = byte(i)
	}

	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := int64(i) * pieceLength
		end := start + pieceLength
		hashes[i] = sha1.Sum(content[start:end])
	}

	return &TorrentMetadata{
		Name:          "fixture",
		PieceLength:   pieceLength,
		NumPieces:     numPieces,
		PieceHashesV1: hashes,
		Files: []FileEntry{
			{Path: []string{"fixture.bin"}, Length: totalLength},
		},
		TotalLength: totalLength,
		InfoHash:    HybridInfoHash{V1: NewInfoHashV1FromBencoded(content)},
	}
}

// InfoHashFixture returns an arbitrary, stable InfoHash for test use only.
func InfoHashFixture() InfoHash {
	return NewInfoHashV1FromBencoded([]byte("fixture"))
}

// PeerIDFixture returns a randomly generated PeerID, for test use only.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// BitfieldFixture returns a Bitfield of numPieces bits set according to
// bits, e.g. BitfieldFixture(true, false, true).
func BitfieldFixture(bits ...bool) *Bitfield {
	bf := NewBitfield(len(bits))
	for i, b := range bits {
		bf.Set(i, b)
	}
	return bf
}
