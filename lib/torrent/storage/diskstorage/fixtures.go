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
	"crypto/sha1"
	"os"

	"github.com/uber-go/tally"

	"github.com/coredal/torrentd/core"
)

// MetadataFixture returns a single-file TorrentMetadata of the given total
// length and piece length, along with the exact content bytes it describes.
func MetadataFixture(totalLength, pieceLength int64) (*core.TorrentMetadata, []byte) {
	content := make([]byte, totalLength)
	for i := range content {
		content[i] = byte(i)
	}

	numPieces := int((totalLength + pieceLength - 1) / pieceLength)
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := int64(i) * pieceLength
		end := start + pieceLength
		if end > totalLength {
			end = totalLength
		}
		hashes[i] = sha1.Sum(content[start:end])
	}

	m := &core.TorrentMetadata{
		Name:          "fixture",
		PieceLength:   pieceLength,
		NumPieces:     numPieces,
		PieceHashesV1: hashes,
		Files: []core.FileEntry{
			{Path: []string{"fixture.bin"}, Length: totalLength},
		},
		TotalLength: totalLength,
	}
	h := core.NewInfoHashV1FromBencoded(content) // arbitrary but stable for fixtures
	m.InfoHash = core.HybridInfoHash{V1: h}
	return m, content
}

// TorrentArchiveFixture returns a TorrentArchive rooted at a fresh temp
// directory and a cleanup function.
func TorrentArchiveFixture() (*TorrentArchive, func()) {
	dir, err := os.MkdirTemp("", "diskstorage_")
	if err != nil {
		panic(err)
	}
	archive := NewTorrentArchive(Config{Dir: dir}, tally.NoopScope)
	return archive, func() { os.RemoveAll(dir) }
}
