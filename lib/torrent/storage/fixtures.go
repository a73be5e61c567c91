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

import "github.com/coredal/torrentd/core"

// TorrentInfoFixture returns a TorrentInfo for a single-file fixture torrent
// with numPieces pieces of pieceLength bytes each, and an empty bitfield.
func TorrentInfoFixture(numPieces int, pieceLength int64) *TorrentInfo {
	m := core.TorrentMetadataFixture(numPieces, pieceLength)
	return NewTorrentInfo(m, core.NewBitfield(numPieces))
}
