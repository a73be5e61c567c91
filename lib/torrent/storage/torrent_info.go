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

// TorrentInfo encapsulates read-only torrent information, suitable for
// status snapshots and logging (spec.md 4.F status()).
type TorrentInfo struct {
	metadata          *core.TorrentMetadata
	bitfield          *core.Bitfield
	percentDownloaded int
}

// NewTorrentInfo creates a new TorrentInfo.
func NewTorrentInfo(m *core.TorrentMetadata, bitfield *core.Bitfield) *TorrentInfo {
	numComplete := bitfield.Count()
	downloaded := 0
	if m.NumPieces > 0 {
		downloaded = int(float64(numComplete) / float64(m.NumPieces) * 100)
	}
	return &TorrentInfo{m, bitfield, downloaded}
}

func (i *TorrentInfo) String() string {
	return i.InfoHash().Hex()
}

// Metadata returns the torrent's metadata.
func (i *TorrentInfo) Metadata() *core.TorrentMetadata {
	return i.metadata
}

// InfoHash returns the primary hash of the torrent metadata.
func (i *TorrentInfo) InfoHash() core.InfoHash {
	return i.metadata.InfoHash.Primary()
}

// MaxPieceLength returns the max piece length of the torrent.
func (i *TorrentInfo) MaxPieceLength() int64 {
	return i.metadata.PieceLength
}

// PercentDownloaded returns the percent of pieces downloaded as an integer
// between 0 and 100. Useful for logging.
func (i *TorrentInfo) PercentDownloaded() int {
	return i.percentDownloaded
}

// Bitfield returns the piece status bitfield of the torrent. Note, this is a
// snapshot and may be stale information.
func (i *TorrentInfo) Bitfield() *core.Bitfield {
	return i.bitfield
}
