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

// Package checkpoint persists and restores the minimum per-torrent state
// needed for a cold restart to resume without rehashing previously-verified
// pieces (spec.md 4.H).
package checkpoint

import (
	"time"

	"github.com/coredal/torrentd/core"
)

// FormatVersion is the current on-disk checkpoint format version. Load
// refuses any checkpoint whose saved version is newer than this (spec.md
// 4.H "refuses checkpoints ... whose format version is newer than the
// implementation supports").
const FormatVersion = 1

// Checkpoint captures the minimum resume state for one torrent (spec.md
// 4.H).
type Checkpoint struct {
	FormatVersion int

	InfoHash core.HybridInfoHash
	Name     string

	// MagnetURI and TorrentFilePath are alternate routes to re-obtain
	// metadata after a restart; at most one is typically set.
	MagnetURI       string
	TorrentFilePath string

	Trackers   []string
	DHTEnabled bool
	Private    bool

	// Bitfield is the verified-piece bitfield; a restart trusts it without
	// rehashing (spec.md 4.H resume flow).
	Bitfield *core.Bitfield

	FilePriorities []core.FilePriority

	BytesDownloaded int64
	BytesUploaded   int64

	SavedAt time.Time
}

// InfoHashPrimary returns the hash this checkpoint is keyed by.
func (c *Checkpoint) InfoHashPrimary() core.InfoHash {
	return c.InfoHash.Primary()
}
