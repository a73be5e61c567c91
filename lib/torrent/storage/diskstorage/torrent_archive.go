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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uber-go/tally"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage"
)

// TorrentArchive creates and opens Torrents backed by a single root
// directory, one subdirectory per info hash.
type TorrentArchive struct {
	config Config
	stats  tally.Scope

	mu       sync.Mutex
	torrents map[string]*Torrent
}

// NewTorrentArchive creates a new TorrentArchive.
func NewTorrentArchive(config Config, stats tally.Scope) *TorrentArchive {
	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "diskstorage"})
	return &TorrentArchive{
		config:   config,
		stats:    stats,
		torrents: make(map[string]*Torrent),
	}
}

func (a *TorrentArchive) dir(h core.InfoHash) string {
	return filepath.Join(a.config.Dir, h.Hex())
}

// Stat returns TorrentInfo for h, or storage.ErrNotFound if unknown.
func (a *TorrentArchive) Stat(h core.InfoHash) (*storage.TorrentInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.torrents[h.Hex()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Stat(), nil
}

// CreateTorrent initializes a new Torrent for m, or returns the already-open
// instance if one exists for its info hash.
func (a *TorrentArchive) CreateTorrent(m *core.TorrentMetadata) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := m.InfoHash.Primary()
	if t, ok := a.torrents[h.Hex()]; ok {
		return t, nil
	}
	t, err := NewTorrent(a.dir(h), m, a.config.preallocationPolicy())
	if err != nil {
		return nil, fmt.Errorf("initialize torrent: %s", err)
	}
	a.torrents[h.Hex()] = t
	return t, nil
}

// GetTorrent returns the already-open Torrent for h.
func (a *TorrentArchive) GetTorrent(h core.InfoHash) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.torrents[h.Hex()]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// DeleteTorrent closes and removes a torrent's on-disk state for h.
func (a *TorrentArchive) DeleteTorrent(h core.InfoHash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.torrents[h.Hex()]; ok {
		t.Close()
		delete(a.torrents, h.Hex())
	}
	if err := os.RemoveAll(a.dir(h)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
