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
package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/lib/torrent/storage/diskstorage"
)

// configFixture returns a Config tuned for fast, deterministic tests.
func configFixture() Config {
	return Config{
		SeederTTI:          time.Minute,
		LeecherTTI:         time.Minute,
		ConnTTI:            time.Minute,
		ConnTTL:            time.Minute,
		DisablePreemption:  true,
		EmitStatsInterval:  time.Hour,
		CheckpointInterval: time.Hour,
		ProbeTimeout:       time.Second,
	}
}

// schedulerFixture starts a real Scheduler rooted at a fresh temp directory
// for both its checkpoint store and the given archive.
func schedulerFixture(t *testing.T, config Config, archive storage.TorrentArchive) (*Scheduler, func()) {
	config.CheckpointDir = t.TempDir()

	peerID := core.PeerIDFixture()
	s, err := New(config, archive, tally.NoopScope, peerID, "127.0.0.1:0", zap.NewNop().Sugar())
	require.NoError(t, err)
	return s, func() { s.Close() }
}

// archiveFixture returns a fresh diskstorage.TorrentArchive and its cleanup.
func archiveFixture() (*diskstorage.TorrentArchive, func()) {
	return diskstorage.TorrentArchiveFixture()
}
