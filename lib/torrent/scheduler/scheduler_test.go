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

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage/diskstorage"
)

func seedTorrent(t *testing.T, archive *diskstorage.TorrentArchive, meta *core.TorrentMetadata, content []byte) {
	tor, err := archive.CreateTorrent(meta)
	require.NoError(t, err)
	for i := 0; i < meta.NumPieces; i++ {
		start := int64(i) * meta.PieceLength
		end := start + meta.GetPieceLength(i)
		_, err := tor.AcceptBlock(i, 0, content[start:end])
		require.NoError(t, err)
	}
	require.True(t, tor.Complete())
}

func TestSchedulerDownloadTorrentWithSeederAndLeecher(t *testing.T) {
	require := require.New(t)

	meta, content := diskstorage.MetadataFixture(4096, 1024)

	seederArchive, cleanupSeeder := archiveFixture()
	defer cleanupSeeder()
	seedTorrent(t, seederArchive, meta, content)

	leecherArchive, cleanupLeecher := archiveFixture()
	defer cleanupLeecher()
	leecherTorrent, err := leecherArchive.CreateTorrent(meta)
	require.NoError(err)

	config := configFixture()

	seeder, cleanupSeederSched := schedulerFixture(t, config, seederArchive)
	defer cleanupSeederSched()
	leecher, cleanupLeecherSched := schedulerFixture(t, config, leecherArchive)
	defer cleanupLeecherSched()

	seederTorrent, err := seederArchive.GetTorrent(meta.InfoHash.Primary())
	require.NoError(err)
	require.NoError(seeder.AddTorrent(seederTorrent))
	require.NoError(leecher.AddTorrent(leecherTorrent))

	require.NoError(leecher.AddPeers(meta.InfoHash.Primary(), []Endpoint{
		{Addr: seeder.Addr(), PeerID: seeder.PeerID()},
	}))

	require.Eventually(func() bool {
		return leecherTorrent.Complete()
	}, 10*time.Second, 10*time.Millisecond)

	require.True(leecherTorrent.Bitfield().Complete())
}

func TestSchedulerPauseAndResume(t *testing.T) {
	require := require.New(t)

	meta, content := diskstorage.MetadataFixture(1024, 1024)

	archive, cleanup := archiveFixture()
	defer cleanup()
	seedTorrent(t, archive, meta, content)

	tor, err := archive.GetTorrent(meta.InfoHash.Primary())
	require.NoError(err)

	s, cleanupSched := schedulerFixture(t, configFixture(), archive)
	defer cleanupSched()

	h := meta.InfoHash.Primary()
	require.NoError(s.AddTorrent(tor))

	status, err := s.Status(h)
	require.NoError(err)
	require.Equal("seeding", status.Phase)

	require.NoError(s.Pause(h))
	status, err = s.Status(h)
	require.NoError(err)
	require.Equal("paused", status.Phase)

	require.NoError(s.Resume(h))
	status, err = s.Status(h)
	require.NoError(err)
	require.Equal("seeding", status.Phase)
}

func TestSchedulerStatusUnknownTorrent(t *testing.T) {
	require := require.New(t)

	archive, cleanup := archiveFixture()
	defer cleanup()

	s, cleanupSched := schedulerFixture(t, configFixture(), archive)
	defer cleanupSched()

	_, err := s.Status(core.InfoHashFixture())
	require.Equal(errUnknownTorrent, err)
}

func TestSchedulerCheckpointRoundTrip(t *testing.T) {
	require := require.New(t)

	meta, content := diskstorage.MetadataFixture(2048, 1024)

	archive, cleanup := archiveFixture()
	defer cleanup()
	seedTorrent(t, archive, meta, content)

	tor, err := archive.GetTorrent(meta.InfoHash.Primary())
	require.NoError(err)

	s, cleanupSched := schedulerFixture(t, configFixture(), archive)
	defer cleanupSched()

	h := meta.InfoHash.Primary()
	require.NoError(s.AddTorrent(tor))
	require.NoError(s.Checkpoint(h))

	c, err := s.checkpoints.Load(h)
	require.NoError(err)
	require.Equal(h, c.InfoHashPrimary())
	require.True(c.Bitfield.Complete())
}

func TestSchedulerRemove(t *testing.T) {
	require := require.New(t)

	meta, content := diskstorage.MetadataFixture(1024, 1024)

	archive, cleanup := archiveFixture()
	defer cleanup()
	seedTorrent(t, archive, meta, content)

	tor, err := archive.GetTorrent(meta.InfoHash.Primary())
	require.NoError(err)

	s, cleanupSched := schedulerFixture(t, configFixture(), archive)
	defer cleanupSched()

	h := meta.InfoHash.Primary()
	require.NoError(s.AddTorrent(tor))
	require.NoError(s.Remove(h))

	_, err = s.Status(h)
	require.Equal(errUnknownTorrent, err)
}
