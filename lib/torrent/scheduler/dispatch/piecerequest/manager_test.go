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
package piecerequest

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/utils/syncutil"
)

// metaFixture builds metadata with numPieces pieces of pieceLength bytes
// each, one block per piece (blockSize == pieceLength), so the block-level
// Manager behaves piece-for-piece like its whole-piece predecessor.
func metaFixture(numPieces int) (*core.TorrentMetadata, int64) {
	const pieceLength = 16384
	return &core.TorrentMetadata{
		PieceLength: pieceLength,
		NumPieces:   numPieces,
		TotalLength: pieceLength * int64(numPieces),
	}, pieceLength
}

func bitfieldFromBools(bs ...bool) *core.Bitfield {
	bf := core.NewBitfield(len(bs))
	for i, b := range bs {
		bf.Set(i, b)
	}
	return bf
}

func newManager(
	clk clock.Clock,
	numPieces int,
	timeout time.Duration,
	policy string,
	pipelineLimit int) *Manager {

	meta, pieceLength := metaFixture(numPieces)
	m, err := NewManager(clk, meta, timeout, policy, pipelineLimit, pieceLength)
	if err != nil {
		panic(err)
	}
	return m
}

func countsFromInts(priorities ...int) syncutil.Counters {
	c := syncutil.NewCounters(len(priorities))
	for i, p := range priorities {
		c.Set(i, p)
	}

	return c
}

// piecesOf extracts the distinct, sorted piece indices reserved in reqs.
func piecesOf(reqs []Request) []int {
	seen := make(map[int]bool)
	for _, r := range reqs {
		seen[r.Piece] = true
	}
	var out []int
	for i := range seen {
		out = append(out, i)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func TestManagerPipelineLimit(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 4, 5*time.Second, RoundRobinPolicy, 3)

	peerID := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true, true, true, true),
		countsFromInts(0, 0, 0, 0), nil, false)
	require.NoError(err)
	require.Len(reqs, 3)

	require.Len(m.PendingPieces(peerID), 3)
}

func TestManagerReserveExpiredRequest(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	timeout := 5 * time.Second

	m := newManager(clk, 1, timeout, RoundRobinPolicy, 1)

	peerID := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	// Further reservations fail.
	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	reqs, err = m.ReserveBlocks(core.PeerIDFixture(), bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	clk.Add(timeout + 1)

	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))
}

func TestManagerReserveUnsentRequest(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 1, 5*time.Second, RoundRobinPolicy, 1)

	peerID := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	// Further reservations fail.
	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	reqs, err = m.ReserveBlocks(core.PeerIDFixture(), bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	m.MarkUnsent(peerID, 0, 0)

	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))
}

func TestManagerReserveInvalidRequest(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 1, 5*time.Second, RoundRobinPolicy, 1)

	peerID := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	// Further reservations fail.
	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	reqs, err = m.ReserveBlocks(core.PeerIDFixture(), bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	m.MarkInvalid(peerID, 0, 0)

	reqs, err = m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))
}

func TestManagerGetFailedRequests(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	timeout := 5 * time.Second

	m := newManager(clk, 4, timeout, RarestFirstPolicy, 1)

	p0 := core.PeerIDFixture()
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p0, bitfieldFromBools(true, true, true, false),
		countsFromInts(0, 1, 2, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p1, bitfieldFromBools(false, true, false, false),
		countsFromInts(0, 1, 2, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{1}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(false, false, true, false),
		countsFromInts(0, 1, 2, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{2}, piecesOf(reqs))

	m.MarkUnsent(p0, 0, 0)
	m.MarkInvalid(p1, 1, 0)
	clk.Add(timeout + 1) // Expires p2's request.

	p3 := core.PeerIDFixture()
	reqs, err = m.ReserveBlocks(p3, bitfieldFromBools(false, false, false, true),
		countsFromInts(0, 0, 0, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{3}, piecesOf(reqs))

	_, pieceLength := metaFixture(4)
	failed := m.GetFailedRequests()

	require.Len(failed, 3)
	require.Contains(failed, Request{Piece: 0, Offset: 0, Length: pieceLength, PeerID: p0, Status: StatusUnsent})
	require.Contains(failed, Request{Piece: 1, Offset: 0, Length: pieceLength, PeerID: p1, Status: StatusInvalid})
	require.Contains(failed, Request{Piece: 2, Offset: 0, Length: pieceLength, PeerID: p2, Status: StatusExpired})
}

func TestManagerClear(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 1, 5*time.Second, RoundRobinPolicy, 1)

	peerID := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true),
		countsFromInts(0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	require.Len(m.PendingPieces(peerID), 1)

	m.Clear(0)

	require.Empty(m.PendingPieces(peerID))
}

func TestManagerClearPeer(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 2, 5*time.Second, RoundRobinPolicy, 1)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true, false),
		countsFromInts(0, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p1, bitfieldFromBools(true, true),
		countsFromInts(0, 1), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true),
		countsFromInts(0, 1), nil, false)
	require.NoError(err)
	require.Equal([]int{1}, piecesOf(reqs))

	m.ClearPeer(p1)

	require.Empty(m.PendingPieces(p1))
	require.Equal([]int{1}, m.PendingPieces(p2))
}

func TestManagerReserveBlocksAllowDuplicate(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 1, 5*time.Second, RoundRobinPolicy, 2)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true),
		countsFromInts(0), nil, true)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))

	// Shouldn't allow duplicates on the same peer.
	reqs, err = m.ReserveBlocks(p1, bitfieldFromBools(true),
		countsFromInts(0), nil, true)
	require.NoError(err)
	require.Empty(reqs)

	// Should allow duplicates for different peers (endgame mode).
	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true),
		countsFromInts(0), nil, true)
	require.NoError(err)
	require.Equal([]int{0}, piecesOf(reqs))
}

func TestManagerClearWhenAllowedDuplicates(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 2, 5*time.Second, RoundRobinPolicy, 2)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true, true),
		countsFromInts(0, 0), nil, true)
	require.NoError(err)
	require.Equal([]int{0, 1}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true),
		countsFromInts(0, 0), nil, true)
	require.NoError(err)
	require.Equal([]int{0, 1}, piecesOf(reqs))

	m.Clear(0)

	require.Equal([]int{1}, m.PendingPieces(p1))
	require.Equal([]int{1}, m.PendingPieces(p2))
}

func TestManagerClearPeerWhenAllowedDuplicates(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 2, 5*time.Second, RoundRobinPolicy, 2)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true, true),
		countsFromInts(0, 0), nil, true)
	require.NoError(err)
	require.Equal([]int{0, 1}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true),
		countsFromInts(0, 0), nil, true)
	require.NoError(err)
	require.Equal([]int{0, 1}, piecesOf(reqs))

	m.ClearPeer(p1)

	require.Empty(m.PendingPieces(p1))
	require.Equal([]int{0, 1}, m.PendingPieces(p2))
}

func TestManagerMarkStatusWhenAllowedDuplicates(t *testing.T) {
	tests := []struct {
		desc string
		mark func(*Manager, core.PeerID, int)
	}{
		{
			"mark unsent",
			func(m *Manager, p core.PeerID, i int) { m.MarkUnsent(p, i, 0) },
		}, {
			"mark invalid",
			func(m *Manager, p core.PeerID, i int) { m.MarkInvalid(p, i, 0) },
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			require := require.New(t)

			m := newManager(clock.NewMock(), 2, 5*time.Second, RoundRobinPolicy, 2)

			p1 := core.PeerIDFixture()
			p2 := core.PeerIDFixture()

			reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true, true),
				countsFromInts(0, 0), nil, true)
			require.NoError(err)
			require.Equal([]int{0, 1}, piecesOf(reqs))

			reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true),
				countsFromInts(0, 0), nil, true)
			require.NoError(err)
			require.Equal([]int{0, 1}, piecesOf(reqs))

			test.mark(m, p1, 0)

			require.Equal([]int{1}, m.PendingPieces(p1))
			require.Equal([]int{0, 1}, m.PendingPieces(p2))
		})
	}
}

func TestRarestFirstPolicy(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 4, 5*time.Second, RarestFirstPolicy, 2)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()
	p3 := core.PeerIDFixture()

	reqs, err := m.ReserveBlocks(p1, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{0, 3}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{1}, piecesOf(reqs))

	reqs, err = m.ReserveBlocks(p3, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	reqs, err = m.ReserveBlocks(p1, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Empty(reqs)

	m.MarkUnsent(p1, 3, 0)
	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Equal([]int{3}, piecesOf(reqs))

	m.MarkUnsent(p1, 0, 0)
	reqs, err = m.ReserveBlocks(p2, bitfieldFromBools(true, true, false, true),
		countsFromInts(2, 3, 1, 0), nil, false)
	require.NoError(err)
	require.Empty(reqs)
}

func TestFilePriorityEligibility(t *testing.T) {
	require := require.New(t)

	m := newManager(clock.NewMock(), 3, 5*time.Second, RoundRobinPolicy, 3)

	peerID := core.PeerIDFixture()

	eligible := func(i int) bool { return i != 1 }

	reqs, err := m.ReserveBlocks(peerID, bitfieldFromBools(true, true, true),
		countsFromInts(0, 0, 0), eligible, false)
	require.NoError(err)
	require.Equal([]int{0, 2}, piecesOf(reqs))
}
