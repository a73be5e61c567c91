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
package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn"
	"github.com/coredal/torrentd/lib/torrent/scheduler/torrentlog"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/lib/torrent/storage/diskstorage"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

type mockMessages struct {
	sent     []*conn.Message
	receiver chan *conn.Message
	closed   bool
}

func newMockMessages() *mockMessages {
	return &mockMessages{receiver: make(chan *conn.Message, 16)}
}

func (m *mockMessages) Send(msg *conn.Message) error {
	if m.closed {
		return errors.New("messages closed")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMessages) Receiver() <-chan *conn.Message { return m.receiver }

func (m *mockMessages) Close() {
	if m.closed {
		return
	}
	close(m.receiver)
	m.closed = true
}

// requestID and pieceID let tests recognize sent messages by kind without
// reaching into conn's unexported message-id constants.
var requestID = conn.NewRequestMessage(0, 0, 0).ID
var haveID = conn.NewHaveMessage(0).ID
var chokeID = conn.NewChokeMessage().ID
var unchokeID = conn.NewUnchokeMessage().ID
var interestedID = conn.NewInterestedMessage().ID

func numRequestsPerPiece(messages Messages) map[int]int {
	requests := make(map[int]int)
	for _, msg := range messages.(*mockMessages).sent {
		if msg.ID == requestID {
			requests[msg.Index]++
		}
	}
	return requests
}

func announcedPieces(messages Messages) []int {
	var ps []int
	for _, msg := range messages.(*mockMessages).sent {
		if msg.ID == haveID {
			ps = append(ps, msg.Index)
		}
	}
	return ps
}

func countID(messages Messages, id byte) int {
	var n int
	for _, msg := range messages.(*mockMessages).sent {
		if msg.ID == id {
			n++
		}
	}
	return n
}

func closed(messages Messages) bool {
	return messages.(*mockMessages).closed
}

type noopEvents struct{}

func (e noopEvents) DispatcherComplete(*Dispatcher) {}

func (e noopEvents) PeerRemoved(core.PeerID, core.InfoHash) {}

func testDispatcher(config Config, clk clock.Clock, t storage.Torrent) *Dispatcher {
	d, err := newDispatcher(
		config,
		tally.NoopScope,
		clk,
		networkevent.NewTestProducer(),
		noopEvents{},
		core.PeerIDFixture(),
		t,
		zap.NewNop().Sugar(),
		torrentlog.NewNopLogger())
	if err != nil {
		panic(err)
	}
	return d
}

// emptyTorrentFixture returns a Torrent with no blocks accepted yet.
func emptyTorrentFixture(t *testing.T, totalLength, pieceLength int64) (storage.Torrent, []byte, func()) {
	archive, cleanup := diskstorage.TorrentArchiveFixture()
	meta, content := diskstorage.MetadataFixture(totalLength, pieceLength)
	tor, err := archive.CreateTorrent(meta)
	require.NoError(t, err)
	return tor, content, cleanup
}

// seededTorrentFixture returns a Torrent with every piece already verified.
func seededTorrentFixture(t *testing.T, totalLength, pieceLength int64) (storage.Torrent, []byte, func()) {
	tor, content, cleanup := emptyTorrentFixture(t, totalLength, pieceLength)
	meta := tor.Stat().Metadata()
	for i := 0; i < meta.NumPieces; i++ {
		start := int64(i) * pieceLength
		end := start + meta.GetPieceLength(i)
		_, err := tor.AcceptBlock(i, 0, content[start:end])
		require.NoError(t, err)
	}
	require.True(t, tor.Complete())
	return tor, content, cleanup
}

func unchokedPeer(t *testing.T, d *Dispatcher, b *core.Bitfield, messages Messages) *peer {
	p, err := d.addPeer(core.PeerIDFixture(), b, messages)
	require.NoError(t, err)
	p.setPeerChoking(false)
	return p
}

func TestDispatcherSendUniqueBlockRequestsWithinLimit(t *testing.T) {
	require := require.New(t)

	config := Config{PipelineLimit: 3}
	clk := clock.NewMock()

	torrent, _, cleanup := emptyTorrentFixture(t, 100, 100)
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	p := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())

	d.maybeRequestMorePieces(p)

	// A single 100-byte piece with no BlockSize override (16 KiB default)
	// fits in one block, so only one REQUEST should be sent despite the
	// pipeline limit of 3.
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p.messages))
}

func TestDispatcherResendFailedBlockRequests(t *testing.T) {
	require := require.New(t)

	config := Config{DisableEndgame: true}
	clk := clock.NewMock()

	torrent, _, cleanup := emptyTorrentFixture(t, 2, 1)
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	// p1 has both pieces and sends requests for both.
	p1 := unchokedPeer(t, d, core.BitfieldFixture(true, true), newMockMessages())
	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{0: 1, 1: 1}, numRequestsPerPiece(p1.messages))

	// p2 has piece 0 only, but is still choking us, so no request is sent.
	p2, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(true, false), newMockMessages())
	require.NoError(err)
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{}, numRequestsPerPiece(p2.messages))
	p2.setPeerChoking(false)

	// p3 has piece 1 only and unchokes us immediately, but piece 1 is
	// already pending with p1 and endgame is disabled, so no request is sent.
	p3 := unchokedPeer(t, d, core.BitfieldFixture(false, true), newMockMessages())
	d.maybeRequestMorePieces(p3)
	require.Equal(map[int]int{}, numRequestsPerPiece(p3.messages))

	clk.Add(d.pieceRequestTimeout + 1)

	d.resendFailedPieceRequests()

	// p1 was not sent any new requests.
	require.Equal(map[int]int{0: 1, 1: 1}, numRequestsPerPiece(p1.messages))

	// p2 is now unchoked and can receive the resent request for piece 0.
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherSendErrorsMarksBlockRequestsUnsent(t *testing.T) {
	require := require.New(t)

	config := Config{DisableEndgame: true}
	clk := clock.NewMock()

	torrent, _, cleanup := emptyTorrentFixture(t, 1, 1)
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	p1 := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())
	p1.messages.Close()

	// Send should fail since p1 messages are closed.
	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{}, numRequestsPerPiece(p1.messages))

	p2 := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())

	// Send should succeed since the failed request was marked unsent.
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherCalcPieceRequestTimeout(t *testing.T) {
	config := Config{
		PieceRequestMinTimeout:   5 * time.Second,
		PieceRequestTimeoutPerMb: 2 * time.Second,
	}

	tests := []struct {
		maxPieceLength int64
		expected       time.Duration
	}{
		{512 * 1024, 5 * time.Second},
		{1024 * 1024, 5 * time.Second},
		{4 * 1024 * 1024, 8 * time.Second},
		{8 * 1024 * 1024, 16 * time.Second},
	}
	for _, test := range tests {
		timeout := config.calcPieceRequestTimeout(test.maxPieceLength)
		require.Equal(t, test.expected, timeout)
	}
}

func TestDispatcherEndgame(t *testing.T) {
	require := require.New(t)

	config := Config{PipelineLimit: 1, EndgameThreshold: 1}
	clk := clock.NewMock()

	torrent, _, cleanup := emptyTorrentFixture(t, 1, 1)
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	p1 := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())
	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p1.messages))

	p2 := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())

	// Should send a duplicate request for piece 0 since we're in endgame.
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherHandlePieceAnnouncesHave(t *testing.T) {
	require := require.New(t)

	torrent, content, cleanup := emptyTorrentFixture(t, 2, 1)
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p1 := unchokedPeer(t, d, core.BitfieldFixture(false, false), newMockMessages())
	p2 := unchokedPeer(t, d, core.BitfieldFixture(false, false), newMockMessages())

	d.handlePiece(p1, 0, 0, 1, content[0:1])

	// Should not announce to the peer who sent the payload.
	require.Empty(announcedPieces(p1.messages))

	// Should announce to other peers.
	require.Equal([]int{0}, announcedPieces(p2.messages))
}

func TestDispatcherClosesCompletedPeersWhenComplete(t *testing.T) {
	require := require.New(t)

	torrent, content, cleanup := emptyTorrentFixture(t, 1, 1)
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	completedPeer := unchokedPeer(t, d, core.BitfieldFixture(true), newMockMessages())
	incompletePeer := unchokedPeer(t, d, core.BitfieldFixture(false), newMockMessages())

	d.handlePiece(completedPeer, 0, 0, 1, content[0:1])

	require.True(closed(completedPeer.messages))
	require.False(closed(incompletePeer.messages))
}

func TestDispatcherPeerPieceCounts(t *testing.T) {
	require := require.New(t)

	torrent, _, cleanup := emptyTorrentFixture(t, 3, 1)
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(false, false, false), newMockMessages())
	require.NoError(err)

	require.Equal(0, d.numPeersByPiece.Get(0))
	require.Equal(0, d.numPeersByPiece.Get(1))
	require.Equal(0, d.numPeersByPiece.Get(2))

	d.handleHave(p, 2)
	require.Equal(1, d.numPeersByPiece.Get(2))

	d.handleHave(p, 0)
	require.Equal(1, d.numPeersByPiece.Get(0))

	_, err = d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(true, true, true), newMockMessages())
	require.NoError(err)

	require.Equal(2, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(2, d.numPeersByPiece.Get(2))

	d.removePeer(p)

	require.Equal(1, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(1, d.numPeersByPiece.Get(2))
}

func TestDispatcherMaybeRequestMorePiecesSendsInterested(t *testing.T) {
	require := require.New(t)

	torrent, _, cleanup := emptyTorrentFixture(t, 1, 1)
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(true), newMockMessages())
	require.NoError(err)

	// Peer is still choking us; we should announce interest but not yet
	// request blocks.
	d.maybeRequestMorePieces(p)
	require.Equal(1, countID(p.messages, interestedID))
	require.Empty(numRequestsPerPiece(p.messages))

	p.setPeerChoking(false)
	d.maybeRequestMorePieces(p)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p.messages))
}

func TestDispatcherServeRequestRespectsAmChoking(t *testing.T) {
	require := require.New(t)

	torrent, _, cleanup := seededTorrentFixture(t, 1, 1)
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(false), newMockMessages())
	require.NoError(err)

	// Default is choked: the request is ignored.
	d.handleRequest(p, 0, 0, 1)
	require.Equal(0, p.pstats.getPiecesSent())

	p.setAmChoking(false)
	d.handleRequest(p, 0, 0, 1)
	require.Equal(1, p.pstats.getPiecesSent())
}

func TestDispatcherRecomputeUnchokeRanksByBytesReceived(t *testing.T) {
	require := require.New(t)

	torrent, _, cleanup := emptyTorrentFixture(t, 1, 1)
	defer cleanup()

	config := Config{UnchokeSlots: 1}
	d := testDispatcher(config, clock.NewMock(), torrent)

	p1, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(true), newMockMessages())
	require.NoError(err)
	p1.setPeerInterested(true)
	p1.pstats.addBytesReceived(100)

	p2, err := d.addPeer(core.PeerIDFixture(), core.BitfieldFixture(true), newMockMessages())
	require.NoError(err)
	p2.setPeerInterested(true)
	p2.pstats.addBytesReceived(1)

	d.recomputeUnchoke()

	require.Equal(1, countID(p1.messages, unchokeID))
	require.False(p1.isAmChoking())
	require.True(p2.isAmChoking())
}
