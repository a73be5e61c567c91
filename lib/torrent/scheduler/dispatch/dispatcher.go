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

// Package dispatch implements the peer session / choke-interest state
// machine of spec.md 4.D: one Dispatcher per torrent, fanning incoming wire
// messages out to per-peer handlers and feeding the piece picker
// (piecerequest.Manager, spec.md 4.C) outgoing block requests.
package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn"
	"github.com/coredal/torrentd/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/coredal/torrentd/lib/torrent/scheduler/torrentlog"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
}

// Messages defines a subset of conn.Conn methods which Dispatcher requires to
// communicate with remote peers.
type Messages interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers (spec.md 4.D). Dispatcher and Torrent have a
// one-to-one relationship, while Dispatcher and Conn have a one-to-many
// relationship.
type Dispatcher struct {
	config              Config
	stats               tally.Scope
	clk                 clock.Clock
	createdAt           time.Time
	localPeerID         core.PeerID
	torrent             *torrentAccessWatcher
	peers               syncmap.Map // core.PeerID -> *peer
	peerStats           syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.
	numPeersByPiece     syncutil.Counters
	netevents           networkevent.Producer
	pieceRequestTimeout time.Duration
	pieceRequestManager *piecerequest.Manager

	fileSelectionMu sync.RWMutex
	fileSelection   *storage.FileSelection

	optimisticPeerMu sync.Mutex
	optimisticPeer   core.PeerID

	stopOnce  sync.Once
	stopDone  chan struct{}
	completeOnce sync.Once
	events       Events
	logger       *zap.SugaredLogger
	torrentlog   *torrentlog.Logger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, netevents, events, peerID, t, logger, tlog)
	if err != nil {
		return nil, err
	}

	go d.watchPendingPieceRequests()
	go d.runChoker()

	if t.Complete() {
		d.complete()
	}

	return d, nil
}

// newDispatcher creates a new Dispatcher with no side-effects for testing purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	pieceRequestTimeout := config.calcPieceRequestTimeout(t.MaxPieceLength())
	pieceRequestManager, err := piecerequest.NewManager(
		clk,
		t.Stat().Metadata(),
		pieceRequestTimeout,
		config.PieceRequestPolicy,
		config.PipelineLimit,
		config.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("piece request manager: %s", err)
	}

	return &Dispatcher{
		config:              config,
		stats:               stats,
		clk:                 clk,
		createdAt:           clk.Now(),
		localPeerID:         peerID,
		torrent:             newTorrentAccessWatcher(t, clk),
		numPeersByPiece:     syncutil.NewCounters(t.NumPieces()),
		netevents:           netevents,
		pieceRequestTimeout: pieceRequestTimeout,
		pieceRequestManager: pieceRequestManager,
		stopDone:            make(chan struct{}),
		events:              events,
		logger:              logger,
		torrentlog:          tlog,
	}, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Stat returns d's TorrentInfo.
func (d *Dispatcher) Stat() *storage.TorrentInfo {
	return d.torrent.Stat()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// SetFileSelection installs the file-priority overrides (spec.md 4.F
// set_file_priorities) used to steer the piece picker away from
// do-not-download files.
func (d *Dispatcher) SetFileSelection(fs *storage.FileSelection) {
	d.fileSelectionMu.Lock()
	defer d.fileSelectionMu.Unlock()
	d.fileSelection = fs
}

func (d *Dispatcher) eligiblePiece(i int) bool {
	d.fileSelectionMu.RLock()
	fs := d.fileSelection
	d.fileSelectionMu.RUnlock()
	if fs == nil {
		return true
	}
	return fs.PieceEligible(i)
}

// LastGoodPieceReceived returns when d last received a valid and needed piece
// from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// LastPieceSent returns when d last sent a piece to peerID.
func (d *Dispatcher) LastPieceSent(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastPieceSent()
}

// LastReadTime returns when d's torrent was last read from.
func (d *Dispatcher) LastReadTime() time.Time {
	return d.torrent.getLastReadTime()
}

// LastWriteTime returns when d's torrent was last written to.
func (d *Dispatcher) LastWriteTime() time.Time {
	return d.torrent.getLastWriteTime()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// RemoteBitfields returns the bitfields of peers connected to the dispatcher.
func (d *Dispatcher) RemoteBitfields() map[core.PeerID]*core.Bitfield {
	remoteBitfields := make(map[core.PeerID]*core.Bitfield)

	d.peers.Range(func(k, v interface{}) bool {
		remoteBitfields[k.(core.PeerID)] = v.(*peer).bitfield.Clone()
		return true
	})
	return remoteBitfields
}

// AddPeer registers a new peer with the Dispatcher.
func (d *Dispatcher) AddPeer(
	peerID core.PeerID, b *core.Bitfield, messages Messages) error {

	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	go d.maybeRequestMorePieces(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from AddPeer
// with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *core.Bitfield, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, b, messages, d.clk, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errPeerAlreadyDispatched
	}

	for _, i := range p.bitfield.AllSet() {
		d.numPeersByPiece.Increment(i)
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) error {
	d.peers.Delete(p.id)
	d.pieceRequestManager.ClearPeer(p.id)

	for _, i := range p.bitfield.AllSet() {
		d.numPeersByPiece.Decrement(i)
	}
	return nil
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.stopOnce.Do(func() {
		close(d.stopDone)
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})

	summaries := make(torrentlog.LeecherSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		summaries = append(summaries, torrentlog.LeecherSummary{
			PeerID:           peerID,
			RequestsReceived: pstats.getPieceRequestsReceived(),
			PiecesSent:       pstats.getPiecesSent(),
		})
		return true
	})

	if err := d.torrentlog.LeecherSummaries(d.torrent.InfoHash(), summaries); err != nil {
		d.log().Errorf("Error logging incoming piece request summary: %s", err)
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			// Close connections to other completed peers since those connections
			// are now useless.
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		} else {
			p.messages.Send(conn.NewNotInterestedMessage())
		}
		return true
	})

	var piecesRequestedTotal int
	summaries := make(torrentlog.SeederSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		requested := pstats.getPieceRequestsSent()
		piecesRequestedTotal += requested
		summary := torrentlog.SeederSummary{
			PeerID:                  peerID,
			RequestsSent:            requested,
			GoodPiecesReceived:      pstats.getGoodPiecesReceived(),
			DuplicatePiecesReceived: pstats.getDuplicatePiecesReceived(),
		}
		summaries = append(summaries, summary)
		return true
	})

	// Only log if we actually requested pieces from others.
	if piecesRequestedTotal > 0 {
		if err := d.torrentlog.SeederSummaries(d.torrent.InfoHash(), summaries); err != nil {
			d.log().Errorf("Error logging outgoing piece request summary: %s", err)
		}
	}
}

func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	remaining := d.torrent.NumPieces() - d.torrent.Bitfield().Count()
	return remaining <= d.config.EndgameThreshold
}

// maybeRequestMorePieces reserves and sends block requests to p for pieces p
// has that we are missing (spec.md 4.C).
func (d *Dispatcher) maybeRequestMorePieces(p *peer) (bool, error) {
	if !d.torrent.Complete() {
		p.setAmInterested(true)
		p.messages.Send(conn.NewInterestedMessage())
	}

	if p.isPeerChoking() {
		// A choked peer may not serve REQUESTs; wait for UNCHOKE.
		return false, nil
	}

	candidates := p.bitfield.Intersection(d.torrent.Bitfield().Complement())
	return d.maybeSendBlockRequests(p, candidates)
}

func (d *Dispatcher) maybeSendBlockRequests(p *peer, candidates *core.Bitfield) (bool, error) {
	requests, err := d.pieceRequestManager.ReserveBlocks(
		p.id, candidates, d.numPeersByPiece, d.eligiblePiece, d.endgame())
	if err != nil {
		return false, err
	}
	if len(requests) == 0 {
		return false, nil
	}
	for _, r := range requests {
		msg := conn.NewRequestMessage(r.Piece, int(r.Offset), int(r.Length))
		if err := p.messages.Send(msg); err != nil {
			// Connection closed.
			d.pieceRequestManager.MarkUnsent(p.id, r.Piece, r.Offset)
			return false, err
		}
		d.netevents.Produce(
			networkevent.RequestPieceEvent(d.torrent.InfoHash(), d.localPeerID, p.id, r.Piece))
		p.pstats.incrementPieceRequestsSent()
	}
	return true, nil
}

func (d *Dispatcher) resendFailedPieceRequests() {
	failedRequests := d.pieceRequestManager.GetFailedRequests()
	if len(failedRequests) > 0 {
		d.log().Infof("Resending %d failed block requests", len(failedRequests))
		d.stats.Counter("piece_request_failures").Inc(int64(len(failedRequests)))
	}

	var sentCount int
	for _, r := range failedRequests {
		sent := false
		d.peers.Range(func(k, v interface{}) bool {
			p := v.(*peer)
			if (r.Status == piecerequest.StatusExpired || r.Status == piecerequest.StatusInvalid) &&
				r.PeerID == p.id {
				// Do not resend to the same peer for expired or invalid requests.
				return true
			}
			if p.isPeerChoking() {
				return true
			}

			b := d.torrent.Bitfield()
			candidates := p.bitfield.Intersection(b.Complement())
			if candidates.Has(r.Piece) {
				nb := core.NewBitfield(candidates.Len())
				nb.Set(r.Piece, true)
				if ok, err := d.maybeSendBlockRequests(p, nb); ok && err == nil {
					sent = true
					return false
				}
			}
			return true
		})
		if sent {
			sentCount++
		}
	}

	unsent := len(failedRequests) - sentCount
	if unsent > 0 {
		d.log().Infof("Nowhere to resend %d / %d failed block requests", unsent, len(failedRequests))
	}
}

func (d *Dispatcher) watchPendingPieceRequests() {
	for {
		select {
		case <-d.clk.After(d.pieceRequestTimeout / 2):
			d.resendFailedPieceRequests()
		case <-d.stopDone:
			return
		}
	}
}

// runChoker periodically recomputes the upload choker's unchoke set and
// rotates the optimistic-unchoke slot (spec.md 4.D).
func (d *Dispatcher) runChoker() {
	ticks := 0
	optimisticEvery := int(d.config.OptimisticUnchokeInterval / d.config.UnchokeInterval)
	if optimisticEvery < 1 {
		optimisticEvery = 1
	}
	for {
		select {
		case <-d.clk.After(d.config.UnchokeInterval):
			ticks++
			if ticks%optimisticEvery == 0 {
				d.rotateOptimisticUnchoke()
			}
			d.recomputeUnchoke()
		case <-d.stopDone:
			return
		}
	}
}

func (d *Dispatcher) interestedPeers() []*peer {
	var peers []*peer
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.isPeerInterested() {
			peers = append(peers, p)
		}
		return true
	})
	return peers
}

func (d *Dispatcher) rotateOptimisticUnchoke() {
	peers := d.interestedPeers()
	if len(peers) == 0 {
		return
	}
	chosen := peers[rand.Intn(len(peers))]

	d.optimisticPeerMu.Lock()
	d.optimisticPeer = chosen.id
	d.optimisticPeerMu.Unlock()
}

// recomputeUnchoke implements a sensible default unchoking policy (spec.md
// 4.D): tit-for-tat among the top UnchokeSlots interested peers by bytes
// received, plus one rotating optimistic-unchoke slot.
func (d *Dispatcher) recomputeUnchoke() {
	peers := d.interestedPeers()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].pstats.getBytesReceived() > peers[j].pstats.getBytesReceived()
	})

	d.optimisticPeerMu.Lock()
	optimistic := d.optimisticPeer
	d.optimisticPeerMu.Unlock()

	unchoke := make(map[core.PeerID]bool)
	for i, p := range peers {
		if i < d.config.UnchokeSlots {
			unchoke[p.id] = true
		}
	}
	unchoke[optimistic] = true

	for _, p := range peers {
		if unchoke[p.id] {
			if p.isAmChoking() {
				p.setAmChoking(false)
				p.messages.Send(conn.NewUnchokeMessage())
			}
		} else if !p.isAmChoking() {
			p.setAmChoking(true)
			p.messages.Send(conn.NewChokeMessage())
		}
	}
}

// feed reads off of peer and handles incoming messages. When peer's messages close,
// the feed goroutine removes peer from the Dispatcher and exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log().Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

func (d *Dispatcher) dispatch(p *peer, msg *conn.Message) error {
	if msg.KeepAlive {
		return nil
	}
	switch msg.ID {
	case 0: // idChoke
		d.handleChoke(p)
	case 1: // idUnchoke
		d.handleUnchoke(p)
	case 2: // idInterested
		d.handleInterested(p)
	case 3: // idNotInterested
		d.handleNotInterested(p)
	case 4: // idHave
		d.handleHave(p, msg.Index)
	case 5: // idBitfield
		d.handleBitfield(p)
	case 6: // idRequest
		d.handleRequest(p, msg.Index, msg.Begin, msg.Length)
	case 7: // idPiece
		d.handlePiece(p, msg.Index, msg.Begin, msg.Length, msg.BlockData)
	case 8: // idCancel
		d.handleCancel(p)
	case 9: // idPort
		// DHT not implemented (spec.md non-goal); acknowledged and ignored.
	case 20: // idExtended
		d.handleExtended(p, msg.ExtendedID, msg.ExtendedPayload)
	default:
		return fmt.Errorf("unknown message id: %d", msg.ID)
	}
	return nil
}

func (d *Dispatcher) handleChoke(p *peer) {
	p.setPeerChoking(true)
}

func (d *Dispatcher) handleUnchoke(p *peer) {
	p.setPeerChoking(false)
	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleInterested(p *peer) {
	p.setPeerInterested(true)
}

func (d *Dispatcher) handleNotInterested(p *peer) {
	p.setPeerInterested(false)
}

func (d *Dispatcher) handleHave(p *peer, index int) {
	if index < 0 || index >= d.torrent.NumPieces() {
		d.log("peer", p).Errorf("Have piece out of bounds: %d", index)
		return
	}
	if !p.bitfield.Has(index) {
		p.bitfield.Set(index, true)
		d.numPeersByPiece.Increment(index)
	}
	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleBitfield(p *peer) {
	// The BITFIELD exchange happens during the handshake (conn.Handshaker);
	// a BITFIELD arriving on an established connection violates BEP 3.
	d.log("peer", p).Error("Unexpected bitfield message from established conn")
}

func (d *Dispatcher) handleRequest(p *peer, index, begin, length int) {
	p.pstats.incrementPieceRequestsReceived()

	if p.isAmChoking() {
		// Not an error: the peer may not have seen our CHOKE yet.
		return
	}

	pieceLen := int(d.torrent.PieceLength(index))
	if index < 0 || index >= d.torrent.NumPieces() || begin < 0 || length <= 0 || begin+length > pieceLen {
		d.log("peer", p, "piece", index).Error("Rejecting request: out of bounds")
		return
	}

	reader, err := d.torrent.GetBlockReader(index, int64(begin), int64(length))
	if err != nil {
		d.log("peer", p, "piece", index).Errorf("Error getting reader for requested block: %s", err)
		return
	}

	if err := p.messages.Send(conn.NewPieceMessage(index, begin, reader)); err != nil {
		return
	}

	p.touchLastPieceSent()
	p.pstats.incrementPiecesSent()
}

func (d *Dispatcher) handlePiece(p *peer, index, begin, length int, data []byte) {
	if index < 0 || index >= d.torrent.NumPieces() {
		d.log("peer", p, "piece", index).Error("Rejecting piece payload: out of bounds")
		d.pieceRequestManager.MarkInvalid(p.id, index, int64(begin))
		return
	}
	if length != len(data) {
		d.log("peer", p, "piece", index).Error("Rejecting piece payload: length mismatch")
		d.pieceRequestManager.MarkInvalid(p.id, index, int64(begin))
		return
	}

	result, err := d.torrent.AcceptBlock(index, int64(begin), data)
	if err != nil {
		d.log("peer", p, "piece", index).Errorf("Error accepting block: %s", err)
		d.pieceRequestManager.MarkInvalid(p.id, index, int64(begin))
		return
	}

	switch result {
	case storage.Duplicate:
		p.pstats.incrementDuplicatePiecesReceived()
		return
	case storage.Rejected:
		d.pieceRequestManager.MarkInvalid(p.id, index, int64(begin))
		return
	}

	p.pstats.addBytesReceived(int64(length))
	d.netevents.Produce(
		networkevent.ReceivePieceEvent(d.torrent.InfoHash(), d.localPeerID, p.id, index))

	if d.torrent.HasPiece(index) {
		// The block just accepted completed and verified the piece.
		p.pstats.incrementGoodPiecesReceived()
		p.touchLastGoodPieceReceived()
		d.pieceRequestManager.Clear(index)

		if d.torrent.Complete() {
			d.complete()
		}

		d.peers.Range(func(k, v interface{}) bool {
			if k.(core.PeerID) == p.id {
				return true
			}
			pp := v.(*peer)
			pp.messages.Send(conn.NewHaveMessage(index))
			return true
		})
	}

	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleExtended(p *peer, extID byte, payload []byte) {
	// Established connections already hold full metadata (spec.md 4.E's
	// ut_metadata exchange runs before a Dispatcher exists, during magnet
	// bootstrap via lib/torrent/metainfoclient); extended messages here are
	// limited to protocol negotiation we don't act on yet.
	d.log("peer", p).Debugf("Ignoring extended message id %d (%d bytes)", extID, len(payload))
}

func (d *Dispatcher) handleCancel(p *peer) {
	// No-op: cancelling not supported because all received messages are
	// synchronized, therefore if we receive a cancel it is already too late
	// -- we may have already read and sent the block.
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent)
	return d.logger.With(args...)
}
