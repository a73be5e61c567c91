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
	"time"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/core/magnet"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn"
	"github.com/coredal/torrentd/lib/torrent/scheduler/connstate"
	"github.com/coredal/torrentd/lib/torrent/scheduler/dispatch"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/utils/memsize"
)

// connClosedEvent occurs when a connection is closed.
type connClosedEvent struct {
	c *conn.Conn
}

func (e connClosedEvent) apply(s *state) {
	s.conns.DeleteActive(e.c)
	if err := s.conns.Blacklist(e.c.PeerID(), e.c.InfoHash()); err != nil {
		s.log("conn", e.c).Infof("Cannot blacklist active conn: %s", err)
	}
}

// incomingHandshakeEvent occurs when a handshake was received from a new
// connection.
type incomingHandshakeEvent struct {
	pc *conn.PendingConn
}

func (e incomingHandshakeEvent) apply(s *state) {
	if err := s.conns.AddPending(e.pc.PeerID(), e.pc.InfoHash(), nil); err != nil {
		s.log("peer", e.pc.PeerID(), "hash", e.pc.InfoHash()).Infof(
			"Rejecting incoming handshake: %s", err)
		e.pc.Close()
		return
	}
	go s.sched.establishIncomingHandshake(e.pc)
}

// failedIncomingHandshakeEvent occurs when a pending incoming connection
// fails to handshake.
type failedIncomingHandshakeEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e failedIncomingHandshakeEvent) apply(s *state) {
	s.conns.DeletePending(e.peerID, e.infoHash)
}

// incomingConnEvent occurs when a pending incoming connection finishes
// handshaking.
type incomingConnEvent struct {
	c        *conn.Conn
	bitfield *core.Bitfield
}

func (e incomingConnEvent) apply(s *state) {
	if err := s.addIncomingConn(e.c, e.bitfield); err != nil {
		s.log("conn", e.c).Errorf("Error adding incoming conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Info("Added incoming conn")
}

// failedOutgoingHandshakeEvent occurs when a pending outgoing connection
// fails to handshake.
type failedOutgoingHandshakeEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e failedOutgoingHandshakeEvent) apply(s *state) {
	s.conns.DeletePending(e.peerID, e.infoHash)
	if err := s.conns.Blacklist(e.peerID, e.infoHash); err != nil {
		s.log("peer", e.peerID, "hash", e.infoHash).Infof("Cannot blacklist pending conn: %s", err)
	}
}

// outgoingConnEvent occurs when a pending outgoing connection finishes
// handshaking.
type outgoingConnEvent struct {
	c        *conn.Conn
	bitfield *core.Bitfield
}

func (e outgoingConnEvent) apply(s *state) {
	if err := s.addOutgoingConn(e.c, e.bitfield); err != nil {
		s.log("conn", e.c).Errorf("Error adding outgoing conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Info("Added outgoing conn")
}

// dispatcherCompleteEvent occurs when a dispatcher finishes downloading its
// torrent.
type dispatcherCompleteEvent struct {
	dispatcher *dispatch.Dispatcher
}

func (e dispatcherCompleteEvent) apply(s *state) {
	h := e.dispatcher.InfoHash()

	ctrl, ok := s.torrents[h]
	if !ok {
		s.log("dispatcher", e.dispatcher).Error("Completed dispatcher not found")
		return
	}
	ctrl.phase = phaseSeeding

	s.conns.ClearBlacklist(h)
	for _, errc := range ctrl.errors {
		errc <- nil
	}
	ctrl.errors = nil

	downloadTime := s.sched.clk.Now().Sub(ctrl.dispatcher.CreatedAt())
	lengthMB := ctrl.dispatcher.Length() / int64(memsize.MB)
	if lengthMB > 0 {
		s.sched.stats.Timer("download_time_per_mb").Record(downloadTime / time.Duration(lengthMB))
	}
	recordDownloadTime(s.sched.stats, ctrl.dispatcher.Length(), downloadTime)

	s.log("hash", h).Info("Torrent complete")
	s.sched.netevents.Produce(networkevent.TorrentCompleteEvent(h, s.sched.peerID))

	go s.sched.checkpointTorrent(h)
}

// peerRemovedEvent occurs when a dispatcher removes a peer with a closed
// connection.
type peerRemovedEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e peerRemovedEvent) apply(s *state) {}

// preemptionTickEvent occurs periodically to close idle and expired conns.
// Torrents are not removed, however long they stay idle.
type preemptionTickEvent struct{}

func (e preemptionTickEvent) apply(s *state) {
	for _, c := range s.conns.ActiveConns() {
		ctrl, ok := s.torrents[c.InfoHash()]
		if !ok || ctrl.dispatcher == nil {
			continue
		}
		lastProgress := mostRecent(
			c.CreatedAt(),
			ctrl.dispatcher.LastGoodPieceReceived(c.PeerID()),
			ctrl.dispatcher.LastPieceSent(c.PeerID()))
		if s.sched.clk.Now().Sub(lastProgress) > s.sched.config.ConnTTI {
			s.log("conn", c).Info("Closing idle conn")
			c.Close()
			continue
		}
		if s.sched.clk.Now().Sub(c.CreatedAt()) > s.sched.config.ConnTTL {
			s.log("conn", c).Info("Closing expired conn")
			c.Close()
			continue
		}
	}
}

func mostRecent(times ...time.Time) time.Time {
	var max time.Time
	for _, t := range times {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// emitStatsEvent occurs periodically to emit Scheduler stats.
type emitStatsEvent struct{}

func (e emitStatsEvent) apply(s *state) {
	s.sched.stats.Gauge("torrents").Update(float64(len(s.torrents)))
}

type blacklistSnapshotEvent struct {
	result chan []connstate.BlacklistedConn
}

func (e blacklistSnapshotEvent) apply(s *state) {
	e.result <- s.conns.BlacklistSnapshot()
}

// addKnownTorrentEvent registers a torrent whose metadata is already known.
type addKnownTorrentEvent struct {
	torrent storage.Torrent
	errc    chan error
}

func (e addKnownTorrentEvent) apply(s *state) {
	if _, ok := s.torrents[e.torrent.InfoHash()]; ok {
		e.errc <- nil
		return
	}
	if _, err := s.addKnownTorrent(e.torrent); err != nil {
		e.errc <- err
		return
	}
	e.errc <- nil
}

// addMagnetEvent registers a torrent started from a magnet URI.
type addMagnetEvent struct {
	link *magnet.Link
	errc chan error
}

func (e addMagnetEvent) apply(s *state) {
	if ctrl, ok := s.torrents[e.link.InfoHash.Primary()]; ok {
		if ctrl.magnetLink == nil {
			ctrl.magnetLink = e.link
		}
		e.errc <- nil
		return
	}
	s.addMagnetTorrent(e.link)
	e.errc <- nil
}

// probeEvent occurs when a probe is manually requested via the Scheduler
// API. The event loop is unbuffered, so successfully sending a probe proves
// the loop is healthy.
type probeEvent struct{}

func (e probeEvent) apply(*state) {}

// shutdownEvent stops the event loop and tears down all active torrents and
// connections.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *state) {
	for _, c := range s.conns.ActiveConns() {
		c.Close()
	}
	for h, ctrl := range s.torrents {
		if ctrl.dispatcher != nil {
			ctrl.dispatcher.TearDown()
		}
		for _, errc := range ctrl.errors {
			errc <- ErrSchedulerStopped
		}
		delete(s.torrents, h)
	}
	s.sched.eventLoop.stop()
}
