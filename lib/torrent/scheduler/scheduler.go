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

// Package scheduler implements the per-torrent controller of spec.md 4.F: it
// composes the block store (4.A), file I/O layer (4.B), piece picker and
// peer session (4.C/4.D managed by dispatch.Dispatcher), metadata exchange
// (4.E), rate limiter (4.G) and checkpoint store (4.H) into a single running
// Scheduler, serializing every state transition through one event loop
// goroutine.
package scheduler

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/core/magnet"
	"github.com/coredal/torrentd/lib/torrent/metainfoclient"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn"
	"github.com/coredal/torrentd/lib/torrent/scheduler/connstate"
	"github.com/coredal/torrentd/lib/torrent/scheduler/torrentlog"
	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/lib/torrent/storage/checkpoint"
)

// Errors returned by Scheduler's public API.
var (
	ErrSchedulerStopped  = errors.New("scheduler has been stopped")
	ErrSendEventTimedOut = errors.New("timed out sending event to scheduler")
	errUnknownTorrent    = errors.New("torrent not known to scheduler")
)

// Endpoint is a candidate peer supplied to AddPeers: a dialable address and
// the remote's expected peer ID, as handed out by a tracker or DHT response
// (spec.md 4.F "add_peers(endpoints)").
type Endpoint struct {
	Addr   string
	PeerID core.PeerID
}

// Status is a read-only snapshot of one torrent's state (spec.md 4.F
// "status()").
type Status struct {
	InfoHash          core.InfoHash
	Phase             string
	PercentDownloaded int
	NumPeers          int
	BytesDownloaded   int64
}

// Scheduler manages all running torrents, dispatching network I/O and
// lifecycle transitions onto a single serialized event loop (spec.md 4.F).
type Scheduler struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock

	peerID  core.PeerID
	network string
	addr    string

	logger     *zap.SugaredLogger
	torrentlog *torrentlog.Logger
	netevents  networkevent.Producer

	archive        storage.TorrentArchive
	handshaker     *conn.Handshaker
	checkpoints    *checkpoint.Store
	metainfoClient *metainfoclient.Client

	eventLoop *liftedEventLoop
	state     *state

	listener net.Listener

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates and starts a new Scheduler listening on addr.
func New(
	config Config,
	archive storage.TorrentArchive,
	stats tally.Scope,
	peerID core.PeerID,
	addr string,
	logger *zap.SugaredLogger) (*Scheduler, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "scheduler",
	})

	tlog, err := torrentlog.New(config.TorrentLog, core.PeerContext{PeerID: peerID})
	if err != nil {
		return nil, fmt.Errorf("new torrent logger: %s", err)
	}

	netevents, err := networkevent.NewProducer(config.NetworkEvent)
	if err != nil {
		return nil, fmt.Errorf("new network event producer: %s", err)
	}

	checkpoints, err := checkpoint.New(config.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("new checkpoint store: %s", err)
	}

	clk := clock.New()

	s := &Scheduler{
		config:         config,
		stats:          stats,
		clk:            clk,
		peerID:         peerID,
		network:        "tcp",
		addr:           addr,
		logger:         logger,
		torrentlog:     tlog,
		netevents:      netevents,
		archive:        archive,
		checkpoints:    checkpoints,
		metainfoClient: metainfoclient.New(config.MetaInfoClient, peerID, logger),
		eventLoop:      liftEventLoop(newEventLoop()),
		done:           make(chan struct{}),
	}
	s.state = newState(s)

	handshaker, err := conn.NewHandshaker(
		config.Conn, stats, clk, netevents, peerID, s.eventLoop, logger)
	if err != nil {
		return nil, fmt.Errorf("new handshaker: %s", err)
	}
	s.handshaker = handshaker

	l, err := net.Listen(s.network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %s", err)
	}
	s.listener = l

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.eventLoop.run(s.state)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listenLoop()
	}()

	if !config.DisablePreemption {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tick(config.PreemptionInterval, preemptionTickEvent{})
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(config.EmitStatsInterval, emitStatsEvent{})
	}()

	if !config.DisableCheckpointing {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tick(config.CheckpointInterval, checkpointTickEvent{})
		}()
	}

	return s, nil
}

// tick sends e into the event loop every interval until the Scheduler stops.
func (s *Scheduler) tick(interval time.Duration, e event) {
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.eventLoop.send(e)
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) listenLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Errorf("Error accepting new conn: %s", err)
				continue
			}
		}
		go s.handleIncoming(nc)
	}
}

func (s *Scheduler) handleIncoming(nc net.Conn) {
	pc, err := s.handshaker.Accept(nc)
	if err != nil {
		s.logger.Infof("Error accepting handshake: %s", err)
		nc.Close()
		return
	}
	s.eventLoop.send(incomingHandshakeEvent{pc})
}

// establishIncomingHandshake completes an accepted handshake once the
// torrent it names is known to be downloading or seeding.
func (s *Scheduler) establishIncomingHandshake(pc *conn.PendingConn) {
	ctrl, ok := s.state.get(pc.InfoHash())
	if !ok || ctrl.dispatcher == nil {
		s.eventLoop.send(failedIncomingHandshakeEvent{pc.PeerID(), pc.InfoHash()})
		pc.Close()
		return
	}
	result, err := s.handshaker.Establish(pc, ctrl.dispatcher.Stat())
	if err != nil {
		s.logger.Infof("Error establishing incoming handshake: %s", err)
		s.eventLoop.send(failedIncomingHandshakeEvent{pc.PeerID(), pc.InfoHash()})
		return
	}
	s.eventLoop.send(incomingConnEvent{result.Conn, result.RemoteBitfield})
}

// dialPeer establishes an outgoing connection to ep for torrent h, whose
// metadata must already be known.
func (s *Scheduler) dialPeer(h core.InfoHash, ep Endpoint) {
	ctrl, ok := s.state.get(h)
	if !ok || ctrl.dispatcher == nil {
		return
	}
	info := ctrl.dispatcher.Stat()
	result, err := s.handshaker.Initialize(ep.PeerID, ep.Addr, info)
	if err != nil {
		s.logger.Infof("Error dialing %s for %s: %s", ep.Addr, h, err)
		return
	}
	s.eventLoop.send(outgoingConnEvent{result.Conn, result.RemoteBitfield})
}

// AddTorrent registers t, whose metadata and on-disk state are already
// known, and begins downloading or seeding it (spec.md 4.F "add_torrent").
func (s *Scheduler) AddTorrent(t storage.Torrent) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(addKnownTorrentEvent{t, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// AddMagnet registers a torrent identified only by a magnet link, deferring
// AddTorrent until the metadata exchange (spec.md 4.E) completes (spec.md
// 4.F "bootstrap from a magnet link").
func (s *Scheduler) AddMagnet(link *magnet.Link) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(addMagnetEvent{link, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// AddPeers supplies candidate endpoints for h, which the Scheduler dials
// (bounded by Config.MaxPeersPerTorrent, skipping any endpoint already
// handed out within Config.DialCooldown, whether that dial succeeded or
// failed) in order to grow the swarm outside of any tracker/DHT discovery
// (spec.md 4.F "add_peers(endpoints)"). For a magnet torrent whose metadata
// is still unknown, the endpoints also start the metadata exchange.
func (s *Scheduler) AddPeers(h core.InfoHash, endpoints []Endpoint) error {
	resultc := make(chan addPeersResult, 1)
	if !s.eventLoop.send(addPeersEvent{h, endpoints, resultc}) {
		return ErrSchedulerStopped
	}
	r := <-resultc
	if r.err != nil {
		return r.err
	}
	for _, ep := range r.endpoints {
		go s.dialPeer(h, ep)
	}
	return nil
}

// Pause marks h paused without discarding any downloaded data (spec.md 4.F
// "pause(hash)"). Only the phase reported by Status changes: peer
// connections stay open and the dispatcher keeps requesting and serving
// blocks.
func (s *Scheduler) Pause(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(pauseEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// Resume returns a paused torrent's phase to downloading or seeding (spec.md
// 4.F "resume(hash)"). Pause leaves connections open, so nothing is redialed.
func (s *Scheduler) Resume(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(resumeEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// SetFilePriorities updates per-file download priorities for h (spec.md 4.F
// "set_file_priorities(hash, priorities)").
func (s *Scheduler) SetFilePriorities(h core.InfoHash, priorities map[int]core.FilePriority) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(setFilePrioritiesEvent{h, priorities, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// Status returns a snapshot of h's current state (spec.md 4.F "status()").
func (s *Scheduler) Status(h core.InfoHash) (Status, error) {
	resultc := make(chan statusResult, 1)
	if !s.eventLoop.send(statusEvent{h, resultc}) {
		return Status{}, ErrSchedulerStopped
	}
	r := <-resultc
	return r.status, r.err
}

// Checkpoint forces an immediate checkpoint save for h, bypassing the
// periodic checkpoint ticker's debounce (spec.md 4.H).
func (s *Scheduler) Checkpoint(h core.InfoHash) error {
	resultc := make(chan *checkpoint.Checkpoint, 1)
	if !s.eventLoop.send(buildCheckpointEvent{h, resultc}) {
		return ErrSchedulerStopped
	}
	c := <-resultc
	if c == nil {
		return errUnknownTorrent
	}
	t, err := s.archive.GetTorrent(h)
	if err != nil {
		return fmt.Errorf("get torrent: %s", err)
	}
	if err := t.Flush(); err != nil {
		return fmt.Errorf("flush: %s", err)
	}
	return s.checkpoints.Save(c)
}

// Remove tears down h and deletes its checkpoint; it does not touch any
// on-disk piece data, which remains the responsibility of the caller's
// storage.TorrentArchive.DeleteTorrent.
func (s *Scheduler) Remove(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(removeTorrentEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	err := <-errc
	if err == nil {
		s.checkpoints.Delete(h)
	}
	return err
}

// BlacklistSnapshot returns the current blacklisted connections across all
// torrents.
func (s *Scheduler) BlacklistSnapshot() ([]connstate.BlacklistedConn, error) {
	result := make(chan []connstate.BlacklistedConn, 1)
	if !s.eventLoop.send(blacklistSnapshotEvent{result}) {
		return nil, ErrSchedulerStopped
	}
	return <-result, nil
}

// Addr returns the address the Scheduler is listening on.
func (s *Scheduler) Addr() string {
	return s.listener.Addr().String()
}

// PeerID returns the peer ID this Scheduler identifies itself as.
func (s *Scheduler) PeerID() core.PeerID {
	return s.peerID
}

// Probe verifies the event loop is still responsive.
func (s *Scheduler) Probe() error {
	return s.eventLoop.sendTimeout(probeEvent{}, s.config.ProbeTimeout)
}

// checkpointTorrent saves h's current checkpoint; called off the event loop
// goroutine so Flush (which may block on disk I/O) never stalls it (spec.md
// 4.F "on torrent completion ... write a final checkpoint").
func (s *Scheduler) checkpointTorrent(h core.InfoHash) {
	resultc := make(chan *checkpoint.Checkpoint, 1)
	if !s.eventLoop.send(buildCheckpointEvent{h, resultc}) {
		return
	}
	c := <-resultc
	if c == nil {
		return
	}
	t, err := s.archive.GetTorrent(h)
	if err != nil {
		s.logger.Errorf("Error getting torrent %s for checkpoint: %s", h, err)
		return
	}
	if err := t.Flush(); err != nil {
		s.logger.Errorf("Error flushing %s before checkpoint: %s", h, err)
		return
	}
	if err := s.checkpoints.Save(c); err != nil {
		s.logger.Errorf("Error saving checkpoint for %s: %s", h, err)
	}
}

// fetchMetadata runs the BEP 9/10 metadata exchange for a magnet-bootstrapped
// torrent against addrs, reporting the result back into the event loop
// (spec.md 4.E).
func (s *Scheduler) fetchMetadata(h core.InfoHash, addrs []string) {
	result, err := s.metainfoClient.Fetch(h, addrs)
	if err != nil {
		if metainfoclient.IsHashMismatchError(err) && result != nil {
			s.eventLoop.send(metadataFailedEvent{h, result.Contributed, err})
			return
		}
		s.eventLoop.send(metadataFailedEvent{h, nil, err})
		return
	}
	s.eventLoop.send(metadataFetchedEvent{h, result.Metadata})
}

// Close stops the Scheduler, tearing down all active torrents and
// connections.
func (s *Scheduler) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.listener.Close()
		s.eventLoop.send(shutdownEvent{})
		s.wg.Wait()
		s.netevents.Close()
	})
	return nil
}
