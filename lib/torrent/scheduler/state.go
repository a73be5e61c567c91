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
	"go.uber.org/zap"
)

// torrentPhase tracks the lifecycle of a torrentControl (spec.md 4.F).
type torrentPhase int

const (
	// phaseInitializing: metadata not yet known (magnet bootstrap, spec.md
	// 4.E). No dispatcher exists yet.
	phaseInitializing torrentPhase = iota
	phaseDownloading
	phaseSeeding
	phasePaused
	phaseClosing
)

func (p torrentPhase) String() string {
	switch p {
	case phaseInitializing:
		return "initializing"
	case phaseDownloading:
		return "downloading"
	case phaseSeeding:
		return "seeding"
	case phasePaused:
		return "paused"
	case phaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// torrentControl bundles everything the Scheduler owns for one torrent
// (spec.md 4.F "composes A-E into a running torrent").
type torrentControl struct {
	infoHash core.InfoHash
	phase    torrentPhase

	// dispatcher is nil while phase == phaseInitializing.
	dispatcher    *dispatch.Dispatcher
	fileSelection *storage.FileSelection

	// magnetLink is set for torrents started from a magnet URI; it survives
	// past metadata resolution so a checkpoint can still record it.
	magnetLink *magnet.Link

	// metadata bootstrap state (spec.md 4.E), nil once resolved.
	metaFetch *metadataFetch

	trackers   []string
	dhtEnabled bool

	errors []chan error

	dialed map[string]time.Time // endpoint -> last dial attempt, for cool-down

	lastCheckpointedBytes int64
	lastCheckpointAt      time.Time
}

// metadataFetch tracks an in-flight magnet metadata exchange.
type metadataFetch struct {
	inFlight  bool
	attempted map[string]bool // endpoints already tried this round
}

// state is the Scheduler's protected state; it is only ever accessed from
// the event loop goroutine. Any network I/O belongs on the Scheduler and
// should be dispatched from a separate goroutine that reports its result
// back as an event.
type state struct {
	sched *Scheduler

	torrents map[core.InfoHash]*torrentControl
	conns    *connstate.State
}

func newState(sched *Scheduler) *state {
	return &state{
		sched: sched,
		torrents: make(map[core.InfoHash]*torrentControl),
		conns: connstate.New(
			sched.config.ConnState, sched.clk, sched.peerID, sched.netevents, sched.logger),
	}
}

func (s *state) get(h core.InfoHash) (*torrentControl, bool) {
	ctrl, ok := s.torrents[h]
	return ctrl, ok
}

// addKnownTorrent registers a torrentControl for a torrent whose metadata is
// already known (i.e. not a magnet bootstrap).
func (s *state) addKnownTorrent(t storage.Torrent) (*torrentControl, error) {
	d, err := dispatch.New(
		s.sched.config.Dispatch,
		s.sched.stats,
		s.sched.clk,
		s.sched.netevents,
		s.sched.eventLoop,
		s.sched.peerID,
		t,
		s.sched.logger,
		s.sched.torrentlog)
	if err != nil {
		return nil, err
	}

	fs := storage.NewFileSelection(t.Stat().Metadata())
	d.SetFileSelection(fs)

	phase := phaseDownloading
	if t.Complete() {
		phase = phaseSeeding
	}

	ctrl := &torrentControl{
		infoHash:      t.InfoHash(),
		phase:         phase,
		dispatcher:    d,
		fileSelection: fs,
		dialed:        make(map[string]time.Time),
	}
	s.torrents[t.InfoHash()] = ctrl

	s.sched.netevents.Produce(networkevent.AddTorrentEvent(
		t.InfoHash(), s.sched.peerID, t.Bitfield(), s.sched.config.ConnState.MaxOpenConnectionsPerTorrent))

	return ctrl, nil
}

// addMagnetTorrent registers a torrentControl for a magnet URI whose
// metadata is not yet known (spec.md 4.E).
func (s *state) addMagnetTorrent(link *magnet.Link) *torrentControl {
	ctrl := &torrentControl{
		infoHash:   link.InfoHash.Primary(),
		phase:      phaseInitializing,
		magnetLink: link,
		trackers:   link.Trackers,
		dialed:     make(map[string]time.Time),
		metaFetch:  &metadataFetch{attempted: make(map[string]bool)},
	}
	s.torrents[ctrl.infoHash] = ctrl
	return ctrl
}

func (s *state) removeTorrent(h core.InfoHash, err error) {
	ctrl, ok := s.torrents[h]
	if !ok {
		return
	}
	if ctrl.dispatcher != nil {
		ctrl.dispatcher.TearDown()
	}
	for _, errc := range ctrl.errors {
		errc <- err
	}
	s.conns.ClearBlacklist(h)
	s.sched.netevents.Produce(networkevent.TorrentCancelledEvent(h, s.sched.peerID))
	delete(s.torrents, h)
}

func (s *state) addOutgoingConn(c *conn.Conn, b *core.Bitfield) error {
	if err := s.conns.MovePendingToActive(c); err != nil {
		return err
	}
	c.Start()
	ctrl, ok := s.torrents[c.InfoHash()]
	if !ok {
		c.Close()
		return errUnknownTorrent
	}
	if err := ctrl.dispatcher.AddPeer(c.PeerID(), b, c); err != nil {
		return err
	}
	return nil
}

func (s *state) addIncomingConn(c *conn.Conn, b *core.Bitfield) error {
	if err := s.conns.MovePendingToActive(c); err != nil {
		return err
	}
	c.Start()
	ctrl, ok := s.torrents[c.InfoHash()]
	if !ok || ctrl.dispatcher == nil {
		c.Close()
		return errUnknownTorrent
	}
	if err := ctrl.dispatcher.AddPeer(c.PeerID(), b, c); err != nil {
		return err
	}
	return nil
}

func (s *state) log(args ...interface{}) *zap.SugaredLogger {
	return s.sched.logger.With(args...)
}
