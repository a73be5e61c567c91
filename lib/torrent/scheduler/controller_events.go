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
	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage/checkpoint"
)

// removeTorrentEvent tears down a torrent and clears its connstate entries
// (spec.md 4.F "remove(hash)").
type removeTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e removeTorrentEvent) apply(s *state) {
	if _, ok := s.torrents[e.infoHash]; !ok {
		e.errc <- errUnknownTorrent
		return
	}
	s.removeTorrent(e.infoHash, ErrSchedulerStopped)
	e.errc <- nil
}

// addPeersResult is the outcome of an addPeersEvent: the set of endpoints
// the Scheduler decided are worth dialing, deduped against cool-down.
type addPeersResult struct {
	endpoints []Endpoint
	err       error
}

// addPeersEvent supplies candidate endpoints for a torrent (spec.md 4.F
// "add_peers(endpoints)"), filtering out endpoints dialed within
// Config.DialCooldown and capping the result at Config.MaxPeersPerTorrent.
type addPeersEvent struct {
	infoHash  core.InfoHash
	endpoints []Endpoint
	resultc   chan addPeersResult
}

func (e addPeersEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		e.resultc <- addPeersResult{err: errUnknownTorrent}
		return
	}

	now := s.sched.clk.Now()
	var endpoints []Endpoint
	for _, ep := range e.endpoints {
		if len(endpoints) >= s.sched.config.MaxPeersPerTorrent {
			break
		}
		if last, dialed := ctrl.dialed[ep.Addr]; dialed && now.Sub(last) < s.sched.config.DialCooldown {
			continue
		}
		ctrl.dialed[ep.Addr] = now
		endpoints = append(endpoints, ep)
	}
	if ctrl.phase == phaseInitializing && ctrl.metaFetch != nil && !ctrl.metaFetch.inFlight && len(endpoints) > 0 {
		addrs := make([]string, len(endpoints))
		for i, ep := range endpoints {
			addrs[i] = ep.Addr
		}
		ctrl.metaFetch.inFlight = true
		go s.sched.fetchMetadata(e.infoHash, addrs)
	}
	e.resultc <- addPeersResult{endpoints: endpoints}
}

// pauseEvent moves a downloading or seeding torrent to the paused phase
// without discarding its downloaded state (spec.md 4.F "pause(hash)"). Its
// connections and dispatcher are left running.
type pauseEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e pauseEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- errUnknownTorrent
		return
	}
	if ctrl.phase == phaseDownloading || ctrl.phase == phaseSeeding {
		ctrl.phase = phasePaused
	}
	e.errc <- nil
}

// resumeEvent moves a paused torrent back to downloading, or to seeding if
// its dispatcher is complete (spec.md 4.F "resume(hash)").
type resumeEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e resumeEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- errUnknownTorrent
		return
	}
	if ctrl.phase == phasePaused {
		if ctrl.dispatcher != nil && ctrl.dispatcher.Complete() {
			ctrl.phase = phaseSeeding
		} else {
			ctrl.phase = phaseDownloading
		}
	}
	e.errc <- nil
}

// setFilePrioritiesEvent updates per-file download priorities (spec.md 4.F
// "set_file_priorities(hash, priorities)").
type setFilePrioritiesEvent struct {
	infoHash   core.InfoHash
	priorities map[int]core.FilePriority
	errc       chan error
}

func (e setFilePrioritiesEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok || ctrl.fileSelection == nil {
		e.errc <- errUnknownTorrent
		return
	}
	e.errc <- ctrl.fileSelection.SetPriorities(e.priorities)
}

// statusResult is the outcome of a statusEvent.
type statusResult struct {
	status Status
	err    error
}

// statusEvent snapshots a torrent's current state (spec.md 4.F "status()").
type statusEvent struct {
	infoHash core.InfoHash
	resultc  chan statusResult
}

func (e statusEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		e.resultc <- statusResult{err: errUnknownTorrent}
		return
	}
	st := Status{
		InfoHash: e.infoHash,
		Phase:    ctrl.phase.String(),
	}
	if ctrl.dispatcher != nil {
		info := ctrl.dispatcher.Stat()
		st.PercentDownloaded = info.PercentDownloaded()
		st.NumPeers = len(ctrl.dispatcher.RemoteBitfields())
		st.BytesDownloaded = info.Metadata().PieceLength * int64(info.Bitfield().Count())
	}
	e.resultc <- statusResult{status: st}
}

// buildCheckpointEvent assembles a Checkpoint snapshot for the Scheduler to
// persist off the event loop goroutine (spec.md 4.H).
type buildCheckpointEvent struct {
	infoHash core.InfoHash
	resultc  chan *checkpoint.Checkpoint
}

func (e buildCheckpointEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok || ctrl.dispatcher == nil {
		e.resultc <- nil
		return
	}
	info := ctrl.dispatcher.Stat()
	m := info.Metadata()
	c := &checkpoint.Checkpoint{
		InfoHash:   m.InfoHash,
		Name:       m.Name,
		Trackers:   ctrl.trackers,
		DHTEnabled: ctrl.dhtEnabled,
		Bitfield:   info.Bitfield(),
		SavedAt:    s.sched.clk.Now(),
	}
	if ctrl.fileSelection != nil {
		c.FilePriorities = ctrl.fileSelection.AllPriorities()
	}
	ctrl.lastCheckpointedBytes = int64(info.Bitfield().Count()) * m.PieceLength
	ctrl.lastCheckpointAt = s.sched.clk.Now()
	e.resultc <- c
}

// checkpointTickEvent fires periodically; every torrent whose last
// checkpoint is at least Config.CheckpointInterval old gets a fresh one
// written asynchronously, whether or not it has made progress since
// (spec.md 4.F "checkpoint ticker").
type checkpointTickEvent struct{}

func (e checkpointTickEvent) apply(s *state) {
	for h, ctrl := range s.torrents {
		if ctrl.dispatcher == nil || ctrl.phase == phaseClosing {
			continue
		}
		if s.sched.clk.Now().Sub(ctrl.lastCheckpointAt) < s.sched.config.CheckpointInterval {
			continue
		}
		go s.sched.checkpointTorrent(h)
	}
}

// metadataFetchedEvent reports a successful BEP 9/10 metadata exchange,
// transitioning a magnet-bootstrapped torrent into a fully known one
// (spec.md 4.E).
type metadataFetchedEvent struct {
	infoHash core.InfoHash
	metadata *core.TorrentMetadata
}

func (e metadataFetchedEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok || ctrl.phase != phaseInitializing {
		return
	}

	t, err := s.sched.archive.CreateTorrent(e.metadata)
	if err != nil {
		s.log("hash", e.infoHash).Errorf("Error creating torrent from fetched metadata: %s", err)
		return
	}

	delete(s.torrents, e.infoHash)
	newCtrl, err := s.addKnownTorrent(t)
	if err != nil {
		s.log("hash", e.infoHash).Errorf("Error starting torrent from fetched metadata: %s", err)
		return
	}
	newCtrl.trackers = ctrl.trackers
	newCtrl.dhtEnabled = ctrl.dhtEnabled
	newCtrl.dialed = ctrl.dialed
	newCtrl.errors = ctrl.errors

	s.log("hash", e.infoHash).Info("Metadata exchange complete, starting download")
}

// metadataFailedEvent reports a failed metadata exchange attempt. On a hash
// mismatch, every contributing peer is blacklisted before the exchange is
// allowed to retry (spec.md 4.E "blacklist all contributors and restart").
type metadataFailedEvent struct {
	infoHash     core.InfoHash
	contributors []core.PeerID
	err          error
}

func (e metadataFailedEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok || ctrl.metaFetch == nil {
		return
	}
	ctrl.metaFetch.inFlight = false

	for _, p := range e.contributors {
		if err := s.conns.Blacklist(p, e.infoHash); err != nil {
			s.log("peer", p, "hash", e.infoHash).Infof("Cannot blacklist metadata contributor: %s", err)
		}
	}

	s.log("hash", e.infoHash).Infof("Metadata exchange failed, will retry: %s", e.err)
}
