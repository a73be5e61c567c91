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

// Package piecerequest implements the piece picker (spec.md 4.C): which
// blocks to request next, from which peer, and when a stalled request
// should be retried or duplicated under another peer.
package piecerequest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/utils/syncutil"

	"github.com/andres-erbsen/clock"
)

// Status enumerates possible statuses of a Request.
type Status int

const (
	// StatusPending denotes a valid request which is still in-flight.
	StatusPending Status = iota

	// StatusExpired denotes an in-flight request which has timed out on our end.
	StatusExpired

	// StatusUnsent denotes an unsent request that is safe to retry to the same peer.
	StatusUnsent

	// StatusInvalid denotes a completed request that resulted in an invalid payload.
	StatusInvalid
)

// blockKey identifies a single block-sized request window within a piece.
type blockKey struct {
	piece  int
	offset int64
}

// Request represents a single block request to a peer. Length is always the
// configured block size except for a piece's final, possibly short, block.
type Request struct {
	Piece  int
	Offset int64
	Length int64
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// Manager encapsulates thread-safe block request bookkeeping. It is not
// responsible for sending nor receiving block payloads in any way.
//
// Requests are tracked at block granularity so pipelining (several
// in-flight requests per peer) and endgame mode (the same block requested
// of more than one peer once few pieces remain, spec.md 4.C) both operate
// below the piece level, matching what actually crosses the wire.
type Manager struct {
	sync.RWMutex

	meta *core.TorrentMetadata

	// requests and requestsByPeer hold the same data, indexed differently.
	requests       map[blockKey][]*Request
	requestsByPeer map[core.PeerID]map[blockKey]*Request

	clock   clock.Clock
	timeout time.Duration

	policy        pieceSelectionPolicy
	pipelineLimit int
	blockSize     int64
}

// NewManager creates a new Manager. blockSize bounds the length of each
// requested chunk within a piece; pieces shorter than blockSize are
// requested whole.
func NewManager(
	clk clock.Clock,
	meta *core.TorrentMetadata,
	timeout time.Duration,
	policy string,
	pipelineLimit int,
	blockSize int64) (*Manager, error) {

	m := &Manager{
		meta:           meta,
		requests:       make(map[blockKey][]*Request),
		requestsByPeer: make(map[core.PeerID]map[blockKey]*Request),
		clock:          clk,
		timeout:        timeout,
		pipelineLimit:  pipelineLimit,
		blockSize:      blockSize,
	}

	switch policy {
	case RoundRobinPolicy:
		m.policy = newRoundRobinPolicy()
	case RarestFirstPolicy:
		m.policy = newRarestFirstPolicy()
	case SequentialPolicy:
		m.policy = newSequentialPolicy()
	default:
		return nil, fmt.Errorf("invalid piece selection policy: %s", policy)
	}
	return m, nil
}

// blocksOf returns the block offsets/lengths composing piece i.
func (m *Manager) blocksOf(i int) []blockKey {
	pieceLen := m.meta.GetPieceLength(i)
	var blocks []blockKey
	for off := int64(0); off < pieceLen; off += m.blockSize {
		blocks = append(blocks, blockKey{piece: i, offset: off})
	}
	return blocks
}

func (m *Manager) blockLength(k blockKey) int64 {
	pieceLen := m.meta.GetPieceLength(k.piece)
	remaining := pieceLen - k.offset
	if remaining < m.blockSize {
		return remaining
	}
	return m.blockSize
}

// ReserveBlocks selects the next block(s) to be requested from peerID,
// picking pieces on a policy basis (rarest_first by default) via
// numPeersByPiece, then breaking each selected piece into block-sized
// requests. eligible additionally filters candidate pieces, e.g. by
// set_file_priorities. If allowDuplicates is set (endgame mode, spec.md
// 4.C), blocks already reserved under other peers may be reserved again.
func (m *Manager) ReserveBlocks(
	peerID core.PeerID,
	candidates *core.Bitfield,
	numPeersByPiece syncutil.Counters,
	eligible func(piece int) bool,
	allowDuplicates bool) ([]Request, error) {

	m.Lock()
	defer m.Unlock()

	quota := m.requestQuota(peerID)
	if quota <= 0 {
		return nil, nil
	}

	validPiece := func(i int) bool {
		if eligible != nil && !eligible(i) {
			return false
		}
		for _, k := range m.blocksOf(i) {
			if m.validBlock(peerID, k, allowDuplicates) {
				return true
			}
		}
		return false
	}

	// selectPieces's limit is expressed in pieces; requesting every
	// candidate lets the block loop below apply the real, block-level quota.
	pieces, err := m.policy.selectPieces(candidates.Len(), validPiece, candidates, numPeersByPiece)
	if err != nil {
		return nil, err
	}

	var reserved []Request
	for _, i := range pieces {
		if len(reserved) >= quota {
			break
		}
		for _, k := range m.blocksOf(i) {
			if len(reserved) >= quota {
				break
			}
			if !m.validBlock(peerID, k, allowDuplicates) {
				continue
			}
			r := &Request{
				Piece:  k.piece,
				Offset: k.offset,
				Length: m.blockLength(k),
				PeerID: peerID,
				Status: StatusPending,
				sentAt: m.clock.Now(),
			}
			m.requests[k] = append(m.requests[k], r)
			if _, ok := m.requestsByPeer[peerID]; !ok {
				m.requestsByPeer[peerID] = make(map[blockKey]*Request)
			}
			m.requestsByPeer[peerID][k] = r
			reserved = append(reserved, *r)
		}
	}

	return reserved, nil
}

// MarkUnsent marks the block request for (piece, offset) as unsent.
func (m *Manager) MarkUnsent(peerID core.PeerID, piece int, offset int64) {
	m.markStatus(peerID, blockKey{piece, offset}, StatusUnsent)
}

// MarkInvalid marks the block request for (piece, offset) as invalid.
func (m *Manager) MarkInvalid(peerID core.PeerID, piece int, offset int64) {
	m.markStatus(peerID, blockKey{piece, offset}, StatusInvalid)
}

// Clear deletes all block request bookkeeping for piece i, e.g. once it has
// verified on disk and no further blocks need tracking.
func (m *Manager) Clear(i int) {
	m.Lock()
	defer m.Unlock()

	for _, k := range m.blocksOf(i) {
		delete(m.requests, k)
		for peerID, pm := range m.requestsByPeer {
			delete(pm, k)
			if len(pm) == 0 {
				delete(m.requestsByPeer, peerID)
			}
		}
	}
}

// PendingPieces returns the distinct pieces with at least one pending block
// request to peerID, in sorted order. Intended primarily for testing.
func (m *Manager) PendingPieces(peerID core.PeerID) []int {
	m.RLock()
	defer m.RUnlock()

	seen := make(map[int]bool)
	for k, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			seen[k.piece] = true
		}
	}
	pieces := make([]int, 0, len(seen))
	for i := range seen {
		pieces = append(pieces, i)
	}
	sort.Ints(pieces)
	return pieces
}

// ClearPeer deletes all block requests for peerID, e.g. on disconnect.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	delete(m.requestsByPeer, peerID)

	for k, rs := range m.requests {
		for j, r := range rs {
			if r.PeerID == peerID {
				rs[j] = rs[len(rs)-1]
				m.requests[k] = rs[:len(rs)-1]
				break
			}
		}
	}
}

// GetFailedRequests returns a copy of all failed block requests.
func (m *Manager) GetFailedRequests() []Request {
	m.RLock()
	defer m.RUnlock()

	var failed []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				failed = append(failed, Request{
					Piece:  r.Piece,
					Offset: r.Offset,
					Length: r.Length,
					PeerID: r.PeerID,
					Status: status,
				})
			}
		}
	}
	return failed
}

func (m *Manager) validBlock(peerID core.PeerID, k blockKey, allowDuplicates bool) bool {
	for _, r := range m.requests[k] {
		if r.Status == StatusPending && !m.expired(r) {
			if r.PeerID == peerID {
				return false
			}
			if !allowDuplicates {
				return false
			}
		}
	}
	return true
}

func (m *Manager) requestQuota(peerID core.PeerID) int {
	quota := m.pipelineLimit
	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return quota
	}

	for _, r := range pm {
		if r.Status == StatusPending && !m.expired(r) {
			quota--
			if quota == 0 {
				break
			}
		}
	}

	return quota
}

func (m *Manager) expired(r *Request) bool {
	expiresAt := r.sentAt.Add(m.timeout)
	return m.clock.Now().After(expiresAt)
}

func (m *Manager) markStatus(peerID core.PeerID, k blockKey, s Status) {
	m.Lock()
	defer m.Unlock()

	for _, r := range m.requests[k] {
		if r.PeerID == peerID {
			r.Status = s
		}
	}
}
