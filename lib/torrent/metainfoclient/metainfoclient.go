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

// Package metainfoclient implements the BEP 9/10 ut_metadata peer-wire
// exchange used to bootstrap a torrent's info dictionary from a magnet link
// (spec.md 4.E), before any TorrentMetadata -- and therefore any
// dispatch.Dispatcher -- exists for the torrent.
package metainfoclient

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coredal/torrentd/core"
)

const metadataPieceSize = 16 * 1024

// Result is the outcome of a successful Fetch: the parsed, verified
// metadata and the peers that contributed at least one piece toward it.
type Result struct {
	Metadata    *core.TorrentMetadata
	Contributed []core.PeerID
}

// Client fetches TorrentMetadata over the peer wire protocol.
type Client struct {
	config Config
	peerID core.PeerID
	logger *zap.SugaredLogger
}

// New creates a new Client, identifying itself to remote peers as peerID.
func New(config Config, peerID core.PeerID, logger *zap.SugaredLogger) *Client {
	return &Client{config: config.applyDefaults(), peerID: peerID, logger: logger}
}

// Fetch connects to addrs (best-effort; unreachable peers are skipped) and
// assembles infoHash's info dictionary via ut_metadata, verifying the result
// hashes to infoHash before returning it (spec.md 4.E). On a
// HashMismatchError, the returned Result is non-nil with Metadata unset and
// Contributed naming every peer that supplied a piece, so the caller can
// blacklist them all and restart the exchange per spec.md 4.E.
func (c *Client) Fetch(infoHash core.InfoHash, addrs []string) (*Result, error) {
	if len(addrs) == 0 {
		return nil, ErrNoPeers
	}

	conns := c.dialAll(infoHash, addrs)
	if len(conns) == 0 {
		return nil, ErrNoUtMetadataSupport
	}
	defer func() {
		for _, rc := range conns {
			rc.close()
		}
	}()

	metadataSize := 0
	for _, rc := range conns {
		if rc.metadataSize > 0 {
			metadataSize = rc.metadataSize
			break
		}
	}
	if metadataSize <= 0 {
		return nil, fmt.Errorf("metainfoclient: no peer advertised a metadata_size")
	}
	numPieces := (metadataSize + metadataPieceSize - 1) / metadataPieceSize

	pieces := make([][]byte, numPieces)
	contributors := map[core.PeerID]bool{}

	if err := c.fetchAllPieces(conns, pieces, contributors); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, p := range pieces {
		buf.Write(p)
	}
	raw := buf.Bytes()

	// The assembled bytes are hashed before they are parsed, so corrupted
	// metadata surfaces as a HashMismatchError. Only the v1 (SHA-1) identity
	// is derived; a hybrid magnet's v2 hash aliases it via Truncated20
	// (BEP 52 2.1). A pure-v2 magnet's info dictionary cannot be verified
	// here (spec.md's v2 assembly path is out of scope when targeting v1).
	actual := core.NewInfoHashV1FromBencoded(raw)
	if !actual.Equal(infoHash) && !actual.Equal(infoHash.Truncated20()) {
		peers := make([]core.PeerID, 0, len(contributors))
		for p := range contributors {
			peers = append(peers, p)
		}
		return &Result{Contributed: peers}, HashMismatchError{Expected: infoHash, Actual: actual}
	}

	m, err := core.ParseInfoDictionary(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfoclient: parse assembled metadata: %s", err)
	}

	peers := make([]core.PeerID, 0, len(contributors))
	for p := range contributors {
		peers = append(peers, p)
	}
	return &Result{Metadata: m, Contributed: peers}, nil
}

// dialAll dials addrs concurrently, keeping only the peers that completed a
// BEP 10 handshake advertising ut_metadata support.
func (c *Client) dialAll(infoHash core.InfoHash, addrs []string) []*rawConn {
	type dialResult struct {
		rc  *rawConn
		err error
	}
	results := make(chan dialResult, len(addrs))
	for _, addr := range addrs {
		addr := addr
		go func() {
			rc, err := dial(addr, infoHash, c.peerID, c.config.HandshakeTimeout)
			results <- dialResult{rc, err}
		}()
	}
	var conns []*rawConn
	for range addrs {
		r := <-results
		if r.err != nil {
			if c.logger != nil {
				c.logger.Infof("metainfoclient: dial failed: %s", r.err)
			}
			continue
		}
		conns = append(conns, r.rc)
	}
	return conns
}

// pieceQueue is a shared, mutex-protected work queue of metadata piece
// indices, allowing a piece dropped by a failing peer to be picked up by
// another (spec.md 4.E "Request metadata pieces in round-robin across
// peers").
type pieceQueue struct {
	mu       sync.Mutex
	pending  []int
	attempts map[int]int
}

const maxAttemptsPerPiece = 4

func newPieceQueue(numPieces int) *pieceQueue {
	pending := make([]int, numPieces)
	for i := range pending {
		pending[i] = i
	}
	return &pieceQueue{pending: pending, attempts: make(map[int]int)}
}

func (q *pieceQueue) next() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	piece := q.pending[0]
	q.pending = q.pending[1:]
	q.attempts[piece]++
	return piece, true
}

func (q *pieceQueue) retry(piece int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.attempts[piece] >= maxAttemptsPerPiece {
		return
	}
	q.pending = append(q.pending, piece)
}

// fetchAllPieces requests every metadata piece, round-robining work across
// conns and requeuing a piece dropped by a failing peer onto the next
// available one, up to a bounded number of attempts (spec.md 4.E).
func (c *Client) fetchAllPieces(conns []*rawConn, pieces [][]byte, contributors map[core.PeerID]bool) error {
	q := newPieceQueue(len(pieces))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rc := range conns {
		rc := rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				piece, ok := q.next()
				if !ok {
					return
				}
				data, err := rc.requestPiece(piece, c.config.RequestTimeout)
				if err != nil {
					if c.logger != nil {
						c.logger.Infof("metainfoclient: peer %s failed piece %d: %s", rc.peerID, piece, err)
					}
					q.retry(piece)
					continue
				}
				mu.Lock()
				pieces[piece] = data
				contributors[rc.peerID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for i, p := range pieces {
		if p == nil {
			return fmt.Errorf("metainfoclient: no peer supplied metadata piece %d", i)
		}
	}
	return nil
}
