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
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn/bandwidth"
	"github.com/coredal/torrentd/lib/torrent/storage"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

const pstr = "BitTorrent protocol"

// handshakeLen is the fixed BEP 3 handshake length: 1 (pstrlen) + 19 (pstr)
// + 8 (reserved) + 20 (info hash) + 20 (peer id).
const handshakeLen = 1 + len(pstr) + 8 + 20 + 20

var errSelfConnect = errors.New("self-connect: remote peer id matches our own")
var errBadPstr = errors.New("handshake: unexpected protocol string")

func writeHandshake(nc net.Conn, infoHash core.InfoHash, reserved core.ReservedFlags, peerID core.PeerID) error {
	var buf [handshakeLen]byte
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	off := 1 + len(pstr)
	copy(buf[off:off+8], reserved[:])
	off += 8
	copy(buf[off:off+20], infoHash.Truncated20().Bytes())
	off += 20
	copy(buf[off:off+20], peerID[:])
	if _, err := nc.Write(buf[:]); err != nil {
		return fmt.Errorf("write handshake: %s", err)
	}
	return nil
}

func readHandshake(nc net.Conn) (infoHash core.InfoHash, reserved core.ReservedFlags, peerID core.PeerID, err error) {
	var buf [handshakeLen]byte
	if _, err = io.ReadFull(nc, buf[:]); err != nil {
		err = fmt.Errorf("read handshake: %s", err)
		return
	}
	if int(buf[0]) != len(pstr) || string(buf[1:1+len(pstr)]) != pstr {
		err = errBadPstr
		return
	}
	off := 1 + len(pstr)
	copy(reserved[:], buf[off:off+8])
	off += 8
	ih, hashErr := core.NewInfoHashV1FromBytes(buf[off : off+20])
	if hashErr != nil {
		err = hashErr
		return
	}
	infoHash = ih
	off += 20
	peerID, err = core.NewPeerIDFromBytes(buf[off : off+20])
	return
}

// PendingConn represents a half-opened connection whose inbound handshake
// has been read but not yet answered (spec.md 4.D Dialing -> Handshaking).
type PendingConn struct {
	nc       net.Conn
	infoHash core.InfoHash
	reserved core.ReservedFlags
	peerID   core.PeerID
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID { return pc.peerID }

// InfoHash returns the info hash the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash { return pc.infoHash }

// Reserved returns the remote peer's reserved handshake bits.
func (pc *PendingConn) Reserved() core.ReservedFlags { return pc.reserved }

// Close closes the underlying connection.
func (pc *PendingConn) Close() { pc.nc.Close() }

// HandshakeResult wraps the outcome of a successful outbound handshake.
type HandshakeResult struct {
	Conn           *Conn
	RemoteBitfield *core.Bitfield
}

// Handshaker establishes BitTorrent connections to other peers, per the
// BEP 3 fixed handshake followed by a BITFIELD exchange (spec.md 4.D).
type Handshaker struct {
	config        Config
	stats         tally.Scope
	clk           clock.Clock
	bandwidth     *bandwidth.Limiter
	networkEvents networkevent.Producer
	peerID        core.PeerID
	reserved      core.ReservedFlags
	events        Events
	logger        *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	networkEvents networkevent.Producer,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl := bandwidth.NewLimiter(config.Bandwidth, logger)

	return &Handshaker{
		config:        config,
		stats:         stats,
		clk:           clk,
		bandwidth:     bl,
		networkEvents: networkEvents,
		peerID:        peerID,
		reserved:      core.NewReservedFlags(false, true, true, true),
		events:        events,
		logger:        logger,
	}, nil
}

// Accept upgrades a raw network connection opened by a remote peer into a
// PendingConn by reading its handshake.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	infoHash, reserved, peerID, err := readHandshake(nc)
	if err != nil {
		return nil, err
	}
	if peerID == h.peerID {
		return nil, errSelfConnect
	}
	return &PendingConn{nc: nc, infoHash: infoHash, reserved: reserved, peerID: peerID}, nil
}

// Establish answers a PendingConn's handshake and completes the BITFIELD
// exchange, upgrading it into a fully established Conn.
func (h *Handshaker) Establish(pc *PendingConn, info *storage.TorrentInfo) (*HandshakeResult, error) {
	nc := pc.nc
	if info.InfoHash() != pc.infoHash && !hybridMatch(info, pc.infoHash) {
		nc.Close()
		return nil, storage.InfoHashMismatchError{}
	}
	if err := nc.SetWriteDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set write deadline: %s", err)
	}
	if err := writeHandshake(nc, info.InfoHash(), h.reserved, h.peerID); err != nil {
		return nil, err
	}
	remoteBitfield, err := exchangeBitfield(nc, info, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("exchange bitfield: %s", err)
	}
	c, err := h.newConn(nc, pc.peerID, info, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, remoteBitfield}, nil
}

// Initialize dials addr, performs the outbound handshake against peerID for
// info, and completes the BITFIELD exchange.
func (h *Handshaker) Initialize(
	peerID core.PeerID,
	addr string,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	r, err := h.fullHandshake(nc, peerID, info)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func (h *Handshaker) fullHandshake(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if err := writeHandshake(nc, info.InfoHash(), h.reserved, h.peerID); err != nil {
		return nil, err
	}
	remoteInfoHash, _, remotePeerID, err := readHandshake(nc)
	if err != nil {
		return nil, err
	}
	if remotePeerID == h.peerID {
		return nil, errSelfConnect
	}
	if remotePeerID != peerID {
		return nil, errors.New("unexpected peer id")
	}
	if remoteInfoHash != info.InfoHash() && !hybridMatch(info, remoteInfoHash) {
		return nil, storage.InfoHashMismatchError{}
	}
	remoteBitfield, err := exchangeBitfield(nc, info, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("exchange bitfield: %s", err)
	}
	c, err := h.newConn(nc, peerID, info, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, remoteBitfield}, nil
}

// hybridMatch reports whether remote identifies a hybrid torrent by its
// truncated v1-compatible alias of our v2 hash, or vice-versa.
func hybridMatch(info *storage.TorrentInfo, remote core.InfoHash) bool {
	h := info.Metadata().InfoHash
	if !h.IsHybrid() {
		return false
	}
	return h.V1.Equal(remote) || h.V2.Truncated20().Equal(remote)
}

// exchangeBitfield sends our BITFIELD and waits briefly for the peer's
// BITFIELD or first HAVE, per spec.md 4.D's Exchanging_Bitfield state. A
// peer that sends neither within the timeout is assumed to have an
// all-zero bitfield rather than treated as an error.
func exchangeBitfield(nc net.Conn, info *storage.TorrentInfo, timeout time.Duration) (*core.Bitfield, error) {
	local := info.Bitfield()
	if err := sendMessageWithTimeout(nc, NewBitfieldMessage(local.Bytes()), timeout); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}

	numPieces := info.Metadata().NumPieces
	remote := core.NewBitfield(numPieces)

	msg, err := readMessageWithTimeout(nc, timeout)
	if err != nil {
		// No BITFIELD/HAVE within the timeout: proceed with an empty
		// bitfield rather than failing the connection.
		return remote, nil
	}
	switch msg.ID {
	case idBitfield:
		return core.NewBitfieldFromBytes(msg.Bitfield, numPieces), nil
	case idHave:
		if msg.Index >= 0 && msg.Index < numPieces {
			remote.Set(msg.Index, true)
		}
		return remote, nil
	default:
		return remote, nil
	}
}

func (h *Handshaker) newConn(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.networkEvents,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		peerID,
		info,
		openedByRemote,
		h.logger)
}
