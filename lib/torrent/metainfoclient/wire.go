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
package metainfoclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/coredal/torrentd/core"
)

// A torrent that has not been fully fetched yet has no known piece count, so
// a metadata-exchange connection cannot go through conn.Handshaker (which
// requires a *storage.TorrentInfo to exchange bitfields during the
// handshake, per spec.md 4.D). This file implements the minimal slice of the
// BEP 3 + BEP 10 wire format needed to obtain just the "m"/ut_metadata
// extension handshake and the raw ut_metadata piece exchange, independent of
// the conn package.

const pstr = "BitTorrent protocol"
const handshakeLen = 1 + len(pstr) + 8 + 20 + 20

// extMsgIDHandshake is the reserved BEP 10 extended-message id for the
// extension handshake itself; all other ids are assigned per-peer by that
// handshake's "m" dictionary.
const extMsgIDHandshake = 0

// localUtMetadataID is the ut_metadata id this client advertises in its own
// extension handshake; per BEP 10, peers send ut_metadata messages to us
// under this id.
const localUtMetadataID = 1

const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

// rawConn wraps a dialed, handshaken TCP connection to a peer that has
// advertised BEP 10 extension protocol support.
type rawConn struct {
	nc            net.Conn
	peerID        core.PeerID
	utMetadataID  byte // The peer's ut_metadata extended-message id.
	metadataSize  int  // 0 if the peer didn't advertise metadata_size.
}

// dial performs the BEP 3 handshake and BEP 10 extension handshake against
// addr for infoHash, returning the peer's advertised ut_metadata id and
// metadata_size.
func dial(addr string, infoHash core.InfoHash, localPeerID core.PeerID, timeout time.Duration) (*rawConn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	reserved := core.NewReservedFlags(false, true, true, true)
	if err := writeHandshake(nc, infoHash, reserved, localPeerID); err != nil {
		nc.Close()
		return nil, err
	}
	remoteInfoHash, remoteReserved, remotePeerID, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if !remoteInfoHash.Equal(infoHash) {
		nc.Close()
		return nil, fmt.Errorf("handshake info hash mismatch")
	}
	if !remoteReserved.SupportsExtensionProtocol() {
		nc.Close()
		return nil, errors.New("peer does not support the BEP 10 extension protocol")
	}

	utMetadataID, metadataSize, err := exchangeExtendedHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if utMetadataID == 0 {
		nc.Close()
		return nil, ErrNoUtMetadataSupport
	}

	return &rawConn{nc: nc, peerID: remotePeerID, utMetadataID: utMetadataID, metadataSize: metadataSize}, nil
}

func (c *rawConn) close() { c.nc.Close() }

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
		err = errors.New("unexpected protocol string")
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

// extendedHandshakePayload is the bencode wire shape of a BEP 10 handshake.
type extendedHandshakePayload struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
}

func exchangeExtendedHandshake(nc net.Conn) (utMetadataID byte, metadataSize int, err error) {
	var buf bytes.Buffer
	if encErr := bencode.Marshal(&buf, extendedHandshakePayload{M: map[string]int{"ut_metadata": localUtMetadataID}}); encErr != nil {
		return 0, 0, fmt.Errorf("bencode extension handshake: %s", encErr)
	}
	if writeErr := writeExtended(nc, extMsgIDHandshake, buf.Bytes()); writeErr != nil {
		return 0, 0, fmt.Errorf("send extension handshake: %s", writeErr)
	}

	id, payload, readErr := readExtended(nc)
	if readErr != nil {
		return 0, 0, fmt.Errorf("read extension handshake: %s", readErr)
	}
	if id != extMsgIDHandshake {
		return 0, 0, fmt.Errorf("expected extension handshake, got extended id %d", id)
	}
	var resp extendedHandshakePayload
	if decErr := bencode.Unmarshal(bytes.NewReader(payload), &resp); decErr != nil {
		return 0, 0, fmt.Errorf("unbencode extension handshake: %s", decErr)
	}
	return byte(resp.M["ut_metadata"]), resp.MetadataSize, nil
}

// utMetadataMessage is the bencode wire shape of a ut_metadata request/data/
// reject message, sent as the EXTENDED payload prefix; "data" messages carry
// the raw piece bytes immediately after the bencoded dict.
type utMetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

func (c *rawConn) requestPiece(piece int, timeout time.Duration) ([]byte, error) {
	if err := c.nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, utMetadataMessage{MsgType: utMetadataRequest, Piece: piece}); err != nil {
		return nil, fmt.Errorf("bencode request: %s", err)
	}
	if err := writeExtended(c.nc, c.utMetadataID, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("send request: %s", err)
	}

	id, payload, err := readExtended(c.nc)
	if err != nil {
		return nil, fmt.Errorf("read response: %s", err)
	}
	if id != localUtMetadataID {
		return nil, fmt.Errorf("unexpected extended id %d in ut_metadata response", id)
	}

	r := bytes.NewReader(payload)
	var msg utMetadataMessage
	if err := bencode.Unmarshal(r, &msg); err != nil {
		return nil, fmt.Errorf("unbencode response: %s", err)
	}
	switch msg.MsgType {
	case utMetadataData:
		if msg.Piece != piece {
			return nil, fmt.Errorf("data message for piece %d, expected %d", msg.Piece, piece)
		}
		data := make([]byte, r.Len())
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read piece payload: %s", err)
		}
		return data, nil
	case utMetadataReject:
		return nil, fmt.Errorf("peer rejected metadata piece %d", piece)
	default:
		return nil, fmt.Errorf("unexpected msg_type %d", msg.MsgType)
	}
}

// writeExtended frames an EXTENDED (id 20) message: 4-byte big-endian
// length, id byte, extended-id byte, payload.
func writeExtended(nc net.Conn, extID byte, payload []byte) error {
	body := make([]byte, 2+len(payload))
	body[0] = 20 // idExtended
	body[1] = extID
	copy(body[2:], payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := nc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := nc.Write(body)
	return err
}

// readExtended reads the next message off nc, skipping keep-alives and any
// non-EXTENDED message (e.g. a stray CHOKE/INTERESTED some clients send
// before the extension handshake completes).
func readExtended(nc net.Conn) (extID byte, payload []byte, err error) {
	for {
		var lenBuf [4]byte
		if _, err = io.ReadFull(nc, lenBuf[:]); err != nil {
			return 0, nil, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keep-alive
		}
		body := make([]byte, length)
		if _, err = io.ReadFull(nc, body); err != nil {
			return 0, nil, err
		}
		if body[0] != 20 { // not idExtended; ignore and keep reading
			continue
		}
		return body[1], body[2:], nil
	}
}
