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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coredal/torrentd/lib/torrent/storage"
)

// Message IDs, per BEP 3 and the extension BEPs referenced in spec.md ??6.3.
const (
	idChoke         = 0
	idUnchoke       = 1
	idInterested    = 2
	idNotInterested = 3
	idHave          = 4
	idBitfield      = 5
	idRequest       = 6
	idPiece         = 7
	idCancel        = 8
	idPort          = 9
	idExtended      = 20
)

// Message is a single peer wire protocol message (spec.md ??4.D). Exactly one
// group of the typed fields is meaningful, selected by ID; KeepAlive messages
// carry none. Block is only set for outgoing PIECE messages; incoming PIECE
// block bytes are decoded into BlockData directly from the socket, since the
// length is derived from the frame rather than a separate field.
type Message struct {
	KeepAlive bool
	ID        byte

	Index  int // HAVE, REQUEST, PIECE, CANCEL
	Begin  int // REQUEST, PIECE, CANCEL
	Length int // REQUEST, CANCEL; on a decoded PIECE, the block length

	Bitfield []byte // BITFIELD

	Block     storage.PieceReader // outgoing PIECE payload
	BlockData []byte              // incoming PIECE payload, filled by readPiecePayload

	Port int // PORT

	ExtendedID      byte   // EXTENDED
	ExtendedPayload []byte // EXTENDED
}

// NewKeepAliveMessage returns the zero-length keep-alive message.
func NewKeepAliveMessage() *Message { return &Message{KeepAlive: true} }

// NewChokeMessage returns a CHOKE message.
func NewChokeMessage() *Message { return &Message{ID: idChoke} }

// NewUnchokeMessage returns an UNCHOKE message.
func NewUnchokeMessage() *Message { return &Message{ID: idUnchoke} }

// NewInterestedMessage returns an INTERESTED message.
func NewInterestedMessage() *Message { return &Message{ID: idInterested} }

// NewNotInterestedMessage returns a NOT_INTERESTED message.
func NewNotInterestedMessage() *Message { return &Message{ID: idNotInterested} }

// NewHaveMessage returns a HAVE message announcing piece index.
func NewHaveMessage(index int) *Message { return &Message{ID: idHave, Index: index} }

// NewBitfieldMessage returns a BITFIELD message.
func NewBitfieldMessage(b []byte) *Message { return &Message{ID: idBitfield, Bitfield: b} }

// NewRequestMessage returns a REQUEST message for one block.
func NewRequestMessage(index, begin, length int) *Message {
	return &Message{ID: idRequest, Index: index, Begin: begin, Length: length}
}

// NewCancelMessage returns a CANCEL message for an outstanding REQUEST.
func NewCancelMessage(index, begin, length int) *Message {
	return &Message{ID: idCancel, Index: index, Begin: begin, Length: length}
}

// NewPieceMessage returns an outgoing PIECE message carrying block.
func NewPieceMessage(index, begin int, block storage.PieceReader) *Message {
	return &Message{ID: idPiece, Index: index, Begin: begin, Block: block}
}

// NewPortMessage returns a PORT message advertising a DHT port.
func NewPortMessage(port int) *Message { return &Message{ID: idPort, Port: port} }

// NewExtendedMessage returns a BEP 10 EXTENDED message.
func NewExtendedMessage(extID byte, payload []byte) *Message {
	return &Message{ID: idExtended, ExtendedID: extID, ExtendedPayload: payload}
}

func sendMessage(nc net.Conn, msg *Message) error {
	var body []byte
	switch {
	case msg.KeepAlive:
		return writeFrame(nc, nil)
	case msg.ID == idHave:
		body = make([]byte, 5)
		body[0] = idHave
		binary.BigEndian.PutUint32(body[1:], uint32(msg.Index))
	case msg.ID == idBitfield:
		body = make([]byte, 1+len(msg.Bitfield))
		body[0] = idBitfield
		copy(body[1:], msg.Bitfield)
	case msg.ID == idRequest || msg.ID == idCancel:
		body = make([]byte, 13)
		body[0] = msg.ID
		binary.BigEndian.PutUint32(body[1:5], uint32(msg.Index))
		binary.BigEndian.PutUint32(body[5:9], uint32(msg.Begin))
		binary.BigEndian.PutUint32(body[9:13], uint32(msg.Length))
	case msg.ID == idPiece:
		header := make([]byte, 9)
		header[0] = idPiece
		binary.BigEndian.PutUint32(header[1:5], uint32(msg.Index))
		binary.BigEndian.PutUint32(header[5:9], uint32(msg.Begin))
		return sendPieceMessage(nc, header, msg.Block)
	case msg.ID == idPort:
		body = make([]byte, 3)
		body[0] = idPort
		binary.BigEndian.PutUint16(body[1:], uint16(msg.Port))
	case msg.ID == idExtended:
		body = make([]byte, 2+len(msg.ExtendedPayload))
		body[0] = idExtended
		body[1] = msg.ExtendedID
		copy(body[2:], msg.ExtendedPayload)
	default:
		// CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED: 1-byte body.
		body = []byte{msg.ID}
	}
	return writeFrame(nc, body)
}

func writeFrame(nc net.Conn, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := nc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	for len(body) > 0 {
		n, err := nc.Write(body)
		if err != nil {
			return fmt.Errorf("write body: %s", err)
		}
		body = body[n:]
	}
	return nil
}

func sendPieceMessage(nc net.Conn, header []byte, pr storage.PieceReader) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header))+uint32(pr.Length()))
	if _, err := nc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if _, err := nc.Write(header); err != nil {
		return fmt.Errorf("write piece header: %s", err)
	}
	if _, err := io.Copy(nc, pr); err != nil {
		return fmt.Errorf("write piece body: %s", err)
	}
	return nil
}

func sendMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	// NOTE: does not use the clock interface: net deadlines always run on the
	// system clock.
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return sendMessage(nc, msg)
}

// readMessage reads one frame off nc and decodes its header. For a PIECE
// message, only the 9-byte (index, begin) header is decoded here; Length
// holds the block's byte count and the caller must subsequently read exactly
// that many bytes via readPiecePayload.
func readMessage(nc net.Conn) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %s", err)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(frameLen) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", frameLen, maxMessageSize)
	}
	if frameLen == 0 {
		return NewKeepAliveMessage(), nil
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(nc, idBuf[:]); err != nil {
		return nil, fmt.Errorf("read message id: %s", err)
	}
	id := idBuf[0]
	remaining := int(frameLen) - 1

	switch id {
	case idChoke, idUnchoke, idInterested, idNotInterested:
		if remaining != 0 {
			return nil, fmt.Errorf("message id %d: unexpected body length %d", id, remaining)
		}
		return &Message{ID: id}, nil
	case idHave:
		var b [4]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read have: %s", err)
		}
		return &Message{ID: id, Index: int(binary.BigEndian.Uint32(b[:]))}, nil
	case idBitfield:
		buf := make([]byte, remaining)
		if _, err := io.ReadFull(nc, buf); err != nil {
			return nil, fmt.Errorf("read bitfield: %s", err)
		}
		return &Message{ID: id, Bitfield: buf}, nil
	case idRequest, idCancel:
		var b [12]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read request/cancel: %s", err)
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(b[0:4])),
			Begin:  int(binary.BigEndian.Uint32(b[4:8])),
			Length: int(binary.BigEndian.Uint32(b[8:12])),
		}, nil
	case idPiece:
		var b [8]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read piece header: %s", err)
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(b[0:4])),
			Begin:  int(binary.BigEndian.Uint32(b[4:8])),
			Length: remaining - 8,
		}, nil
	case idPort:
		var b [2]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read port: %s", err)
		}
		return &Message{ID: id, Port: int(binary.BigEndian.Uint16(b[:]))}, nil
	case idExtended:
		var extID [1]byte
		if _, err := io.ReadFull(nc, extID[:]); err != nil {
			return nil, fmt.Errorf("read extended id: %s", err)
		}
		payload := make([]byte, remaining-1)
		if _, err := io.ReadFull(nc, payload); err != nil {
			return nil, fmt.Errorf("read extended payload: %s", err)
		}
		return &Message{ID: id, ExtendedID: extID[0], ExtendedPayload: payload}, nil
	default:
		// Unknown message ids are drained and ignored (forward compatible
		// with BEPs this implementation does not know about) rather than
		// treated as a protocol error.
		if _, err := io.CopyN(io.Discard, nc, int64(remaining)); err != nil {
			return nil, fmt.Errorf("drain unknown message id %d: %s", id, err)
		}
		return &Message{ID: id}, nil
	}
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc)
}
