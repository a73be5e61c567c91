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
	"net"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coredal/torrentd/core"
)

// fakeMetadataPeer accepts a single connection, performs the BEP 3 + BEP 10
// handshakes, and serves raw's bytes in metadataPieceSize chunks via
// ut_metadata. If corrupt is true, it serves tampered bytes so the fetched
// metadata fails hash verification.
func fakeMetadataPeer(t *testing.T, raw []byte, corrupt bool) (addr string, peerID core.PeerID, stop func()) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	id := core.PeerIDFixture()

	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		infoHash, _, _, err := readHandshake(nc)
		if err != nil {
			return
		}
		reserved := core.NewReservedFlags(false, true, true, true)
		if err := writeHandshake(nc, infoHash, reserved, id); err != nil {
			return
		}

		extID, payload, err := readExtended(nc)
		if err != nil || extID != extMsgIDHandshake {
			return
		}
		var hs extendedHandshakePayload
		if err := bencode.Unmarshal(bytes.NewReader(payload), &hs); err != nil {
			return
		}
		peerUtMetadataID := byte(hs.M["ut_metadata"])

		var resp bytes.Buffer
		bencode.Marshal(&resp, extendedHandshakePayload{
			M:            map[string]int{"ut_metadata": 7},
			MetadataSize: len(raw),
		})
		if err := writeExtended(nc, extMsgIDHandshake, resp.Bytes()); err != nil {
			return
		}

		for {
			extID, payload, err := readExtended(nc)
			if err != nil {
				return
			}
			if extID != 7 {
				continue
			}
			var req utMetadataMessage
			if err := bencode.Unmarshal(bytes.NewReader(payload), &req); err != nil {
				return
			}
			start := req.Piece * metadataPieceSize
			end := start + metadataPieceSize
			if end > len(raw) {
				end = len(raw)
			}
			data := append([]byte(nil), raw[start:end]...)
			if corrupt {
				data[0] ^= 0xFF
			}

			var dataHeader bytes.Buffer
			bencode.Marshal(&dataHeader, utMetadataMessage{
				MsgType: utMetadataData, Piece: req.Piece, TotalSize: len(raw),
			})
			out := append(dataHeader.Bytes(), data...)
			if err := writeExtended(nc, peerUtMetadataID, out); err != nil {
				return
			}
		}
	}()

	return l.Addr().String(), id, func() { l.Close() }
}

func TestClientFetchAssemblesAndVerifiesMetadata(t *testing.T) {
	require := require.New(t)

	m := core.TorrentMetadataFixture(3, metadataPieceSize*2)
	raw, err := core.EncodeInfoDictionary(m)
	require.NoError(err)
	infoHash := core.NewInfoHashV1FromBencoded(raw)

	addr, peerID, stop := fakeMetadataPeer(t, raw, false)
	defer stop()

	c := New(Config{}, core.PeerIDFixture(), zap.NewNop().Sugar())
	res, err := c.Fetch(infoHash, []string{addr})
	require.NoError(err)
	require.NotNil(res.Metadata)
	require.Equal(infoHash, res.Metadata.InfoHash.V1)
	require.Equal(m.NumPieces, res.Metadata.NumPieces)
	require.Contains(res.Contributed, peerID)
}

func TestClientFetchDetectsHashMismatch(t *testing.T) {
	require := require.New(t)

	m := core.TorrentMetadataFixture(2, metadataPieceSize)
	raw, err := core.EncodeInfoDictionary(m)
	require.NoError(err)
	infoHash := core.NewInfoHashV1FromBencoded(raw)

	addr, _, stop := fakeMetadataPeer(t, raw, true)
	defer stop()

	c := New(Config{}, core.PeerIDFixture(), zap.NewNop().Sugar())
	res, err := c.Fetch(infoHash, []string{addr})
	require.Error(err)
	require.True(IsHashMismatchError(err))
	require.NotEmpty(res.Contributed)
}

func TestClientFetchNoPeers(t *testing.T) {
	require := require.New(t)

	c := New(Config{}, core.PeerIDFixture(), zap.NewNop().Sugar())
	_, err := c.Fetch(core.InfoHash{}, nil)
	require.Equal(ErrNoPeers, err)
}
