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
package diskstorage

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredal/torrentd/lib/torrent/storage"
	"github.com/coredal/torrentd/lib/torrent/storage/fileio"
)

func TestTorrentAcceptBlockWholePiece(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	result, err := tor.AcceptBlock(0, 0, content[0:4])
	require.NoError(err)
	require.Equal(storage.Accepted, result)
	require.True(tor.HasPiece(0))
}

func TestTorrentAcceptBlockPartialThenComplete(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	result, err := tor.AcceptBlock(0, 0, content[0:2])
	require.NoError(err)
	require.Equal(storage.Accepted, result)
	require.False(tor.HasPiece(0))

	result, err = tor.AcceptBlock(0, 2, content[2:4])
	require.NoError(err)
	require.Equal(storage.Accepted, result)
	require.True(tor.HasPiece(0))
}

func TestTorrentAcceptBlockDuplicate(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	_, err = tor.AcceptBlock(0, 0, content[0:2])
	require.NoError(err)

	result, err := tor.AcceptBlock(0, 0, content[0:2])
	require.NoError(err)
	require.Equal(storage.Duplicate, result)
}

func TestTorrentAcceptBlockHashMismatch(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	corrupted := append([]byte(nil), content[0:4]...)
	corrupted[0] ^= 0xFF

	_, err = tor.AcceptBlock(0, 0, corrupted)
	require.Error(err)
	require.True(storage.IsPieceHashMismatchError(err))
	require.False(tor.HasPiece(0))
}

func TestTorrentGetPieceReaderAfterVerify(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	_, err = tor.AcceptBlock(1, 0, content[4:8])
	require.NoError(err)

	r, err := tor.GetPieceReader(1)
	require.NoError(err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(err)
	require.Equal(content[4:8], got)
}

func TestTorrentResumesFromStateFile(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)
	_, err = tor.AcceptBlock(0, 0, content[0:4])
	require.NoError(err)
	require.NoError(tor.Close())

	reopened, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)
	require.True(reopened.HasPiece(0))
	require.False(reopened.HasPiece(1))
}

func TestTorrentMissingPieces(t *testing.T) {
	require := require.New(t)

	m, content := MetadataFixture(20, 4)
	dir, err := os.MkdirTemp("", "diskstorage_test_")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, m, fileio.PolicySparse)
	require.NoError(err)

	require.Equal([]int{0, 1, 2, 3, 4}, tor.MissingPieces())

	_, err = tor.AcceptBlock(2, 0, content[8:12])
	require.NoError(err)
	require.Equal([]int{0, 1, 3, 4}, tor.MissingPieces())
	require.False(tor.Complete())
}
