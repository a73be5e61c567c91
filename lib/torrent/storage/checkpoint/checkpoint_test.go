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
package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredal/torrentd/core"
)

func checkpointFixture() *Checkpoint {
	bf := core.NewBitfield(8)
	bf.Set(0, true)
	bf.Set(3, true)

	h, err := core.NewInfoHashV1FromHex("0123456789abcdef0123456789abcdef01234567")
	if err != nil {
		panic(err)
	}

	return &Checkpoint{
		FormatVersion:   FormatVersion,
		InfoHash:        core.HybridInfoHash{V1: h},
		Name:            "fixture-torrent",
		MagnetURI:       "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		Trackers:        []string{"udp://tracker.example:80"},
		DHTEnabled:      true,
		Private:         false,
		Bitfield:        bf,
		FilePriorities:  []core.FilePriority{core.Normal, core.High, core.DoNotDownload},
		BytesDownloaded: 1 << 20,
		BytesUploaded:   1 << 10,
		SavedAt:         time.Unix(1700000000, 0).UTC(),
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	c := checkpointFixture()

	raw, err := encodeBinary(c)
	require.NoError(t, err)

	got, err := decodeBinary(raw)
	require.NoError(t, err)

	require.Equal(t, c.Name, got.Name)
	require.Equal(t, c.MagnetURI, got.MagnetURI)
	require.Equal(t, c.Trackers, got.Trackers)
	require.Equal(t, c.DHTEnabled, got.DHTEnabled)
	require.Equal(t, c.Private, got.Private)
	require.Equal(t, c.FilePriorities, got.FilePriorities)
	require.Equal(t, c.BytesDownloaded, got.BytesDownloaded)
	require.Equal(t, c.BytesUploaded, got.BytesUploaded)
	require.Equal(t, c.SavedAt, got.SavedAt)
	require.True(t, c.InfoHash.V1.Equal(got.InfoHash.V1))
	require.Equal(t, c.Bitfield.Bytes(), got.Bitfield.Bytes())
}

func TestBinaryRejectsCorruption(t *testing.T) {
	c := checkpointFixture()
	raw, err := encodeBinary(c)
	require.NoError(t, err)

	raw[len(raw)/2] ^= 0xFF

	_, err = decodeBinary(raw)
	require.Error(t, err)
}

func TestBinaryRejectsNewerFormatVersion(t *testing.T) {
	c := checkpointFixture()
	c.FormatVersion = FormatVersion + 1
	raw, err := encodeBinary(c)
	require.NoError(t, err)

	_, err = decodeBinary(raw)
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	c := checkpointFixture()

	raw, err := encodeJSON(c)
	require.NoError(t, err)

	got, err := decodeJSON(raw)
	require.NoError(t, err)

	require.Equal(t, c.Name, got.Name)
	require.True(t, c.InfoHash.V1.Equal(got.InfoHash.V1))
	require.Equal(t, c.Bitfield.Bytes(), got.Bitfield.Bytes())
	require.Equal(t, c.FilePriorities, got.FilePriorities)
	require.Equal(t, c.SavedAt, got.SavedAt)
}

func TestStoreSaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	c := checkpointFixture()
	require.NoError(t, s.Save(c))

	got, err := s.Load(c.InfoHashPrimary())
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
	require.Equal(t, c.Bitfield.Bytes(), got.Bitfield.Bytes())

	// The atomic write leaves no temp file behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, filepath.Ext(e.Name()) == ".tmp", "leftover temp file %s", e.Name())
	}

	require.NoError(t, s.Delete(c.InfoHashPrimary()))
	_, err = s.Load(c.InfoHashPrimary())
	require.Error(t, err)
}

func TestStoreSaveJSONAlongsideBinary(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	c := checkpointFixture()
	require.NoError(t, s.Save(c))
	require.NoError(t, s.SaveJSON(c))

	require.FileExists(t, s.binaryPath(c.InfoHashPrimary()))
	require.FileExists(t, s.jsonPath(c.InfoHashPrimary()))

	// Load still prefers the binary form.
	got, err := s.Load(c.InfoHashPrimary())
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
}

func TestStoreLoadFallsBackToJSON(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	c := checkpointFixture()
	require.NoError(t, s.SaveJSON(c))

	got, err := s.Load(c.InfoHashPrimary())
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
}
