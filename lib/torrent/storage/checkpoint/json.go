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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coredal/torrentd/core"
)

// jsonCheckpoint is the human-readable diagnostic/migration encoding of a
// Checkpoint (spec.md 4.H "JSON form ... for diagnostics and migration").
type jsonCheckpoint struct {
	FormatVersion int `json:"format_version"`

	InfoHashV1 string `json:"info_hash_v1,omitempty"`
	InfoHashV2 string `json:"info_hash_v2,omitempty"`
	Name       string `json:"name"`

	MagnetURI       string `json:"magnet_uri,omitempty"`
	TorrentFilePath string `json:"torrent_file_path,omitempty"`

	Trackers   []string `json:"trackers,omitempty"`
	DHTEnabled bool     `json:"dht_enabled"`
	Private    bool     `json:"private"`

	NumPieces      int    `json:"num_pieces"`
	BitfieldHex    string `json:"bitfield_hex"`
	FilePriorities []int  `json:"file_priorities,omitempty"`

	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	SavedAt         string `json:"saved_at"`
}

func encodeJSON(c *Checkpoint) ([]byte, error) {
	jc := jsonCheckpoint{
		FormatVersion:   c.FormatVersion,
		Name:            c.Name,
		MagnetURI:       c.MagnetURI,
		TorrentFilePath: c.TorrentFilePath,
		Trackers:        c.Trackers,
		DHTEnabled:      c.DHTEnabled,
		Private:         c.Private,
		BytesDownloaded: c.BytesDownloaded,
		BytesUploaded:   c.BytesUploaded,
		SavedAt:         c.SavedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.InfoHash.V1.Len() == 20 {
		jc.InfoHashV1 = c.InfoHash.V1.Hex()
	}
	if c.InfoHash.V2.Len() == 32 {
		jc.InfoHashV2 = c.InfoHash.V2.Hex()
	}
	if c.Bitfield != nil {
		jc.NumPieces = c.Bitfield.Len()
		jc.BitfieldHex = fmt.Sprintf("%x", c.Bitfield.Bytes())
	}
	for _, p := range c.FilePriorities {
		jc.FilePriorities = append(jc.FilePriorities, int(p))
	}
	return json.MarshalIndent(jc, "", "  ")
}

func decodeJSON(raw []byte) (*Checkpoint, error) {
	var jc jsonCheckpoint
	if err := json.Unmarshal(raw, &jc); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal json: %s", err)
	}
	if jc.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("checkpoint: format version %d newer than supported version %d",
			jc.FormatVersion, FormatVersion)
	}

	savedAt, err := time.Parse(time.RFC3339Nano, jc.SavedAt)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse saved_at: %s", err)
	}

	c := &Checkpoint{
		FormatVersion:   jc.FormatVersion,
		Name:            jc.Name,
		MagnetURI:       jc.MagnetURI,
		TorrentFilePath: jc.TorrentFilePath,
		Trackers:        jc.Trackers,
		DHTEnabled:      jc.DHTEnabled,
		Private:         jc.Private,
		BytesDownloaded: jc.BytesDownloaded,
		BytesUploaded:   jc.BytesUploaded,
		SavedAt:         savedAt,
	}
	if jc.InfoHashV1 != "" {
		h, err := core.NewInfoHashV1FromHex(jc.InfoHashV1)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: info_hash_v1: %s", err)
		}
		c.InfoHash.V1 = h
	}
	if jc.InfoHashV2 != "" {
		h, err := core.NewInfoHashV2FromHex(jc.InfoHashV2)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: info_hash_v2: %s", err)
		}
		c.InfoHash.V2 = h
	}
	if jc.NumPieces > 0 {
		raw, err := hex.DecodeString(jc.BitfieldHex)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: bitfield_hex: %s", err)
		}
		c.Bitfield = core.NewBitfieldFromBytes(raw, jc.NumPieces)
	}
	for _, p := range jc.FilePriorities {
		c.FilePriorities = append(c.FilePriorities, core.FilePriority(p))
	}
	return c, nil
}
