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
package core

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// FilePriority controls whether and how eagerly a file's pieces are
// downloaded (spec.md ??3 "File selection state").
type FilePriority int

// Priority levels, ascending. DoNotDownload excludes a file's exclusive
// pieces from "wanted" entirely.
const (
	DoNotDownload FilePriority = iota
	Low
	Normal
	High
	Maximum
)

// FileEntry is one file within a (possibly multi-file) torrent, laid out
// end-to-end with its siblings in declaration order.
type FileEntry struct {
	// Path is a relative path, split into components. ParseInfoDictionary
	// copies it from the info dictionary as-is; it does not check it for
	// traversal components.
	Path []string
	// Length is the file's length in bytes.
	Length int64
	// Executable mirears the BEP-undocumented but widely supported
	// "attr" == "x" flag some clients set on the file dictionary.
	Executable bool
	// PiecesRoot is the BEP 52 v2 per-file Merkle root; zero-value for a
	// torrent with no v2 metadata.
	PiecesRoot [32]byte
}

// TorrentMetadata is the parsed, validated form of a torrent's info
// dictionary (spec.md ??3). It is produced either by parsing a .torrent file
// or by assembling and verifying a magnet metadata exchange (??4.E).
type TorrentMetadata struct {
	InfoHash HybridInfoHash

	Name string

	// PieceLength is a power of two, typically 16KiB-16MiB.
	PieceLength int64

	// NumPieces is the number of pieces; the last may be shorter.
	NumPieces int

	// PieceHashesV1 holds one 20-byte SHA-1 per piece. Populated whenever a
	// v1 (or hybrid) identity is available.
	PieceHashesV1 [][20]byte

	// PieceLayers holds, for v2/hybrid torrents, the per-piece-length layer
	// hash within each file, indexed the same as Files. Empty for pure v1
	// torrents.
	PieceLayers [][][32]byte

	Files []FileEntry

	TotalLength int64

	// Private disables DHT/PEX discovery (BEP 27).
	Private bool
}

// IsV2 reports whether v2 (BEP 52) verification data is present.
func (m *TorrentMetadata) IsV2() bool {
	return m.InfoHash.V2.Len() == 32
}

// GetPieceLength returns the length of piece i, accounting for a short final
// piece.
func (m *TorrentMetadata) GetPieceLength(i int) int64 {
	if i < 0 || i >= m.NumPieces {
		return 0
	}
	if i == m.NumPieces-1 {
		return m.TotalLength - m.PieceLength*int64(i)
	}
	return m.PieceLength
}

// bencodeFileEntry is the bencode wire shape of one entry in a multi-file
// info dictionary's "files" list.
type bencodeFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// bencodeInfo is the bencode wire shape of a v1 info dictionary. Field order
// matches bencode's canonical key ordering requirement (lexicographic),
// which jackpal/bencode-go does not enforce automatically for maps but does
// preserve for structs in declared-field order -- so fields here are kept in
// lexicographic key order deliberately.
type bencodeInfo struct {
	Files       []bencodeFileEntry `bencode:"files,omitempty"`
	Length      int64              `bencode:"length,omitempty"`
	Name        string             `bencode:"name"`
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Private     int64              `bencode:"private,omitempty"`
}

func (m *TorrentMetadata) toBencode() bencodeInfo {
	var pieces bytes.Buffer
	for _, h := range m.PieceHashesV1 {
		pieces.Write(h[:])
	}
	bi := bencodeInfo{
		Name:        m.Name,
		PieceLength: m.PieceLength,
		Pieces:      pieces.String(),
	}
	if m.Private {
		bi.Private = 1
	}
	if len(m.Files) == 1 && len(m.Files[0].Path) == 1 && m.Files[0].Path[0] == m.Name {
		bi.Length = m.Files[0].Length
	} else {
		for _, f := range m.Files {
			bi.Files = append(bi.Files, bencodeFileEntry{Length: f.Length, Path: f.Path})
		}
	}
	return bi
}

// EncodeInfoDictionary bencodes m's info dictionary exactly as it would
// appear on the wire, suitable for hashing (spec.md ??6.3) or for serving
// ut_metadata data pieces (??4.E).
func EncodeInfoDictionary(m *TorrentMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m.toBencode()); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return buf.Bytes(), nil
}

// ParseInfoDictionary parses raw bencoded info-dictionary bytes (as fetched
// from a .torrent file or assembled via metadata exchange) into a
// TorrentMetadata, computing its v1 info hash. It reads only v1 fields;
// PieceLayers, PiecesRoot and the v2 info hash are left unset.
func ParseInfoDictionary(raw []byte) (*TorrentMetadata, error) {
	var bi bencodeInfo
	if err := bencode.Unmarshal(bytes.NewReader(raw), &bi); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	if bi.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length: %d", bi.PieceLength)
	}
	if len(bi.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("invalid pieces field: length %d not a multiple of %d", len(bi.Pieces), sha1.Size)
	}
	numPieces := len(bi.Pieces) / sha1.Size
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], bi.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	}

	m := &TorrentMetadata{
		Name:          bi.Name,
		PieceLength:   bi.PieceLength,
		NumPieces:     numPieces,
		PieceHashesV1: hashes,
		Private:       bi.Private != 0,
	}
	if len(bi.Files) > 0 {
		for _, f := range bi.Files {
			m.Files = append(m.Files, FileEntry{Path: f.Path, Length: f.Length})
			m.TotalLength += f.Length
		}
	} else {
		m.Files = []FileEntry{{Path: []string{bi.Name}, Length: bi.Length}}
		m.TotalLength = bi.Length
	}
	m.InfoHash.V1 = NewInfoHashV1FromBencoded(raw)
	return m, nil
}
