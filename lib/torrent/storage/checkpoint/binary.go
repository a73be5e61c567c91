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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/coredal/torrentd/core"
)

// binaryMagic tags the compact runtime encoding, distinguishing it from the
// '{' of the JSON form at byte 0.
const binaryMagic = 0xC7

func encodeBinary(c *Checkpoint) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(binaryMagic)
	writeUint32(&body, uint32(c.FormatVersion))

	writeBytes(&body, c.InfoHash.V1.Bytes())
	writeBytes(&body, c.InfoHash.V2.Bytes())
	writeString(&body, c.Name)
	writeString(&body, c.MagnetURI)
	writeString(&body, c.TorrentFilePath)

	writeUint32(&body, uint32(len(c.Trackers)))
	for _, tr := range c.Trackers {
		writeString(&body, tr)
	}

	var flags byte
	if c.DHTEnabled {
		flags |= 0x1
	}
	if c.Private {
		flags |= 0x2
	}
	body.WriteByte(flags)

	numPieces := 0
	var bfBytes []byte
	if c.Bitfield != nil {
		numPieces = c.Bitfield.Len()
		bfBytes = c.Bitfield.Bytes()
	}
	writeUint32(&body, uint32(numPieces))
	writeBytes(&body, bfBytes)

	writeUint32(&body, uint32(len(c.FilePriorities)))
	for _, p := range c.FilePriorities {
		body.WriteByte(byte(p))
	}

	writeInt64(&body, c.BytesDownloaded)
	writeInt64(&body, c.BytesUploaded)
	writeInt64(&body, c.SavedAt.UnixNano())

	sum := crc32.ChecksumIEEE(body.Bytes())
	var out bytes.Buffer
	out.Write(body.Bytes())
	writeUint32(&out, sum)
	return out.Bytes(), nil
}

func decodeBinary(raw []byte) (*Checkpoint, error) {
	if len(raw) < 1+4+4 {
		return nil, fmt.Errorf("checkpoint: truncated file")
	}
	if raw[0] != binaryMagic {
		return nil, fmt.Errorf("checkpoint: bad magic byte")
	}
	body, tail := raw[:len(raw)-4], raw[len(raw)-4:]
	wantSum := binary.BigEndian.Uint32(tail)
	if gotSum := crc32.ChecksumIEEE(body); gotSum != wantSum {
		return nil, fmt.Errorf("checkpoint: crc mismatch (corrupt file)")
	}

	r := bytes.NewReader(body[1:])

	version, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(version) > FormatVersion {
		return nil, fmt.Errorf("checkpoint: format version %d newer than supported version %d", version, FormatVersion)
	}

	v1, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	v2, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	magnetURI, err := readString(r)
	if err != nil {
		return nil, err
	}
	torrentFilePath, err := readString(r)
	if err != nil {
		return nil, err
	}

	numTrackers, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	trackers := make([]string, numTrackers)
	for i := range trackers {
		trackers[i], err = readString(r)
		if err != nil {
			return nil, err
		}
	}

	var flags [1]byte
	if _, err := r.Read(flags[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: read flags: %s", err)
	}

	numPieces, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	bfBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	numPriorities, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	priorities := make([]core.FilePriority, numPriorities)
	for i := range priorities {
		var b [1]byte
		if _, err := r.Read(b[:]); err != nil {
			return nil, fmt.Errorf("checkpoint: read priority: %s", err)
		}
		priorities[i] = core.FilePriority(b[0])
	}

	downloaded, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	uploaded, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	savedAtNano, err := readInt64(r)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{
		FormatVersion:   int(version),
		Name:            name,
		MagnetURI:       magnetURI,
		TorrentFilePath: torrentFilePath,
		Trackers:        trackers,
		DHTEnabled:      flags[0]&0x1 != 0,
		Private:         flags[0]&0x2 != 0,
		FilePriorities:  priorities,
		BytesDownloaded: downloaded,
		BytesUploaded:   uploaded,
		SavedAt:         time.Unix(0, savedAtNano).UTC(),
	}
	if len(v1) == 20 {
		h, err := core.NewInfoHashV1FromBytes(v1)
		if err != nil {
			return nil, err
		}
		c.InfoHash.V1 = h
	}
	if len(v2) == 32 {
		h, err := core.NewInfoHashV2FromBytes(v2)
		if err != nil {
			return nil, err
		}
		c.InfoHash.V2 = h
	}
	if numPieces > 0 {
		c.Bitfield = core.NewBitfieldFromBytes(bfBytes, int(numPieces))
	}
	return c, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("checkpoint: read uint32: %s", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("checkpoint: read int64: %s", err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("checkpoint: read bytes: %s", err)
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
