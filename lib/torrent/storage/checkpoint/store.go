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
	"fmt"
	"os"
	"path/filepath"

	"github.com/coredal/torrentd/core"
)

const (
	binaryExt = ".checkpoint"
	jsonExt   = ".checkpoint.json"
)

// Store persists checkpoints to a directory, one pair of files per torrent,
// named by the torrent's primary info hash (spec.md 4.H). It writes the
// compact binary form by default and can additionally emit the JSON form on
// demand for diagnostics or migration.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %q: %s", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) binaryPath(h core.InfoHash) string {
	return filepath.Join(s.dir, h.Hex()+binaryExt)
}

func (s *Store) jsonPath(h core.InfoHash) string {
	return filepath.Join(s.dir, h.Hex()+jsonExt)
}

// Save atomically writes c in its compact binary encoding.
func (s *Store) Save(c *Checkpoint) error {
	if c.FormatVersion == 0 {
		c.FormatVersion = FormatVersion
	}
	raw, err := encodeBinary(c)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %s", err)
	}
	return writeFileAtomic(s.binaryPath(c.InfoHashPrimary()), raw)
}

// SaveJSON additionally writes c in the human-readable JSON encoding, for
// diagnostics or migration (spec.md 4.H). It does not replace the binary
// form Load prefers.
func (s *Store) SaveJSON(c *Checkpoint) error {
	if c.FormatVersion == 0 {
		c.FormatVersion = FormatVersion
	}
	raw, err := encodeJSON(c)
	if err != nil {
		return fmt.Errorf("checkpoint: encode json: %s", err)
	}
	return writeFileAtomic(s.jsonPath(c.InfoHashPrimary()), raw)
}

// Load reads back the checkpoint for h, preferring the binary form and
// falling back to JSON if only that is present. It refuses a checkpoint
// whose CRC fails or whose format version is newer than FormatVersion.
func (s *Store) Load(h core.InfoHash) (*Checkpoint, error) {
	if raw, err := os.ReadFile(s.binaryPath(h)); err == nil {
		return decodeBinary(raw)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checkpoint: read %q: %s", s.binaryPath(h), err)
	}

	raw, err := os.ReadFile(s.jsonPath(h))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: no checkpoint for %s: %s", h, err)
	}
	return decodeJSON(raw)
}

// Delete removes any checkpoint (binary and/or JSON) stored for h. It is not
// an error for neither to exist.
func (s *Store) Delete(h core.InfoHash) error {
	for _, p := range []string{s.binaryPath(h), s.jsonPath(h)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: remove %q: %s", p, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
