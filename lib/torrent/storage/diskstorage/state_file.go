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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coredal/torrentd/core"
)

const stateFileName = ".piece_status"

// stateFile persists the verified-piece bitfield next to a torrent's files,
// so a restart can trust previously-verified pieces without rehashing them
// (spec.md 4.H resume flow). It is a much smaller-scoped cousin of the full
// checkpoint store: it only ever needs the bitfield, not the rest of resume
// state, and is updated synchronously on every piece verification.
type stateFile struct {
	mu   sync.Mutex
	path string
	bf   *core.Bitfield
}

func openStateFile(dir string, numPieces int) (*stateFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %s", dir, err)
	}
	path := filepath.Join(dir, stateFileName)
	bf := core.NewBitfield(numPieces)
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == (numPieces+7)/8 {
		bf = core.NewBitfieldFromBytes(raw, numPieces)
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &stateFile{path: path, bf: bf}, nil
}

func (s *stateFile) markComplete(pi int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bf.Set(pi, true)
	return writeFileAtomic(s.path, s.bf.Bytes())
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
