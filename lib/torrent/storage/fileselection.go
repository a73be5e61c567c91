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
package storage

import (
	"fmt"
	"sync"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/lib/torrent/storage/fileio"
)

// FileSelection tracks per-file download priority (spec.md 4.F
// set_file_priorities) and answers the piece picker's per-piece eligibility
// and priority-ranking questions (spec.md 4.C). A piece is eligible for
// download as soon as any file it overlaps has a priority above
// DoNotDownload; its rank is the highest priority among those files.
type FileSelection struct {
	mu         sync.RWMutex
	layout     *fileio.Layout
	priorities []core.FilePriority
}

// NewFileSelection creates a FileSelection for m with every file defaulting
// to core.Normal.
func NewFileSelection(m *core.TorrentMetadata) *FileSelection {
	priorities := make([]core.FilePriority, len(m.Files))
	for i := range priorities {
		priorities[i] = core.Normal
	}
	return &FileSelection{
		layout:     fileio.NewLayout(m),
		priorities: priorities,
	}
}

// SetPriorities applies priority overrides keyed by file index. Unset files
// keep their current priority.
func (s *FileSelection) SetPriorities(overrides map[int]core.FilePriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range overrides {
		if i < 0 || i >= len(s.priorities) {
			return fmt.Errorf("file index %d out of range [0, %d)", i, len(s.priorities))
		}
		s.priorities[i] = p
	}
	return nil
}

// Priority returns the current priority of file i.
func (s *FileSelection) Priority(i int) core.FilePriority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priorities[i]
}

// AllPriorities returns a copy of every file's current priority, indexed the
// same as the torrent's file list, for persisting into a checkpoint
// (spec.md 4.H "file-selection state and priorities").
func (s *FileSelection) AllPriorities() []core.FilePriority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.FilePriority, len(s.priorities))
	copy(out, s.priorities)
	return out
}

// RestorePriorities overwrites every file's priority from a previously saved
// checkpoint. len(priorities) must equal the number of files; a mismatch
// (e.g. a stale checkpoint for a differently shaped torrent) is a no-op.
func (s *FileSelection) RestorePriorities(priorities []core.FilePriority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(priorities) != len(s.priorities) {
		return
	}
	copy(s.priorities, priorities)
}

// PieceEligible reports whether piece pi overlaps at least one file whose
// priority is above DoNotDownload. A piece with no files set eligible
// (e.g. after a set_file_priorities that deselects everything overlapping
// it) should not be requested by the picker.
func (s *FileSelection) PieceEligible(pi int) bool {
	return s.PieceMaxPriority(pi) > core.DoNotDownload
}

// PieceMaxPriority returns the highest priority among the files piece pi
// overlaps, used by the picker to rank eligible pieces (spec.md 4.C: pieces
// backing a High/Maximum priority file are preferred over Normal ones at
// equal rarity).
func (s *FileSelection) PieceMaxPriority(pi int) core.FilePriority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := core.DoNotDownload
	for _, fi := range s.layout.OverlappingFiles(pi) {
		if s.priorities[fi] > max {
			max = s.priorities[fi]
		}
	}
	return max
}
