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
package dispatch

import (
	"math"
	"time"

	"github.com/coredal/torrentd/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/coredal/torrentd/utils/memsize"
	"github.com/coredal/torrentd/utils/timeutil"
)

// Config defines the configuration for piece dispatch.
type Config struct {

	// PieceRequestMinTimeout is the minimum timeout for all piece requests, regardless of
	// size.
	PieceRequestMinTimeout time.Duration `yaml:"piece_request_min_timeout"`

	// PieceRequestTimeoutPerMb is the duration that will be added to piece request
	// timeouts based on the piece size (in megabytes).
	PieceRequestTimeoutPerMb time.Duration `yaml:"piece_request_timeout_per_mb"`

	// PieceRequestPolicy is the policy that is used to decide which pieces to request
	// from a peer.
	PieceRequestPolicy string `yaml:"piece_request_policy"`

	// PipelineLimit limits the total number of requests can be sent to a peer
	// at the same time.
	PipelineLimit int `yaml:"pipeline_limit"`

	// EndgameThreshold is the number of pieces remaining to complete the
	// torrent at or below which it enters "endgame", where block requests may be
	// duplicated across multiple peers to close out the last few pieces
	// quickly (spec.md 4.C).
	EndgameThreshold int `yaml:"endgame_threshold"`

	DisableEndgame bool `yaml:"disable_endgame"`

	// BlockSize bounds the length of each block-level piece request
	// (spec.md 4.C); pieces shorter than BlockSize are requested whole.
	BlockSize int64 `yaml:"block_size"`

	// UnchokeInterval is how often the upload choker recomputes the unchoke
	// set (spec.md 4.D).
	UnchokeInterval time.Duration `yaml:"unchoke_interval"`

	// OptimisticUnchokeInterval is how often the single optimistic-unchoke
	// slot rotates to a new, randomly selected peer (spec.md 4.D).
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// UnchokeSlots is the number of interested peers kept unchoked on a
	// tit-for-tat basis, not counting the optimistic-unchoke slot.
	UnchokeSlots int `yaml:"unchoke_slots"`
}

func (c Config) applyDefaults() Config {
	if c.PieceRequestPolicy == "" {
		c.PieceRequestPolicy = piecerequest.RarestFirstPolicy
	}
	if c.PieceRequestMinTimeout == 0 {
		c.PieceRequestMinTimeout = 4 * time.Second
	}
	if c.PieceRequestTimeoutPerMb == 0 {
		c.PieceRequestTimeoutPerMb = 4 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 3
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = c.PipelineLimit
	}
	if c.BlockSize == 0 {
		c.BlockSize = int64(16 * memsize.KB)
	}
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
	if c.UnchokeSlots == 0 {
		c.UnchokeSlots = 4
	}
	return c
}

func (c Config) calcPieceRequestTimeout(maxPieceLength int64) time.Duration {
	n := float64(c.PieceRequestTimeoutPerMb) * float64(maxPieceLength) / float64(memsize.MB)
	d := time.Duration(math.Ceil(n))
	return timeutil.MaxDuration(d, c.PieceRequestMinTimeout)
}
