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

// Package configuration defines the top-level config object the core reads
// at startup (spec.md 6.1): the Network/Strategy/Disk/Resume knobs, each
// delegated to the subpackage that actually consumes it.
package configuration

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/coredal/torrentd/lib/torrent/scheduler"
	"github.com/coredal/torrentd/lib/torrent/storage/diskstorage"
)

// Network groups the listen/peer/rate knobs spec.md 6.1 calls "Network".
// pipeline_depth, block_size, connection_timeout, peer_timeout, and the
// unchoke intervals live on scheduler.Config's own subconfigs (conn.Config,
// dispatch.Config) since they're consumed at that layer; Network only
// carries the knobs with no existing home (ListenPort, MaxGlobalPeers).
type Network struct {
	// ListenPort is the TCP port the Scheduler accepts incoming peer
	// connections on.
	ListenPort int `yaml:"listen_port"`

	// MaxGlobalPeers is the total number of live peer connections across all
	// torrents. It is defaulted and validated here only; the scheduler does
	// not read it, and dialing is bounded solely by
	// scheduler.Config.MaxPeersPerTorrent.
	MaxGlobalPeers int `yaml:"max_global_peers" validate:"min=0"`
}

func (c Network) applyDefaults() Network {
	if c.ListenPort == 0 {
		c.ListenPort = 16000
	}
	if c.MaxGlobalPeers == 0 {
		c.MaxGlobalPeers = 500
	}
	return c
}

// Strategy groups the piece-selection and endgame knobs spec.md 6.1 calls
// "Strategy". Represented directly as dispatch.Config fields
// (PieceRequestPolicy, EndgameThreshold) rather than duplicated here, since
// Scheduler.Dispatch already owns them; Strategy is kept as a thin view for
// yaml authors who think in spec.md's vocabulary.
type Strategy struct {
	// PieceSelection is one of "rarest_first", "sequential", "round_robin"
	// (spec.md 4.C), mirrored onto dispatch.Config.PieceRequestPolicy.
	PieceSelection string `yaml:"piece_selection"`
}

// Disk groups the on-disk layout and write-path knobs spec.md 6.1 calls
// "Disk". Dir and Preallocation map directly onto diskstorage.Config;
// HashWorkers, DiskWorkers, WriteBatchBytes, and FsyncOnBatch are accepted
// for forward compatibility but not yet enforced -- diskstorage currently
// verifies pieces against a fixed-size semaphore (4 concurrent hashes) and
// writes each verified piece without batching, fsyncing file data only when
// Flush is called, per
// lib/torrent/storage/diskstorage/torrent.go's hashSem and
// lib/torrent/storage/fileio/manager.go's Flush. A future pass that makes
// those configurable should read these fields instead of the constants.
type Disk struct {
	Storage diskstorage.Config `yaml:"storage"`

	HashWorkers int `yaml:"hash_workers" validate:"min=0"`
	DiskWorkers int `yaml:"disk_workers" validate:"min=0"`

	// WriteBatchBytes is a human-readable size knob (e.g. "1MB"), matching
	// how kraken's backend configs (lib/backend/s3backend, gcsbackend,
	// hdfsbackend/webhdfs) all express buffer sizes as datasize.ByteSize
	// rather than a raw int.
	WriteBatchBytes datasize.ByteSize `yaml:"write_batch_bytes"`
	FsyncOnBatch    bool              `yaml:"fsync_on_batch"`
}

func (c Disk) applyDefaults() Disk {
	if c.HashWorkers == 0 {
		c.HashWorkers = 4
	}
	if c.DiskWorkers == 0 {
		c.DiskWorkers = 4
	}
	if c.WriteBatchBytes == 0 {
		c.WriteBatchBytes = 1 * datasize.MB
	}
	return c
}

// Resume groups the checkpoint knobs spec.md 6.1 calls "Resume".
// CheckpointInterval and CheckpointDir map onto scheduler.Config directly
// (the ticker and Store live there). DisableCheckpointing mirrors
// scheduler.Config's own field name rather than spec.md's affirmative
// "checkpoint_enabled", matching this tree's existing Disable*-bool
// convention (DisablePreemption, DisableEndgame) where the zero value is
// always the enabled, default-on behavior.
type Resume struct {
	DisableCheckpointing bool `yaml:"disable_checkpointing"`
}

// Config is the root configuration object the core reads at startup
// (spec.md 6.1).
type Config struct {
	Network  Network  `yaml:"network"`
	Strategy Strategy `yaml:"strategy"`
	Disk     Disk     `yaml:"disk"`
	Resume   Resume   `yaml:"resume"`

	Scheduler scheduler.Config `yaml:"scheduler"`
}

// applyDefaults fills in zero-valued fields and propagates the
// spec.md-vocabulary knobs (Strategy.PieceSelection, Disk.Storage,
// Resume.DisableCheckpointing) onto the subconfigs that actually consume
// them.
func (c Config) applyDefaults() Config {
	c.Network = c.Network.applyDefaults()
	c.Disk = c.Disk.applyDefaults()

	if c.Strategy.PieceSelection != "" {
		c.Scheduler.Dispatch.PieceRequestPolicy = c.Strategy.PieceSelection
	}
	if c.Scheduler.CheckpointDir == "" {
		c.Scheduler.CheckpointDir = c.Disk.Storage.Dir
	}
	if c.Scheduler.CheckpointDir == "" {
		c.Scheduler.CheckpointDir = "./checkpoints"
	}
	c.Scheduler.DisableCheckpointing = c.Resume.DisableCheckpointing

	return c
}

// Load reads and validates a Config from the YAML file at path.
func Load(path string) (Config, error) {
	var c Config

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %s", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %s", err)
	}

	c = c.applyDefaults()

	if err := validator.Validate(c); err != nil {
		return Config{}, fmt.Errorf("invalid config: %s", err)
	}

	return c, nil
}
