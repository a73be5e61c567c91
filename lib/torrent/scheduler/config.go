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
package scheduler

import (
	"time"

	"github.com/coredal/torrentd/lib/torrent/metainfoclient"
	"github.com/coredal/torrentd/lib/torrent/networkevent"
	"github.com/coredal/torrentd/lib/torrent/scheduler/conn"
	"github.com/coredal/torrentd/lib/torrent/scheduler/connstate"
	"github.com/coredal/torrentd/lib/torrent/scheduler/dispatch"
	"github.com/coredal/torrentd/utils/log"
)

// Config is the Manager configuration (spec.md 4.F).
type Config struct {

	// SeederTTI is defaulted but read by nothing: a seeding torrent is never
	// cancelled or removed for going unread.
	SeederTTI time.Duration `yaml:"seeder_tti"`

	// LeecherTTI is defaulted but read by nothing: a leeching torrent is never
	// cancelled or removed for going unwritten.
	LeecherTTI time.Duration `yaml:"leecher_tti"`

	// ConnTTI is the duration a connection will exist without transmitting any
	// needed pieces or requesting any pieces.
	ConnTTI time.Duration `yaml:"conn_tti"`

	// ConnTTL is the max duration a connection may exist regardless of liveness.
	ConnTTL time.Duration `yaml:"conn_ttl"`

	// PreemptionInterval is the interval in which the Manager analyzes the
	// status of existing conns and determines whether to preempt them.
	PreemptionInterval time.Duration `yaml:"preemption_interval"`

	// EmitStatsInterval is the interval introspective stats are emitted from
	// the Manager.
	EmitStatsInterval time.Duration `yaml:"emit_stats_interval"`

	// DisablePreemption disables resource preemption. Should only be used for
	// testing purposes.
	DisablePreemption bool `yaml:"disable_preemption"`

	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// MaxPeersPerTorrent bounds add_peers dialing (spec.md 4.F).
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`

	// DialCooldown is how long add_peers remembers an endpoint it has handed
	// out for dialing and skips it when offered again (spec.md 4.F). Every
	// attempt is remembered, whether the dial succeeded or failed.
	DialCooldown time.Duration `yaml:"dial_cooldown"`

	// CheckpointInterval is how often the checkpoint ticker writes a new
	// checkpoint for each torrent whose last one is at least this old,
	// whether or not it has made progress since (spec.md 4.F "checkpoint
	// ticker").
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// CheckpointDir is the directory the checkpoint.Store persists into.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// DisableCheckpointing turns off the periodic checkpoint ticker
	// entirely (spec.md 6.1 "checkpoint_enabled"). Checkpoints triggered
	// explicitly via Scheduler.Checkpoint still run.
	DisableCheckpointing bool `yaml:"disable_checkpointing"`

	ConnState connstate.Config `yaml:"connstate"`

	Conn conn.Config `yaml:"conn"`

	Dispatch dispatch.Config `yaml:"dispatch"`

	MetaInfoClient metainfoclient.Config `yaml:"metainfoclient"`

	NetworkEvent networkevent.Config `yaml:"networkevent"`

	TorrentLog log.Config `yaml:"torrentlog"`
	Log        log.Config `yaml:"log"`
}

func (c Config) applyDefaults() Config {
	if c.SeederTTI == 0 {
		c.SeederTTI = 5 * time.Minute
	}
	if c.LeecherTTI == 0 {
		c.LeecherTTI = 5 * time.Minute
	}
	if c.ConnTTI == 0 {
		c.ConnTTI = 30 * time.Second
	}
	if c.ConnTTL == 0 {
		c.ConnTTL = time.Hour
	}
	if c.PreemptionInterval == 0 {
		c.PreemptionInterval = 30 * time.Second
	}
	if c.EmitStatsInterval == 0 {
		c.EmitStatsInterval = 1 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = 50
	}
	if c.DialCooldown == 0 {
		c.DialCooldown = 30 * time.Second
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "./checkpoints"
	}
	return c
}
