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
package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
disk:
  storage:
    dir: /var/tmp/torrentd
`)

	c, err := Load(path)
	require.NoError(err)
	require.Equal(16000, c.Network.ListenPort)
	require.Equal(500, c.Network.MaxGlobalPeers)
	require.Equal("/var/tmp/torrentd", c.Disk.Storage.Dir)
	require.Equal(c.Disk.Storage.Dir, c.Scheduler.CheckpointDir)
	require.False(c.Scheduler.DisableCheckpointing)
}

func TestLoadPropagatesStrategyAndResume(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
disk:
  storage:
    dir: /var/tmp/torrentd
strategy:
  piece_selection: sequential
resume:
  disable_checkpointing: true
`)

	c, err := Load(path)
	require.NoError(err)
	require.Equal("sequential", c.Scheduler.Dispatch.PieceRequestPolicy)
	require.True(c.Scheduler.DisableCheckpointing)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
disk:
  storage:
    dir: ""
`)
	_, err := Load(path)
	require.Error(t, err)
}
