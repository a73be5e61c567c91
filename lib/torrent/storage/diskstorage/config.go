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

import "github.com/coredal/torrentd/lib/torrent/storage/fileio"

// Config defines TorrentArchive configuration.
type Config struct {
	// Dir is the root directory under which each torrent gets its own
	// subdirectory, named by info hash hex.
	Dir string `yaml:"dir" validate:"nonzero"`

	// Preallocation selects the fileio.PreallocationPolicy by name: "none",
	// "sparse", or "full".
	Preallocation string `yaml:"preallocation"`
}

func (c Config) applyDefaults() Config {
	if c.Preallocation == "" {
		c.Preallocation = "sparse"
	}
	return c
}

func (c Config) preallocationPolicy() fileio.PreallocationPolicy {
	switch c.Preallocation {
	case "none":
		return fileio.PolicyNone
	case "full":
		return fileio.PolicyFull
	default:
		return fileio.PolicySparse
	}
}
