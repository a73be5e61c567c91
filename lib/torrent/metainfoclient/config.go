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
package metainfoclient

import "time"

// Config defines the configuration for the BEP 9/10 metadata exchange client
// used to bootstrap a magnet torrent (spec.md 4.E).
type Config struct {

	// HandshakeTimeout bounds the BEP 3 + BEP 10 handshake against a single
	// peer.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// RequestTimeout bounds a single outstanding ut_metadata piece request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxOutstandingPerPiece is defaulted but not read by Client.Fetch, which
	// hands each metadata piece index to one peer at a time, so a piece never
	// has more than one in-flight request.
	MaxOutstandingPerPiece int `yaml:"max_outstanding_per_piece"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxOutstandingPerPiece == 0 {
		c.MaxOutstandingPerPiece = 2
	}
	return c
}
