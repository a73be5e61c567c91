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

import (
	"fmt"

	"github.com/coredal/torrentd/core"
)

// ErrNoPeers is returned when Fetch is given an empty peer address list.
var ErrNoPeers = fmt.Errorf("metainfoclient: no peers to fetch metadata from")

// ErrNoUtMetadataSupport is returned when no peer completed a handshake
// advertising the ut_metadata key (spec.md 4.E), including when no peer
// could be dialed at all.
var ErrNoUtMetadataSupport = fmt.Errorf("metainfoclient: no peer advertised ut_metadata support")

// HashMismatchError occurs when the assembled info dictionary does not hash
// to the info hash the magnet link named (spec.md 4.E, 7 MetadataMismatch).
type HashMismatchError struct {
	Expected core.InfoHash
	Actual   core.InfoHash
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("metainfoclient: assembled metadata hash %s does not match expected %s",
		e.Actual.Hex(), e.Expected.Hex())
}

// IsHashMismatchError returns true if err is a HashMismatchError.
func IsHashMismatchError(err error) bool {
	_, ok := err.(HashMismatchError)
	return ok
}
