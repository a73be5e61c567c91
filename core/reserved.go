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
package core

// ReservedFlags is the 8-byte reserved field of the BEP 3 handshake,
// encoding which extension BEPs a peer supports (spec.md ??3, ??4.D).
type ReservedFlags [8]byte

// Conventional bit positions, matching the de facto cross-client convention
// (libtorrent/uTorrent) referenced by the extension BEPs.
const (
	flagDHT              = 0x01 // byte 7, bit 0: BEP 5 DHT
	flagFastExtension    = 0x04 // byte 7, bit 2: BEP 6 Fast Extension
	flagExtensionProto   = 0x10 // byte 5, bit 4: BEP 10 extension protocol
	flagV2               = 0x10 // byte 7, bit 4: BEP 52 v2 support
)

// NewReservedFlags builds a reserved field for the local client's supported
// extensions.
func NewReservedFlags(dht, fastExtension, extensionProtocol, v2 bool) ReservedFlags {
	var r ReservedFlags
	if dht {
		r[7] |= flagDHT
	}
	if fastExtension {
		r[7] |= flagFastExtension
	}
	if extensionProtocol {
		r[5] |= flagExtensionProto
	}
	if v2 {
		r[7] |= flagV2
	}
	return r
}

// SupportsDHT reports the BEP 5 DHT bit.
func (r ReservedFlags) SupportsDHT() bool { return r[7]&flagDHT != 0 }

// SupportsFastExtension reports the BEP 6 fast-extension bit.
func (r ReservedFlags) SupportsFastExtension() bool { return r[7]&flagFastExtension != 0 }

// SupportsExtensionProtocol reports the BEP 10 extension-protocol bit.
func (r ReservedFlags) SupportsExtensionProtocol() bool { return r[5]&flagExtensionProto != 0 }

// SupportsV2 reports the BEP 52 v2 bit.
func (r ReservedFlags) SupportsV2() bool { return r[7]&flagV2 != 0 }
