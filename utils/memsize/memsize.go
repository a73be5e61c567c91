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

// Package memsize provides byte/bit size constants and human-readable
// formatting, used for logging and config defaults around bandwidth and
// piece sizes.
package memsize

import "fmt"

// Byte size constants.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// Bit size constants.
const (
	bit  uint64 = 1
	Kbit        = 1024 * bit
	Mbit        = 1024 * Kbit
	Gbit        = 1024 * Mbit
	Tbit        = 1024 * Gbit
)

// Format renders a byte count as a human-readable string with a B/KB/MB/GB/TB unit.
func Format(bytes uint64) string {
	return format(bytes, B, KB, MB, GB, TB, "B", "KB", "MB", "GB", "TB")
}

// BitFormat renders a bit count as a human-readable string with a bit/Kbit/.../Tbit unit.
func BitFormat(bits uint64) string {
	return format(bits, bit, Kbit, Mbit, Gbit, Tbit, "bit", "Kbit", "Mbit", "Gbit", "Tbit")
}

func format(n, unit, kilo, mega, giga, tera uint64, uName, kName, mName, gName, tName string) string {
	switch {
	case n == 0:
		return fmt.Sprintf("0%s", uName)
	case n >= tera:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(tera), tName)
	case n >= giga:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(giga), gName)
	case n >= mega:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(mega), mName)
	case n >= kilo:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(kilo), kName)
	default:
		return fmt.Sprintf("%.2f%s", float64(n)/float64(unit), uName)
	}
}
