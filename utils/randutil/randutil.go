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

// Package randutil provides random value generators used in test fixtures.
package randutil

import (
	"fmt"
	"math/rand"
	"net"
)

// IP returns a random, non-loopback IPv4 address string.
func IP() string {
	first := 1 + rand.Intn(222)
	if first >= 127 {
		first++
	}
	return net.IPv4(byte(first), byte(rand.Intn(256)), byte(rand.Intn(256)), byte(1+rand.Intn(254))).String()
}

// Port returns a random TCP port in the unprivileged range [1024, 65535].
func Port() int {
	return 1024 + rand.Intn(64512)
}

// Text returns a random alphanumeric string of length n.
func Text(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Uint64 returns a random uint64.
func Uint64() uint64 {
	return rand.Uint64()
}

// Label returns a short fixture label, e.g. "fixture-3f9a1c".
func Label(prefix string) string {
	return fmt.Sprintf("%s-%x", prefix, rand.Uint32())
}
