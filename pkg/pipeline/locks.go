// Copyright 2025 The Guidepost Authors
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

package pipeline

import (
	"hash/fnv"
	"sync"
)

// lockTable serializes turns per session with a fixed stripe count, so
// concurrent messages on the same session never interleave their writes
// while unrelated sessions stay parallel.
type lockTable struct {
	stripes []sync.Mutex
}

func newLockTable(n int) *lockTable {
	if n < 1 {
		n = 1
	}
	return &lockTable{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for key and returns its release func.
func (t *lockTable) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &t.stripes[int(h.Sum32())%len(t.stripes)]
	m.Lock()
	return m.Unlock
}
