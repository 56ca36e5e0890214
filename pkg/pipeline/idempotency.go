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
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

type idemEntry struct {
	bodyHash string
	result   *Result
	expires  time.Time
}

// idemCache replays completed turn results by (tenant, idempotency key)
// within the TTL. Reusing a key with a different request body is a
// conflict, never a replay.
type idemCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idemEntry
}

func newIdemCache(ttl time.Duration) *idemCache {
	return &idemCache{ttl: ttl, entries: make(map[string]idemEntry)}
}

// get returns the cached result for the key, nil when absent or expired,
// or a CONFLICT error when the key was used with a different body.
func (c *idemCache) get(tenantID, key, bodyHash string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tenantID+"\x00"+key]
	if !ok || time.Now().After(e.expires) {
		return nil, nil
	}
	if e.bodyHash != bodyHash {
		return nil, model.NewError(model.ErrConflict,
			"idempotency key reused with a different request body")
	}
	return e.result, nil
}

func (c *idemCache) put(tenantID, key, bodyHash string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// opportunistic purge keeps the map from growing unboundedly
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[tenantID+"\x00"+key] = idemEntry{
		bodyHash: bodyHash,
		result:   result,
		expires:  now.Add(c.ttl),
	}
}

// bodyHash fingerprints the request fields that must match for a replay.
func bodyHash(req *Request) string {
	h := sha256.New()
	for _, s := range []string{req.TenantID, req.AgentID, req.SessionID, req.Channel, req.UserChannelID, req.Message} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
