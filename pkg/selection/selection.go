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

// Package selection implements dynamic k-selection over ranked result
// lists. A strategy receives scores sorted descending and decides which
// items to keep; retrieval uses it to adapt result counts to the score
// shape instead of a hard top-k.
package selection

import (
	"fmt"
	"math"
)

// Strategy picks a subset of a descending-sorted score list.
type Strategy interface {
	Name() string

	// Select returns the indices to keep, ascending. Input scores are
	// sorted descending; implementations must preserve that order and
	// must not select an index twice.
	Select(scores []float64) []int
}

// Config selects and parameterizes a strategy. Unused fields are ignored by
// strategies that do not consume them.
type Config struct {
	Strategy string  `yaml:"strategy"` // fixed_k|elbow|adaptive_k|entropy|cluster
	MinScore float64 `yaml:"min_score"`
	MinK     int     `yaml:"min_k"`
	MaxK     int     `yaml:"max_k"`

	K int `yaml:"k"` // fixed_k

	DropThreshold float64 `yaml:"drop_threshold"` // elbow

	Alpha float64 `yaml:"alpha"` // adaptive_k

	LowK             int     `yaml:"low_k"`             // entropy
	HighK            int     `yaml:"high_k"`            // entropy
	EntropyThreshold float64 `yaml:"entropy_threshold"` // entropy

	Eps           float64 `yaml:"eps"`             // cluster
	MinSamples    int     `yaml:"min_samples"`     // cluster
	TopPerCluster int     `yaml:"top_per_cluster"` // cluster
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = "fixed_k"
	}
	if c.K == 0 {
		c.K = 5
	}
	if c.MaxK == 0 {
		c.MaxK = 20
	}
	if c.DropThreshold == 0 {
		c.DropThreshold = 0.25
	}
	if c.Alpha == 0 {
		c.Alpha = 0.05
	}
	if c.LowK == 0 {
		c.LowK = 3
	}
	if c.HighK == 0 {
		c.HighK = 10
	}
	if c.EntropyThreshold == 0 {
		c.EntropyThreshold = 0.8
	}
	if c.Eps == 0 {
		c.Eps = 0.05
	}
	if c.MinSamples == 0 {
		c.MinSamples = 1
	}
	if c.TopPerCluster == 0 {
		c.TopPerCluster = 2
	}
}

// New builds the configured strategy.
func New(cfg Config) (Strategy, error) {
	cfg.SetDefaults()
	switch cfg.Strategy {
	case "fixed_k":
		return &fixedK{cfg: cfg}, nil
	case "elbow":
		return &elbow{cfg: cfg}, nil
	case "adaptive_k":
		return &adaptiveK{cfg: cfg}, nil
	case "entropy":
		return &entropyK{cfg: cfg}, nil
	case "cluster":
		return &cluster{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", cfg.Strategy)
	}
}

// prefix turns a cut position into the final index list, honoring min
// score, the MinK floor and the MaxK cap.
func (c Config) prefix(scores []float64, cut int) []int {
	// score floor first
	n := 0
	for n < len(scores) && scores[n] >= c.MinScore {
		n++
	}
	if cut > n {
		cut = n
	}
	if c.MinK > 0 && cut < c.MinK {
		cut = c.MinK
		if cut > n {
			cut = n
		}
	}
	if c.MaxK > 0 && cut > c.MaxK {
		cut = c.MaxK
	}
	out := make([]int, cut)
	for i := range out {
		out[i] = i
	}
	return out
}

type fixedK struct{ cfg Config }

func (s *fixedK) Name() string { return "fixed_k" }

func (s *fixedK) Select(scores []float64) []int {
	return s.cfg.prefix(scores, s.cfg.K)
}

// elbow cuts where the relative drop between consecutive scores exceeds the
// threshold.
type elbow struct{ cfg Config }

func (s *elbow) Name() string { return "elbow" }

func (s *elbow) Select(scores []float64) []int {
	cut := len(scores)
	for i := 1; i < len(scores); i++ {
		prev := scores[i-1]
		if prev <= 0 {
			cut = i
			break
		}
		if (prev-scores[i])/prev > s.cfg.DropThreshold {
			cut = i
			break
		}
	}
	return s.cfg.prefix(scores, cut)
}

// adaptiveK cuts at the point of maximum discrete second-derivative
// curvature, provided the curvature exceeds alpha.
type adaptiveK struct{ cfg Config }

func (s *adaptiveK) Name() string { return "adaptive_k" }

func (s *adaptiveK) Select(scores []float64) []int {
	cut := len(scores)
	best := s.cfg.Alpha
	for i := 1; i < len(scores)-1; i++ {
		// curvature of the score curve at i
		c := scores[i+1] - 2*scores[i] + scores[i-1]
		if c > best {
			best = c
			cut = i + 1
		}
	}
	return s.cfg.prefix(scores, cut)
}

// entropyK switches between a tight and a loose k based on the normalized
// Shannon entropy of the top scores: low entropy means the mass is
// concentrated in a few results.
type entropyK struct{ cfg Config }

func (s *entropyK) Name() string { return "entropy" }

func (s *entropyK) Select(scores []float64) []int {
	h := normalizedEntropy(scores)
	k := s.cfg.HighK
	if h < s.cfg.EntropyThreshold {
		k = s.cfg.LowK
	}
	return s.cfg.prefix(scores, k)
}

func normalizedEntropy(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	var sum float64
	for _, v := range scores {
		if v > 0 {
			sum += v
		}
	}
	if sum == 0 {
		return 1
	}
	var h float64
	for _, v := range scores {
		if v <= 0 {
			continue
		}
		p := v / sum
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(scores)))
}

// cluster runs density-based clustering over the 1-D score axis and keeps
// the top items of each cluster. Unlike the prefix strategies, the result
// may skip indices but always preserves descending order.
type cluster struct{ cfg Config }

func (s *cluster) Name() string { return "cluster" }

func (s *cluster) Select(scores []float64) []int {
	// score floor
	n := 0
	for n < len(scores) && scores[n] >= s.cfg.MinScore {
		n++
	}
	if n == 0 {
		return nil
	}

	// Scores are sorted, so density clusters are contiguous runs where
	// consecutive gaps stay within eps.
	var out []int
	runStart := 0
	flush := func(start, end int) {
		if end-start < s.cfg.MinSamples {
			return
		}
		take := s.cfg.TopPerCluster
		if take > end-start {
			take = end - start
		}
		for i := start; i < start+take; i++ {
			out = append(out, i)
		}
	}
	for i := 1; i < n; i++ {
		if scores[i-1]-scores[i] > s.cfg.Eps {
			flush(runStart, i)
			runStart = i
		}
	}
	flush(runStart, n)

	if s.cfg.MaxK > 0 && len(out) > s.cfg.MaxK {
		out = out[:s.cfg.MaxK]
	}
	return out
}
