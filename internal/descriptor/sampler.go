// SPDX-License-Identifier: MIT

package descriptor

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Sampler draws a poll's option set. With a fixed option list configured it
// always returns that list; otherwise it samples perPoll distinct entries
// uniformly from the catalog.
type Sampler struct {
	mu      sync.RWMutex
	fixed   []string
	keys    []string
	perPoll int
}

// NewSampler builds a sampler drawing perPoll options. A non-empty fixed
// list overrides catalog sampling entirely. Both inputs are normalized.
func NewSampler(perPoll int, fixed []string) *Sampler {
	return &Sampler{
		fixed:   Normalize(fixed),
		keys:    Normalize(CatalogKeys()),
		perPoll: perPoll,
	}
}

// Sample returns the options for a new poll.
func (s *Sampler) Sample() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.fixed) > 0 {
		out := make([]string, len(s.fixed))
		copy(out, s.fixed)
		return out, nil
	}
	if len(s.keys) < s.perPoll {
		return nil, fmt.Errorf("catalog has %d descriptors, need %d", len(s.keys), s.perPoll)
	}
	out := make([]string, 0, s.perPoll)
	for _, i := range rand.Perm(len(s.keys))[:s.perPoll] {
		out = append(out, s.keys[i])
	}
	return out, nil
}

// SetCatalog replaces the sampling catalog, normalizing the entries. Empty
// input restores the built-in catalog. It does not touch a fixed list.
func (s *Sampler) SetCatalog(keys []string) {
	normalized := Normalize(keys)
	if len(normalized) == 0 {
		normalized = Normalize(CatalogKeys())
	}
	s.mu.Lock()
	s.keys = normalized
	s.mu.Unlock()
}

// CatalogSize reports the number of sampleable descriptors.
func (s *Sampler) CatalogSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

var folder = cases.Fold()

// Normalize trims, NFC-normalizes, and case-fold-dedupes descriptor labels,
// preserving first-seen order. Empty entries are dropped.
func Normalize(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		label = norm.NFC.String(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		folded := folder.String(label)
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, label)
	}
	return out
}
