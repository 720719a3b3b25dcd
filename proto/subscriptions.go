package proto

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SubscriptionSet holds one connection's wildcard subscription patterns
// (spec.md §4.6). "*" matches everything; "prefix.*" matches everything
// under prefix; any other pattern matches itself exactly. Matching is
// case-sensitive; "." is literal, "*" is greedy (spec.md §9: "*-only
// unless a future version number advertises otherwise").
//
// Literal (non-wildcard) patterns are bucketed by a cespare/xxhash digest
// for O(1) exact-match lookup before falling back to a glob scan over the
// (typically much smaller) wildcard subset — grounded on
// rockstar-0000-aistore's pervasive use of a fast xxhash-keyed map for
// hot-path lookups (see SPEC_FULL.md DOMAIN STACK).
type SubscriptionSet struct {
	mu        sync.RWMutex
	literals  map[uint64][]string // hash -> patterns (collision-safe: stores the original strings too)
	wildcards []string            // patterns containing '*'
}

// NewSubscriptionSet returns an empty SubscriptionSet.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{literals: make(map[uint64][]string)}
}

// Add registers pattern. Re-adding an existing pattern is a no-op.
func (s *SubscriptionSet) Add(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(pattern, "*") {
		for _, p := range s.wildcards {
			if p == pattern {
				return
			}
		}
		s.wildcards = append(s.wildcards, pattern)
		return
	}
	h := xxhash.Sum64String(pattern)
	for _, p := range s.literals[h] {
		if p == pattern {
			return
		}
	}
	s.literals[h] = append(s.literals[h], pattern)
}

// Remove unregisters pattern.
func (s *SubscriptionSet) Remove(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(pattern, "*") {
		for i, p := range s.wildcards {
			if p == pattern {
				s.wildcards = append(s.wildcards[:i], s.wildcards[i+1:]...)
				return
			}
		}
		return
	}
	h := xxhash.Sum64String(pattern)
	bucket := s.literals[h]
	for i, p := range bucket {
		if p == pattern {
			s.literals[h] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Matches reports whether name matches any registered pattern, snapshotting
// the pattern list under the read lock (spec.md §5: "an event is delivered
// to a subscriber only if the subscription predicate was true at the
// moment broadcastEvent snapshotted the connection list").
func (s *SubscriptionSet) Matches(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := xxhash.Sum64String(name)
	for _, p := range s.literals[h] {
		if p == name {
			return true
		}
	}
	for _, p := range s.wildcards {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

// Len reports the number of registered patterns (literal + wildcard).
func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.wildcards)
	for _, bucket := range s.literals {
		n += len(bucket)
	}
	return n
}

// globMatch implements a fixed "*"-only glob: "*" alone matches
// everything; "prefix.*" matches every name sharing that literal prefix
// (the "." before "*" is itself literal, so "a.*" does not match "a" or
// "ab.c", only things genuinely under the "a." namespace); any other
// pattern containing "*" is treated as prefix-before-first-star / literal
// suffix-after-last-star, matching the single greedy wildcard semantics
// spec.md §9 pins down.
func globMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == name
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if len(name) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix)
}
