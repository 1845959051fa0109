package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// IndicatorKind is the type of an observable used for correlation and enrichment
type IndicatorKind string

const (
	IndicatorIP     IndicatorKind = "ip"
	IndicatorDomain IndicatorKind = "domain"
	IndicatorHash   IndicatorKind = "hash"
	IndicatorUser   IndicatorKind = "user"
	IndicatorHost   IndicatorKind = "host"
)

// IsValid reports whether k is a supported indicator kind
func (k IndicatorKind) IsValid() bool {
	switch k {
	case IndicatorIP, IndicatorDomain, IndicatorHash, IndicatorUser, IndicatorHost:
		return true
	}
	return false
}

// Indicator is a typed observable. Equality is structural on (Kind, Value).
type Indicator struct {
	Kind  IndicatorKind `json:"kind" msgpack:"kind"`
	Value string        `json:"value" msgpack:"value"`
}

// NewIndicator canonicalizes value for kind so that equal observables compare equal.
// IPs are parsed and re-rendered, domains and hashes lower-cased, users and hosts trimmed.
func NewIndicator(kind IndicatorKind, value string) (Indicator, error) {
	if !kind.IsValid() {
		return Indicator{}, fmt.Errorf("unknown indicator kind %q", kind)
	}
	v := strings.TrimSpace(value)
	if v == "" {
		return Indicator{}, fmt.Errorf("empty %s indicator", kind)
	}

	switch kind {
	case IndicatorIP:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return Indicator{}, fmt.Errorf("invalid ip indicator %q: %w", value, err)
		}
		v = addr.Unmap().String()
	case IndicatorDomain:
		v = strings.TrimSuffix(strings.ToLower(v), ".")
	case IndicatorHash:
		v = strings.ToLower(v)
		if _, err := hex.DecodeString(v); err != nil {
			return Indicator{}, fmt.Errorf("invalid hash indicator %q", value)
		}
	case IndicatorHost:
		v = strings.ToLower(v)
	}

	return Indicator{Kind: kind, Value: v}, nil
}

// Key is the canonical "kind:value" form used for locks and cache keys
func (i Indicator) Key() string {
	return string(i.Kind) + ":" + i.Value
}

func (i Indicator) String() string {
	return i.Key()
}

func lessIndicator(a, b Indicator) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Value < b.Value
}

// IndicatorSet is a sorted, duplicate-free list of indicators.
// Build one with NewIndicatorSet; the zero value is an empty set.
type IndicatorSet []Indicator

// NewIndicatorSet sorts and de-duplicates indicators
func NewIndicatorSet(indicators ...Indicator) IndicatorSet {
	if len(indicators) == 0 {
		return IndicatorSet{}
	}
	out := make(IndicatorSet, len(indicators))
	copy(out, indicators)
	sort.Slice(out, func(i, j int) bool { return lessIndicator(out[i], out[j]) })

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Contains reports whether ind is a member of s
func (s IndicatorSet) Contains(ind Indicator) bool {
	i := sort.Search(len(s), func(i int) bool { return !lessIndicator(s[i], ind) })
	return i < len(s) && s[i] == ind
}

// Union returns the set of indicators in s or other
func (s IndicatorSet) Union(other IndicatorSet) IndicatorSet {
	merged := make([]Indicator, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewIndicatorSet(merged...)
}

// Overlap counts the indicators present in both sets
func (s IndicatorSet) Overlap(other IndicatorSet) int {
	count := 0
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			count++
			i++
			j++
		case lessIndicator(s[i], other[j]):
			i++
		default:
			j++
		}
	}
	return count
}

// Filter keeps indicators whose kind is listed; an empty kinds list keeps everything
func (s IndicatorSet) Filter(kinds ...IndicatorKind) IndicatorSet {
	if len(kinds) == 0 {
		return s.Clone()
	}
	out := IndicatorSet{}
	for _, ind := range s {
		for _, k := range kinds {
			if ind.Kind == k {
				out = append(out, ind)
				break
			}
		}
	}
	return out
}

// Keys returns the sorted canonical keys of the set
func (s IndicatorSet) Keys() []string {
	keys := make([]string, len(s))
	for i, ind := range s {
		keys[i] = ind.Key()
	}
	return keys
}

// Fingerprint is a stable SHA-256 over the sorted keys.
// Two sets with the same members have the same fingerprint.
func (s IndicatorSet) Fingerprint() string {
	h := sha256.New()
	for _, ind := range s {
		h.Write([]byte(ind.Key()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns an independent copy of s
func (s IndicatorSet) Clone() IndicatorSet {
	out := make(IndicatorSet, len(s))
	copy(out, s)
	return out
}
