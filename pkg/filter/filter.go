// Package filter describes which packets a query wants. PacketFilter is
// pure data plus Matches, the canonical in-memory evaluator; the SQLite
// backend lowers the same rules to a WHERE clause and must never diverge
// from what Matches computes.
package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/netsentry/netsentry/pkg/model"
)

// CombineMode selects how sub-filters are folded together.
type CombineMode int

const (
	CombineAnd CombineMode = iota
	CombineOr
)

// PacketFilter is a composite predicate over packet fields. The zero value
// matches every record. A filter carrying a Custom predicate or Combined
// sub-filters cannot be translated to SQL and is rejected by the
// persistent backend.
type PacketFilter struct {
	// IP patterns: exact (case-insensitive), glob with '*'/'?', or a
	// CIDR-looking "addr/len" form compared as a prefix of whole octets
	// selected by the mask length (see IPPrefix). The prefix form is
	// deliberately not a true subnet mask.
	SrcIPPattern string
	SrcIPNegate  bool
	DstIPPattern string
	DstIPNegate  bool

	// Port patterns: a single port, a comma-separated list, or a
	// "low-high" inclusive range (order-normalized). Tokens combine
	// with OR; negate inverts the combined result.
	SrcPortPattern string
	SrcPortNegate  bool
	DstPortPattern string
	DstPortNegate  bool

	// Protocol equality against the canonical name; empty = unset.
	Protocol       model.Protocol
	ProtocolNegate bool

	// Inclusive length bounds; 0 = unset.
	MinLength int
	MaxLength int

	// Inclusive timestamp bounds; zero time = unset.
	StartTime time.Time
	EndTime   time.Time

	// Case-insensitive substring match over the info field.
	InfoContains string
	InfoNegate   bool

	// Description is a human label with no matching semantics.
	Description string

	// Custom is an opaque predicate, combined with AND against every
	// other active predicate in this filter.
	Custom func(*model.PacketRecord) bool

	// Combined holds sub-filters folded with Mode; the fold result is
	// combined with AND against this filter's own predicates.
	Combined []*PacketFilter
	Mode     CombineMode
}

// IsEmpty reports whether no predicate field is set. An empty filter
// matches every record. Description does not count: it is a label, not a
// predicate.
func (f *PacketFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return f.SrcIPPattern == "" && f.DstIPPattern == "" &&
		f.SrcPortPattern == "" && f.DstPortPattern == "" &&
		f.Protocol == "" && f.MinLength == 0 && f.MaxLength == 0 &&
		f.StartTime.IsZero() && f.EndTime.IsZero() &&
		f.InfoContains == "" && f.Custom == nil && len(f.Combined) == 0
}

// Translatable reports whether the filter can be expressed as SQL.
// Opaque predicates and sub-filter compositions cannot.
func (f *PacketFilter) Translatable() bool {
	return f == nil || (f.Custom == nil && len(f.Combined) == 0)
}

// Matches evaluates the filter against one record. This is the ground
// truth for filter semantics across all backends.
func (f *PacketFilter) Matches(p *model.PacketRecord) bool {
	if f == nil {
		return true
	}

	if f.SrcIPPattern != "" {
		if matchIPPattern(f.SrcIPPattern, p.SrcIP) == f.SrcIPNegate {
			return false
		}
	}
	if f.DstIPPattern != "" {
		if matchIPPattern(f.DstIPPattern, p.DstIP) == f.DstIPNegate {
			return false
		}
	}
	if f.SrcPortPattern != "" {
		if matchPortPattern(f.SrcPortPattern, p.SrcPort) == f.SrcPortNegate {
			return false
		}
	}
	if f.DstPortPattern != "" {
		if matchPortPattern(f.DstPortPattern, p.DstPort) == f.DstPortNegate {
			return false
		}
	}
	if f.Protocol != "" {
		if (p.Protocol == f.Protocol) == f.ProtocolNegate {
			return false
		}
	}
	if f.MinLength > 0 && p.Length < f.MinLength {
		return false
	}
	if f.MaxLength > 0 && p.Length > f.MaxLength {
		return false
	}
	if !f.StartTime.IsZero() && p.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && p.Timestamp.After(f.EndTime) {
		return false
	}
	if f.InfoContains != "" {
		found := strings.Contains(strings.ToLower(p.Info), strings.ToLower(f.InfoContains))
		if found == f.InfoNegate {
			return false
		}
	}
	if f.Custom != nil && !f.Custom(p) {
		return false
	}
	if len(f.Combined) > 0 && !f.matchCombined(p) {
		return false
	}
	return true
}

func (f *PacketFilter) matchCombined(p *model.PacketRecord) bool {
	if f.Mode == CombineOr {
		for _, sub := range f.Combined {
			if sub.Matches(p) {
				return true
			}
		}
		return false
	}
	for _, sub := range f.Combined {
		if !sub.Matches(p) {
			return false
		}
	}
	return true
}

// matchIPPattern applies the IP matching rules to the textual address:
// glob when the pattern contains '*' or '?', octet prefix when it
// contains '/', case-insensitive equality otherwise.
func matchIPPattern(pattern, ip string) bool {
	pattern = strings.ToLower(pattern)
	ip = strings.ToLower(ip)

	if strings.ContainsAny(pattern, "*?") {
		return matchGlob(pattern, ip)
	}
	if strings.Contains(pattern, "/") {
		return strings.HasPrefix(ip, IPPrefix(pattern))
	}
	return pattern == ip
}

// IPPrefix derives the literal prefix compared for a CIDR-looking IP
// pattern. The mask length selects whole octets of the address before
// the slash: /8 keeps one ("10."), /16 keeps two ("192.168."). Mask
// bits inside an octet round down, so a /12 compares like a /8; a
// missing or malformed mask falls back to the full text before the
// slash. This is a prefix approximation, not a true subnet mask. The
// SQL translator consumes this so both backends derive the same prefix.
func IPPrefix(pattern string) string {
	idx := strings.Index(pattern, "/")
	if idx < 0 {
		return pattern
	}
	addr, maskText := pattern[:idx], pattern[idx+1:]
	mask, err := strconv.Atoi(strings.TrimSpace(maskText))
	if err != nil || mask <= 0 {
		return addr
	}
	octets := strings.Split(addr, ".")
	n := mask / 8
	if n < 1 {
		n = 1
	}
	if n >= len(octets) {
		return addr
	}
	return strings.Join(octets[:n], ".") + "."
}

// matchGlob matches s against a glob where '*' spans any run of
// characters and '?' consumes exactly one.
func matchGlob(pattern, s string) bool {
	// Iterative matcher with single-star backtracking.
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchPortPattern matches a port against a comma-separated pattern of
// single ports and low-high ranges. A port matches if any token accepts
// it; malformed tokens accept nothing.
func matchPortPattern(pattern string, port int) bool {
	for _, token := range strings.Split(pattern, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if lo, hi, ok := parsePortRange(token); ok {
			if port >= lo && port <= hi {
				return true
			}
			continue
		}
		if v, err := strconv.Atoi(token); err == nil && v == port {
			return true
		}
	}
	return false
}

// parsePortRange parses a "low-high" token, normalizing reversed bounds.
func parsePortRange(token string) (lo, hi int, ok bool) {
	idx := strings.Index(token, "-")
	if idx <= 0 || idx == len(token)-1 {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(strings.TrimSpace(token[:idx]))
	b, err2 := strconv.Atoi(strings.TrimSpace(token[idx+1:]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if a > b {
		a, b = b, a
	}
	return a, b, true
}

// PortTokens parses a port pattern into normalized (low, high) ranges,
// dropping malformed tokens. Single ports yield low == high. The SQL
// translator consumes this so both backends parse patterns identically.
func PortTokens(pattern string) [][2]int {
	var out [][2]int
	for _, token := range strings.Split(pattern, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if lo, hi, ok := parsePortRange(token); ok {
			out = append(out, [2]int{lo, hi})
			continue
		}
		if v, err := strconv.Atoi(token); err == nil {
			out = append(out, [2]int{v, v})
		}
	}
	return out
}
