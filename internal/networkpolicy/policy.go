// Package networkpolicy implements the outbound-connection admission
// control consulted by the require('http'/'https'/'net'/'dns') bridge for
// every host resolution a guest attempts (spec §4.4).
package networkpolicy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/novaruntime/execore/internal/core"
	"golang.org/x/net/idna"
)

// Resolver looks up A/AAAA records for a hostname. Production callers pass
// net.DefaultResolver; tests substitute a fake to make DNS outcomes
// deterministic.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Evaluation is the result of Evaluate: whether the connection is allowed
// and the reason recorded for logging/diagnostics.
type Evaluation struct {
	Allowed  bool
	Reason   string
	Resolved []net.IP
}

// Engine evaluates one project's effective rule set: the merged global and
// project rules, stable-sorted by ascending priority once at construction.
type Engine struct {
	rules    []core.NetworkRule
	resolver Resolver
}

// New merges globalRules and projectRules and stable-sorts them by
// ascending priority (spec §4.4: "merged list ... stable-sorted by
// priority ascending"). An empty merged list is equivalent to a single
// deny-all rule.
func New(globalRules, projectRules []core.NetworkRule, resolver Resolver) *Engine {
	merged := make([]core.NetworkRule, 0, len(globalRules)+len(projectRules))
	merged = append(merged, globalRules...)
	merged = append(merged, projectRules...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Priority < merged[j].Priority })
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Engine{rules: merged, resolver: resolver}
}

// Evaluate decides whether a connection to host is permitted, per the
// five-step procedure in spec §4.4.
func (e *Engine) Evaluate(ctx context.Context, host string) Evaluation {
	var ips []net.IP
	isLiteral := false
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
		isLiteral = true
	} else {
		addrs, err := e.resolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			return Evaluation{Allowed: true, Reason: "dns pending/failed"}
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	if !e.hasIPv6Rule() {
		for _, ip := range ips {
			if ip.To4() == nil {
				return Evaluation{Allowed: false, Reason: "ipv6 unconfigured", Resolved: ips}
			}
		}
	}

	for _, rule := range e.rules {
		if matches(rule, host, isLiteral, ips) {
			allowed := rule.Action == core.ActionAllow
			reason := rule.Description
			if reason == "" {
				reason = fmt.Sprintf("matched %s rule (priority %d)", rule.Action, rule.Priority)
			}
			return Evaluation{Allowed: allowed, Reason: reason, Resolved: ips}
		}
	}
	return Evaluation{Allowed: false, Reason: "no matching rule", Resolved: ips}
}

func (e *Engine) hasIPv6Rule() bool {
	for _, r := range e.rules {
		switch r.TargetType {
		case core.TargetIP:
			if ip := net.ParseIP(r.TargetValue); ip != nil && ip.To4() == nil {
				return true
			}
		case core.TargetCIDR:
			if _, cidr, err := net.ParseCIDR(r.TargetValue); err == nil && strings.Contains(r.TargetValue, ":") {
				_ = cidr
				return true
			}
		}
	}
	return false
}

func matches(rule core.NetworkRule, host string, isLiteral bool, ips []net.IP) bool {
	switch rule.TargetType {
	case core.TargetDomain:
		if isLiteral {
			return false
		}
		return domainGlobMatch(rule.TargetValue, host)
	case core.TargetIP:
		for _, ip := range ips {
			if ip.String() == rule.TargetValue {
				return true
			}
		}
		return false
	case core.TargetCIDR:
		_, network, err := net.ParseCIDR(rule.TargetValue)
		if err != nil {
			return false
		}
		for _, ip := range ips {
			if network.Contains(ip) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// domainGlobMatch matches a case-insensitive glob pattern (only "*" is
// supported, matching any run of subdomain-safe characters) against host.
// Both sides are IDNA-normalized to ASCII/punycode first so a rule written
// in Unicode (e.g. "café.example") matches the wire-form hostname a guest
// actually requests, and vice versa.
func domainGlobMatch(pattern, host string) bool {
	pattern = normalizeDomain(pattern)
	host = normalizeDomain(host)
	if !strings.Contains(pattern, "*") {
		return pattern == host
	}
	return newGlobMatcher(pattern).MatchString(host)
}

// normalizeDomain lowercases and IDNA-normalizes a domain or domain
// pattern. idna.Lookup.ToASCII rejects the "*" wildcard character, so a
// pattern segment containing one falls back to a plain lowercase compare —
// exact non-wildcard domains and every literal rule still get full IDNA
// normalization.
func normalizeDomain(s string) string {
	s = strings.ToLower(s)
	if ascii, err := idna.Lookup.ToASCII(s); err == nil {
		return ascii
	}
	return s
}

// globMatcher avoids importing regexp for a single "*" wildcard by
// compiling the glob into literal segments split on "*" and checking that
// the host starts/ends/contains each segment in order — simpler and
// allocation-light for the common "*.example.com" case, and still correct
// for multiple wildcards.
type globMatcher struct {
	segments []string
}

func newGlobMatcher(pattern string) *globMatcher {
	return &globMatcher{segments: strings.Split(pattern, "*")}
}

func (m *globMatcher) MatchString(s string) bool {
	if len(m.segments) == 1 {
		return m.segments[0] == s
	}
	pos := 0
	for i, seg := range m.segments {
		if seg == "" {
			continue
		}
		if i == 0 {
			if !strings.HasPrefix(s, seg) {
				return false
			}
			pos = len(seg)
			continue
		}
		if i == len(m.segments)-1 {
			return strings.HasSuffix(s[pos:], seg)
		}
		idx := strings.Index(s[pos:], seg)
		if idx < 0 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}
