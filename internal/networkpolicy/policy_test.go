package networkpolicy

import (
	"context"
	"net"
	"testing"

	"github.com/novaruntime/execore/internal/core"
)

// fakeResolver lets tests pin DNS outcomes instead of hitting the network.
type fakeResolver struct {
	byHost map[string][]net.IPAddr
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := f.byHost[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func addrs(ips ...string) []net.IPAddr {
	out := make([]net.IPAddr, len(ips))
	for i, s := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out
}

func TestEvaluatePriorityOrdering(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"api.example.com": addrs("93.184.216.34"),
	}}
	rules := []core.NetworkRule{
		{Action: core.ActionDeny, TargetType: core.TargetDomain, TargetValue: "*.example.com", Priority: 5},
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "api.example.com", Priority: 1},
	}
	eng := New(nil, rules, resolver)
	eval := eng.Evaluate(context.Background(), "api.example.com")
	if !eval.Allowed {
		t.Errorf("expected the lower-priority allow rule to win, got denied: %s", eval.Reason)
	}
}

func TestEvaluateFirstMatchOnlyNotBestMatch(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"api.example.com": addrs("93.184.216.34"),
	}}
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "*.example.com", Priority: 1},
		{Action: core.ActionDeny, TargetType: core.TargetDomain, TargetValue: "api.example.com", Priority: 2},
	}
	eng := New(nil, rules, resolver)
	eval := eng.Evaluate(context.Background(), "api.example.com")
	if !eval.Allowed {
		t.Error("expected the first (lower-priority) matching rule to decide, even though a later rule also matches")
	}
}

func TestEvaluateDefaultDenyOnEmptyRuleSet(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"anything.test": addrs("203.0.113.5"),
	}}
	eng := New(nil, nil, resolver)
	eval := eng.Evaluate(context.Background(), "anything.test")
	if eval.Allowed {
		t.Error("expected empty rule set to deny by default")
	}
}

func TestEvaluateDNSFailureEscapesAsAllowed(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{}}
	eng := New(nil, nil, resolver)
	eval := eng.Evaluate(context.Background(), "unresolvable.test")
	if !eval.Allowed {
		t.Error("expected DNS-failure escape hatch to allow (decided downstream at connect time)")
	}
}

func TestEvaluateIPv6GateDeniesWithoutIPv6Rule(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"v6only.test": addrs("2001:db8::1"),
	}}
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "*.test", Priority: 1},
	}
	eng := New(nil, rules, resolver)
	eval := eng.Evaluate(context.Background(), "v6only.test")
	if eval.Allowed {
		t.Error("expected IPv6-only host denied when no rule mentions IPv6")
	}
}

func TestEvaluateIPv6AllowedWithExplicitIPv6Rule(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"v6only.test": addrs("2001:db8::1"),
	}}
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetCIDR, TargetValue: "2001:db8::/32", Priority: 1},
	}
	eng := New(nil, rules, resolver)
	eval := eng.Evaluate(context.Background(), "v6only.test")
	if !eval.Allowed {
		t.Errorf("expected allow once an IPv6 rule is present, got denied: %s", eval.Reason)
	}
}

func TestEvaluateIPLiteralBypassesDomainRules(t *testing.T) {
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "*", Priority: 1},
	}
	eng := New(nil, rules, &fakeResolver{})
	eval := eng.Evaluate(context.Background(), "203.0.113.9")
	if eval.Allowed {
		t.Error("domain rules should never match an IP literal host")
	}
}

func TestEvaluateIPLiteralMatchesIPRule(t *testing.T) {
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetIP, TargetValue: "203.0.113.9", Priority: 1},
	}
	eng := New(nil, rules, &fakeResolver{})
	eval := eng.Evaluate(context.Background(), "203.0.113.9")
	if !eval.Allowed {
		t.Errorf("expected IP literal to match its own IP rule, got: %s", eval.Reason)
	}
}

func TestEvaluateCIDRMatch(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"internal.test": addrs("10.0.5.23"),
	}}
	rules := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetCIDR, TargetValue: "10.0.0.0/8", Priority: 1},
	}
	eng := New(nil, rules, resolver)
	eval := eng.Evaluate(context.Background(), "internal.test")
	if !eval.Allowed {
		t.Errorf("expected host inside CIDR to be allowed, got: %s", eval.Reason)
	}
}

func TestEvaluateGlobalAndProjectRulesMerge(t *testing.T) {
	resolver := &fakeResolver{byHost: map[string][]net.IPAddr{
		"api.example.com": addrs("93.184.216.34"),
	}}
	global := []core.NetworkRule{
		{Action: core.ActionDeny, TargetType: core.TargetDomain, TargetValue: "*", Priority: 10},
	}
	project := []core.NetworkRule{
		{Action: core.ActionAllow, TargetType: core.TargetDomain, TargetValue: "*.example.com", Priority: 1},
	}
	eng := New(global, project, resolver)
	eval := eng.Evaluate(context.Background(), "api.example.com")
	if !eval.Allowed {
		t.Error("expected project allow rule (lower priority) to win over global deny-all")
	}
}
