package core

// Env holds the per-call bindings injected into process.env and the KV
// handle (spec §4.3). Vars is deep-copied and frozen in the guest;
// Secrets are folded into the same guest-visible map (the core does not
// distinguish them beyond the metadata provider's own read path).
type Env struct {
	Vars    map[string]string
	Secrets map[string]string
	KV      KVStore // namespaced per project_id out-of-band by the provider
}

// NetworkRule is one entry of a network policy (spec §3/§4.4).
type NetworkRule struct {
	Action      RuleAction
	TargetType  TargetType
	TargetValue string
	Priority    int
	Description string
}

// RuleAction is the verdict a NetworkRule assigns when it matches.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
)

// TargetType selects how TargetValue is matched against a resolved host.
type TargetType string

const (
	TargetIP     TargetType = "ip"
	TargetCIDR   TargetType = "cidr"
	TargetDomain TargetType = "domain"
)

// Policy is the merged, sorted rule set used to construct one call's
// network policy snapshot (spec §4.4).
type Policy struct {
	Rules []NetworkRule
}
