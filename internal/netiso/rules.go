// Package netiso carves out per-session network isolation. Each machine in
// a session gets one security group whose allow-list is derived from the
// machine's network group, never from per-machine boolean flags.
package netiso

// NetworkGroup is a named isolation domain within a session.
type NetworkGroup string

const (
	GroupAttacker NetworkGroup = "attacker"
	GroupInternal NetworkGroup = "internal"
	GroupService  NetworkGroup = "service"
)

// Valid reports whether g is a known isolation domain.
func (g NetworkGroup) Valid() bool {
	switch g {
	case GroupAttacker, GroupInternal, GroupService:
		return true
	}
	return false
}

// MachineSpec is the isolation-relevant shape of one machine.
type MachineSpec struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Group       NetworkGroup `json:"group"`
	IsPivotHost bool         `json:"is_pivot_host"`
	Entrypoints []int32      `json:"entrypoints"` // solver-facing ports, reachable only via the gateway proxy
}

// RuleSet is the derived allow-list for one machine.
type RuleSet struct {
	IngressSources []string // machine ids allowed to originate to this machine
	EgressTargets  []string // machine ids this machine may originate to
	GatewayPorts   []int32  // ports the gateway proxy may forward; not public exposure
}

// adjacency states which isolation domains may originate connections to
// which. Attacker and internal never see each other directly; both may use
// shared service machines. Pivot hosts punch the single sanctioned hole.
var adjacency = map[NetworkGroup]map[NetworkGroup]bool{
	GroupAttacker: {GroupAttacker: true, GroupService: true},
	GroupInternal: {GroupInternal: true, GroupService: true},
	GroupService:  {GroupService: true},
}

// canReach reports whether traffic from one machine to another is allowed.
// A pivot host in any group additionally receives from attacker machines
// and originates to internal machines.
func canReach(from, to MachineSpec) bool {
	if from.ID == to.ID {
		return false
	}
	if adjacency[from.Group][to.Group] {
		return true
	}
	if to.IsPivotHost && from.Group == GroupAttacker {
		return true
	}
	if from.IsPivotHost && to.Group == GroupInternal {
		return true
	}
	return false
}

// DeriveRules computes the allow-list for machine among its session peers.
// Pure function: same inputs always yield the same rule set.
func DeriveRules(machine MachineSpec, peers []MachineSpec) RuleSet {
	rs := RuleSet{
		GatewayPorts: append([]int32(nil), machine.Entrypoints...),
	}

	for _, peer := range peers {
		if peer.ID == machine.ID {
			continue
		}
		if canReach(peer, machine) {
			rs.IngressSources = append(rs.IngressSources, peer.ID)
		}
		if canReach(machine, peer) {
			rs.EgressTargets = append(rs.EgressTargets, peer.ID)
		}
	}

	return rs
}
