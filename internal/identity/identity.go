// Package identity encodes the composite keys used for sub-agent
// workloads. The encoding is deliberately a plain, debuggable string;
// all construction and parsing goes through this package so the format
// has exactly one definition.
package identity

import "strings"

const agentMarker = "#agent:"

// AgentJID builds the virtual chat identity of a sub-agent spawned
// under parentJID.
func AgentJID(parentJID, agentID string) string {
	return parentJID + agentMarker + agentID
}

// ParseAgentJID splits a virtual identity into its parent JID and
// agent id; ok is false for plain identities.
func ParseAgentJID(jid string) (parentJID, agentID string, ok bool) {
	i := strings.LastIndex(jid, agentMarker)
	if i < 0 {
		return "", "", false
	}
	return jid[:i], jid[i+len(agentMarker):], true
}

// IsAgentJID reports whether jid carries the sub-agent marker.
func IsAgentJID(jid string) bool {
	return strings.Contains(jid, agentMarker)
}

// AgentKey builds the serialization key for a sub-agent: distinct from
// the parent folder's key so parent and child run concurrently, while
// two runs of the same agent still exclude each other.
func AgentKey(folder, agentID string) string {
	return folder + "#" + agentID
}
