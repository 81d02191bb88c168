// Package rules holds the in-memory model of a remote firewall's rule list,
// the codec for the flat-text format the remote API speaks, and the
// transformer that rewrites address entries when the WAN address moves.
package rules

import "strings"

// Protocol is the protocol field of a rule.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// Rule is one permission entry: protocol, optional port spec, and an
// ordered list of CIDR sources. The original wire token is retained so
// untouched rules re-encode byte-identically.
type Rule struct {
	Protocol  Protocol
	Ports     string // "22", "8000-9000", "80,443"; empty for icmp
	Addresses []string

	raw       string
	malformed bool
}

// Malformed reports whether the rule failed to parse and is carried verbatim.
func (r Rule) Malformed() bool {
	return r.malformed
}

// Raw returns the original wire token, or "" if the rule was built or
// modified in memory.
func (r Rule) Raw() string {
	return r.raw
}

// MatchesPort reports whether any scalar listed in the rule's port spec
// equals port. Ranges and comma lists are split into scalars; there is no
// range-overlap logic. Rules without a port spec never match.
func (r Rule) MatchesPort(port string) bool {
	if r.Ports == "" {
		return false
	}
	for _, part := range strings.Split(r.Ports, ",") {
		for _, scalar := range strings.Split(part, "-") {
			if strings.TrimSpace(scalar) == port {
				return true
			}
		}
	}
	return false
}

// HasAddress reports whether addr appears in the rule's address list as a
// whole entry, bare or /32-suffixed. Substring matches across entry
// boundaries never count.
func (r Rule) HasAddress(addr string) bool {
	for _, a := range r.Addresses {
		if a == addr || a == addr+"/32" {
			return true
		}
	}
	return false
}

// RuleSet is the ordered rule list for one direction of one firewall.
type RuleSet []Rule
