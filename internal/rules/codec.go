package rules

import (
	"errors"
	"strings"
)

// ErrEmptyRuleBlob is returned when the remote system hands back no rule
// text at all. Callers must abort the update for that firewall rather than
// risk building a rule list from nothing.
var ErrEmptyRuleBlob = errors.New("empty rule blob")

// universalV4 is the catch-all source the remote system puts on its stock
// egress rules. Its presence is what identifies the inbound/outbound split.
const universalV4 = "0.0.0.0/0"

// Decode parses the raw text blob the remote system returns for one
// firewall. The blob carries inbound and outbound rules in a single run of
// whitespace-separated tokens; the first default-egress rule marks the start
// of the outbound segment. When no such rule is found the whole blob is
// inbound and the stock egress default is substituted for outbound.
func Decode(blob string) (inbound, outbound RuleSet, err error) {
	trimmed := strings.TrimSpace(blob)
	if trimmed == "" {
		return nil, nil, ErrEmptyRuleBlob
	}

	tokens := tokenize(trimmed)
	all := make(RuleSet, 0, len(tokens))
	for _, tok := range tokens {
		all = append(all, parseRule(tok))
	}

	split := -1
	for i, r := range all {
		if isDefaultEgress(r) {
			split = i
			break
		}
	}
	if split < 0 {
		return all, DefaultOutbound(), nil
	}
	return all[:split:split], all[split:], nil
}

// Encode serializes a RuleSet into the remote wire format, one token per
// rule. Rules still carrying their original token are emitted verbatim;
// everything else is encoded canonically with field order
// protocol, ports, address... and the address list exactly as supplied.
func Encode(rs RuleSet) string {
	tokens := make([]string, 0, len(rs))
	for _, r := range rs {
		tokens = append(tokens, encodeRule(r))
	}
	return strings.Join(tokens, " ")
}

// DefaultOutbound returns the stock allow-all egress rule set used when the
// remote blob contains no recognizable outbound segment.
func DefaultOutbound() RuleSet {
	return RuleSet{
		{Protocol: ProtocolICMP, Addresses: []string{universalV4, "::/0"}},
		{Protocol: ProtocolTCP, Ports: "0", Addresses: []string{universalV4, "::/0"}},
		{Protocol: ProtocolUDP, Ports: "0", Addresses: []string{universalV4, "::/0"}},
	}
}

func encodeRule(r Rule) string {
	if r.raw != "" {
		return r.raw
	}
	var b strings.Builder
	b.WriteString("protocol:")
	b.WriteString(string(r.Protocol))
	if r.Ports != "" {
		b.WriteString(",ports:")
		b.WriteString(r.Ports)
	}
	for _, a := range r.Addresses {
		b.WriteString(",address:")
		b.WriteString(a)
	}
	return b.String()
}

// tokenize splits the blob into per-rule tokens. Column widths vary between
// API versions, so rules are delimited by the next "protocol:" field rather
// than by fixed whitespace. Text ahead of the first protocol field becomes a
// single token so unknown content survives the round trip.
func tokenize(text string) []string {
	var starts []int
	for i := 0; ; {
		j := strings.Index(text[i:], "protocol:")
		if j < 0 {
			break
		}
		starts = append(starts, i+j)
		i += j + len("protocol:")
	}
	if len(starts) == 0 {
		return []string{text}
	}

	var tokens []string
	if lead := strings.TrimSpace(text[:starts[0]]); lead != "" {
		tokens = append(tokens, strings.TrimSuffix(lead, ","))
	}
	for k, start := range starts {
		end := len(text)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		tok := strings.TrimSpace(text[start:end])
		tok = strings.TrimSuffix(tok, ",")
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// parseRule decodes one comma-delimited token. Both address forms the remote
// system has produced are accepted: repeated address: fields and a single
// address: field carrying a space-delimited list. A token that does not fit
// the format is kept verbatim and flagged malformed, never dropped.
func parseRule(token string) Rule {
	r := Rule{raw: token}
	if !strings.HasPrefix(token, "protocol:") {
		r.malformed = true
		return r
	}

	for _, field := range strings.Split(token, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		switch {
		case strings.HasPrefix(field, "protocol:"):
			p := Protocol(strings.TrimPrefix(field, "protocol:"))
			switch p {
			case ProtocolTCP, ProtocolUDP, ProtocolICMP:
				r.Protocol = p
			default:
				return Rule{raw: token, malformed: true}
			}
		case strings.HasPrefix(field, "ports:"):
			r.Ports = strings.TrimPrefix(field, "ports:")
		case strings.HasPrefix(field, "address:"):
			r.Addresses = append(r.Addresses, strings.Fields(strings.TrimPrefix(field, "address:"))...)
		case isFieldKey(field):
			return Rule{raw: token, malformed: true}
		case len(r.Addresses) > 0:
			// Bare value after an address field: the comma-joined list form.
			r.Addresses = append(r.Addresses, field)
		default:
			return Rule{raw: token, malformed: true}
		}
	}
	return r
}

// isFieldKey reports whether the field starts with an alphabetic key:
// prefix. IPv6 entries like ::/0 start with a colon and are not keys.
func isFieldKey(field string) bool {
	i := strings.Index(field, ":")
	if i <= 0 {
		return false
	}
	for _, c := range field[:i] {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && c != '_' {
			return false
		}
	}
	return true
}

// isDefaultEgress recognizes the stock allow-all egress rules: icmp with no
// port spec, or tcp/udp with port 0, each sourced from the universal set.
func isDefaultEgress(r Rule) bool {
	if r.malformed {
		return false
	}
	switch {
	case r.Protocol == ProtocolICMP && r.Ports == "":
	case (r.Protocol == ProtocolTCP || r.Protocol == ProtocolUDP) && r.Ports == "0":
	default:
		return false
	}
	for _, a := range r.Addresses {
		if a == universalV4 {
			return true
		}
	}
	return false
}
