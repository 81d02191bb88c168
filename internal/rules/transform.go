package rules

import "fmt"

// Mode selects the edit policy applied to rules on a target port.
type Mode string

const (
	// ModeSwap replaces only the previously known address, preserving every
	// other source on the rule.
	ModeSwap Mode = "swap"
	// ModeReplaceAll discards a matching rule's whole address list in favor
	// of the current address. Use only when this tool is the sole writer of
	// that port's access list.
	ModeReplaceAll Mode = "replace_all"
)

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSwap, ModeReplaceAll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown edit mode %q", s)
	}
}

// AddressChange describes one rewrite: the address being retired (empty on
// first run), its replacement, the ports whose rules may be edited, and the
// edit policy. Built fresh per cycle and consumed once.
type AddressChange struct {
	Old         string
	New         string
	TargetPorts []string
	Mode        Mode
}

// Warning records a rule token that did not parse and was passed through
// unchanged.
type Warning struct {
	Index int
	Token string
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %d not recognized, kept verbatim: %q", w.Index, w.Token)
}

// Transform applies the address change to a rule set and returns a new set
// with the same length and order. Only rules carrying a port spec that
// matches a target port are touched; every other rule, malformed tokens
// included, passes through byte-identical. Transform never fails: malformed
// tokens are reported as warnings for the caller to log.
func Transform(rs RuleSet, ch AddressChange) (RuleSet, []Warning) {
	out := make(RuleSet, len(rs))
	var warnings []Warning

	for i, r := range rs {
		if r.malformed {
			warnings = append(warnings, Warning{Index: i, Token: r.raw})
			out[i] = r
			continue
		}
		if !matchesTarget(r, ch.TargetPorts) {
			out[i] = r
			continue
		}
		switch ch.Mode {
		case ModeReplaceAll:
			out[i] = replaceAll(r, ch.New)
		case ModeSwap:
			out[i] = swap(r, ch.Old, ch.New)
		default:
			out[i] = r
		}
	}
	return out, warnings
}

func matchesTarget(r Rule, ports []string) bool {
	for _, p := range ports {
		if r.MatchesPort(p) {
			return true
		}
	}
	return false
}

// replaceAll sets the rule's sources to exactly the new address. Already
// converged rules keep their original token so re-runs stay byte-identical.
func replaceAll(r Rule, newAddr string) Rule {
	entry := newAddr + "/32"
	if len(r.Addresses) == 1 && r.Addresses[0] == entry {
		return r
	}
	r.Addresses = []string{entry}
	r.raw = ""
	return r
}

// swap applies the conservative policy:
//   - the new address is already present: no-op, so re-runs converge;
//   - the old address is present: every whole-entry occurrence becomes the
//     new address, positions and unrelated sources preserved;
//   - otherwise: the new address is appended, never displacing existing
//     grants. Covers first runs and partially cleaned-up earlier failures.
func swap(r Rule, oldAddr, newAddr string) Rule {
	if r.HasAddress(newAddr) {
		return r
	}

	entry := newAddr + "/32"
	if oldAddr != "" && r.HasAddress(oldAddr) {
		addrs := make([]string, len(r.Addresses))
		for i, a := range r.Addresses {
			if a == oldAddr || a == oldAddr+"/32" {
				addrs[i] = entry
			} else {
				addrs[i] = a
			}
		}
		r.Addresses = addrs
	} else {
		addrs := make([]string, 0, len(r.Addresses)+1)
		addrs = append(addrs, r.Addresses...)
		r.Addresses = append(addrs, entry)
	}
	r.raw = ""
	return r
}
