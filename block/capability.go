package block

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// ErrCapability is returned when a block attempts an operation it has not
// been granted.
var ErrCapability = errors.New("capability denied")

// Capability is a bitset of runtime permissions.
type Capability uint32

const (
	CapSpawn Capability = 1 << iota
	CapSend
	CapReceive
	CapLink
	CapMonitor
	CapTrapExit
	CapInfer
	CapHTTP
	CapFileRead
	CapFileWrite

	capCount = iota
)

const (
	CapNone Capability = 0
	CapAll  Capability = 1<<capCount - 1

	// CapDefault is granted to blocks spawned without an explicit set.
	CapDefault = CapSpawn | CapSend | CapReceive | CapLink | CapMonitor
)

var capabilityNames = map[Capability]string{
	CapSpawn:     "spawn",
	CapSend:      "send",
	CapReceive:   "receive",
	CapLink:      "link",
	CapMonitor:   "monitor",
	CapTrapExit:  "trap_exit",
	CapInfer:     "infer",
	CapHTTP:      "http",
	CapFileRead:  "file_read",
	CapFileWrite: "file_write",
}

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Names lists the capabilities in c, sorted.
func (c Capability) Names() []string {
	names := make([]string, 0, bits.OnesCount32(uint32(c)))
	for bit, name := range capabilityNames {
		if c&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c Capability) String() string {
	switch c {
	case CapNone:
		return "none"
	case CapAll:
		return "all"
	}
	return strings.Join(c.Names(), "|")
}

// ParseCapability resolves a single capability name. "all" and "none" are
// accepted.
func ParseCapability(name string) (Capability, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "all":
		return CapAll, nil
	case "none", "":
		return CapNone, nil
	}
	for bit, n := range capabilityNames {
		if n == name {
			return bit, nil
		}
	}
	return CapNone, fmt.Errorf("block: unknown capability %q", name)
}

// ParseCapabilities combines a list of capability names.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		bit, err := ParseCapability(n)
		if err != nil {
			return CapNone, err
		}
		c |= bit
	}
	return c, nil
}

// Policy restricts the capabilities a block may be spawned with. A zero
// Allowed set means "allow all".
type Policy struct {
	Allowed Capability
	Denied  Capability
}

// PermissivePolicy allows every capability.
func PermissivePolicy() Policy { return Policy{} }

// RestrictedPolicy allows only the given capabilities.
func RestrictedPolicy(allowed Capability) Policy { return Policy{Allowed: allowed} }

// Check verifies that every requested capability is allowed. The error
// names the first one refused.
func (p Policy) Check(requested Capability) error {
	for _, name := range requested.Names() {
		bit, _ := ParseCapability(name)
		if p.Denied&bit != 0 {
			return fmt.Errorf("block: capability %q is explicitly denied: %w", name, ErrCapability)
		}
		if p.Allowed != CapNone && p.Allowed&bit == 0 {
			return fmt.Errorf("block: capability %q is not allowed: %w", name, ErrCapability)
		}
	}
	return nil
}

// Apply strips whatever the policy forbids from requested.
func (p Policy) Apply(requested Capability) Capability {
	c := requested &^ p.Denied
	if p.Allowed != CapNone {
		c &= p.Allowed
	}
	return c
}

// Deny adds c to the deny list.
func (p *Policy) Deny(c Capability) { p.Denied |= c }
