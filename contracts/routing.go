package contracts

import (
	"errors"
	"sort"
	"strings"
)

// ErrEmptyRoutingTag is returned when a routing tag has no flag set to true
var ErrEmptyRoutingTag = errors.New("contracts: routing tag has no active flag")

// RoutingTag is the set of named boolean flags attached to a publish. The
// broker delivers a copy of the frame to every queue bound to a true flag.
type RoutingTag map[string]bool

// NewRoutingTag creates a tag with the given flags set to true
func NewRoutingTag(flags ...string) RoutingTag {
	tag := make(RoutingTag, len(flags))
	for _, flag := range flags {
		flag = strings.TrimSpace(flag)
		if flag != "" {
			tag[flag] = true
		}
	}
	return tag
}

// TagFor builds a routing tag targeting every domain in the envelope
func TagFor(env Envelope) RoutingTag {
	return NewRoutingTag(env.Domains()...)
}

// Flags returns the sorted names of the flags that are true
func (t RoutingTag) Flags() []string {
	flags := make([]string, 0, len(t))
	for flag, on := range t {
		if on {
			flags = append(flags, flag)
		}
	}
	sort.Strings(flags)
	return flags
}

// Has reports whether flag is set to true
func (t RoutingTag) Has(flag string) bool {
	return t[flag]
}

// Validate rejects a tag that would not route anywhere
func (t RoutingTag) Validate() error {
	if len(t.Flags()) == 0 {
		return ErrEmptyRoutingTag
	}
	return nil
}

func (t RoutingTag) String() string {
	return strings.Join(t.Flags(), "|")
}
