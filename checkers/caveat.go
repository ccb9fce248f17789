package checkers

import (
	"fmt"
)

// Caveat represents a condition that must be true for a check to
// complete successfully. If Location is non-empty, the caveat must be
// discharged by a third party at the given location.
type Caveat struct {
	// Condition holds the caveat condition, to be evaluated by the
	// first party checker or, for third party caveats, by the
	// discharging authority.
	Condition string

	// Namespace holds the namespace URI of the condition. It is
	// resolved to a prefix before the caveat is added to a macaroon.
	Namespace string

	// Location holds the location of the third party that can
	// discharge the caveat, or the empty string for a first party
	// caveat.
	Location string
}

// ErrorCaveatf returns a caveat that will never be satisfied, holding
// the given fmt.Sprintf formatted text as the text of the caveat. This
// should only be used for highly unusual conditions that are never
// expected to happen in practice, such as a malformed key that is
// conventionally passed as a constant. It's not a panic but you should
// only use it in cases where a panic might possibly be appropriate.
func ErrorCaveatf(f string, a ...interface{}) Caveat {
	return firstParty(CondError, fmt.Sprintf(f, a...))
}

// firstParty returns a first party caveat in the standard namespace
// with the given condition name and argument.
func firstParty(name, arg string) Caveat {
	condition := name
	if arg != "" {
		condition = name + " " + arg
	}

	return Caveat{
		Condition: condition,
		Namespace: StdNamespace,
	}
}
