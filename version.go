package bakery

import (
	"gopkg.in/macaroon.v2"
)

// Version represents a version of the bakery protocol. It determines
// the wire format of caveat ids and macaroon ids minted at that
// version.
type Version int

const (
	// Version0 is the original bakery protocol version. It uses
	// version 1 macaroons and JSON encoded caveat ids.
	Version0 Version = 0

	// Version1 signals support for the "std" first party caveat
	// namespace. Caveat ids are still JSON encoded.
	Version1 Version = 1

	// Version2 uses version 2 macaroons and binary encoded caveat
	// ids.
	Version2 Version = 2

	// Version3 adds a first party caveat namespace to the encoded
	// caveat id, and supports externally stored caveat information.
	Version3 Version = 3

	// LatestVersion is the most recent version understood by this
	// package. Callers that negotiate versions should clamp their
	// peers' claims to this value.
	LatestVersion = Version3
)

// MacaroonVersion returns the macaroon version that should be used
// with the given bakery version.
func MacaroonVersion(v Version) macaroon.Version {
	switch v {
	case Version0, Version1:
		return macaroon.V1
	default:
		return macaroon.V2
	}
}
