package bakery

import (
	"errors"
	"fmt"

	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

var (
	// ErrNotFound is returned by RootKeyStore.Get, OpsStore.GetOps
	// and ThirdPartyLocator.ThirdPartyInfo implementations when the
	// requested item is absent.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned from AuthChecker when a
	// requested operation cannot be authorized by any of the
	// presented macaroons or by the configured authorizer.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownVersion is returned when a caveat id or macaroon id
	// declares a bakery protocol version that this package does not
	// understand.
	ErrUnknownVersion = errors.New("unsupported bakery version")

	// ErrDischargeLoop is returned by DischargeAll when the chain of
	// discharge macaroons revisits a caveat id that has already been
	// seen, indicating a cycle in the third party caveat graph.
	ErrDischargeLoop = errors.New("discharge loop detected")

	// errDecryption is wrapped by codec errors caused by a sealed
	// caveat id that cannot be opened with the available keys.
	errDecryption = errors.New("decryption failure")
)

// VerificationError is used to signify that a macaroon has failed
// signature, binding or root key verification, rather than that
// verification could not be attempted at all. Callers use the
// distinction to skip invalid macaroons while treating infrastructure
// failures as fatal.
type VerificationError struct {
	Reason error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	return "verification failed: " + e.Reason.Error()
}

// Unwrap returns the underlying reason for the failure.
func (e *VerificationError) Unwrap() error {
	return e.Reason
}

// isVerificationError reports whether err results from macaroon
// verification as opposed to some internal failure.
func isVerificationError(err error) bool {
	var verr *VerificationError
	return errors.As(err, &verr)
}

// verificationError returns a new *VerificationError with a formatted
// reason.
func verificationError(format string, args ...interface{}) error {
	return &VerificationError{
		Reason: fmt.Errorf(format, args...),
	}
}

// DischargeRequiredError is returned when authorization has failed in a
// way that could be remedied by the client presenting more macaroons.
// It is a control flow signal rather than a denial: the transport layer
// is expected to relay the required caveats or unresolved caveat ids to
// the client, which discharges them and retries.
type DischargeRequiredError struct {
	// Message holds some reason why the authorization was not
	// granted.
	Message string

	// Ops holds all the operations that were not authorized.
	Ops []Op

	// Caveats holds the caveats that must be added to a macaroon
	// granting the above operations.
	Caveats []checkers.Caveat

	// Unresolved holds the third party caveats of the presented
	// macaroons that had no matching discharge macaroon, when the
	// request failed for that reason. The client can satisfy them by
	// acquiring discharges for exactly these caveats and presenting
	// the bundle again.
	Unresolved []macaroon.Caveat
}

// Error implements the error interface.
func (e *DischargeRequiredError) Error() string {
	return "macaroon discharge required: " + e.Message
}

// IsDischargeRequiredError reports whether err is or wraps a
// *DischargeRequiredError.
func IsDischargeRequiredError(err error) bool {
	var derr *DischargeRequiredError
	return errors.As(err, &derr)
}

// DischargeFetchError records the failure of a single discharge fetch
// during DischargeAll. The resolver never retries a failed fetch; the
// caller may, at its discretion, by resolving again.
type DischargeFetchError struct {
	// Location holds the third party location the fetch was
	// addressed to.
	Location string

	// Cause holds the error returned by the fetcher.
	Cause error
}

// Error implements the error interface.
func (e *DischargeFetchError) Error() string {
	return fmt.Sprintf("cannot get discharge from %q: %v", e.Location,
		e.Cause)
}

// Unwrap returns the underlying fetch error.
func (e *DischargeFetchError) Unwrap() error {
	return e.Cause
}

// InteractionRequiredError is returned by a third party caveat checker
// when the caveat cannot be discharged without further action by the
// client, such as completing a login flow with the third party. The
// discharger propagates it unchanged so that the transport layer can
// relay the challenge.
type InteractionRequiredError struct {
	// Challenge describes how the required interaction can be
	// completed, for example a URL to visit. Its interpretation is
	// up to the transport.
	Challenge string

	// Reason holds the underlying error, if any.
	Reason error
}

// Error implements the error interface.
func (e *InteractionRequiredError) Error() string {
	return "interaction required: " + e.Challenge
}

// Unwrap returns the underlying reason, which may be nil.
func (e *InteractionRequiredError) Unwrap() error {
	return e.Reason
}
