package bakery

import (
	"context"

	"github.com/lightningnetwork/bakery/checkers"
)

// Everyone is the ACL group name that matches any authenticated user.
const Everyone = "everyone"

// Authorizer decides whether a client may perform a set of operations,
// given the attributes declared by its verified macaroons. It is
// consulted by a Checker for operations that no presented macaroon
// authorizes directly.
type Authorizer interface {
	// Authorize reports which of the given operations are allowed
	// for a client with the given declared attributes. The declared
	// map holds the attribute values accumulated from the client's
	// login macaroon (see checkers.InferDeclared); it is nil when
	// the client is unauthenticated.
	//
	// On success the returned slice holds one element per requested
	// operation. The authorizer may also return caveats that must be
	// discharged before the operations are authorized.
	//
	// An error means the decision could not be made at all, not that
	// the operations are denied.
	Authorize(ctx context.Context, declared map[string]string,
		ops []Op) (allowed []bool, caveats []checkers.Caveat,
		err error)
}

var (
	// OpenAuthorizer allows every operation for everyone.
	OpenAuthorizer Authorizer = openAuthorizer{}

	// ClosedAuthorizer allows no operation for anyone. It is the
	// default policy of a Checker.
	ClosedAuthorizer Authorizer = closedAuthorizer{}
)

type openAuthorizer struct{}

// Authorize implements Authorizer.
func (openAuthorizer) Authorize(_ context.Context, _ map[string]string,
	ops []Op) ([]bool, []checkers.Caveat, error) {

	allowed := make([]bool, len(ops))
	for i := range allowed {
		allowed[i] = true
	}

	return allowed, nil, nil
}

type closedAuthorizer struct{}

// Authorize implements Authorizer.
func (closedAuthorizer) Authorize(_ context.Context, _ map[string]string,
	ops []Op) ([]bool, []checkers.Caveat, error) {

	return make([]bool, len(ops)), nil, nil
}

// AuthorizerFunc implements Authorizer by calling a function for each
// operation in turn.
type AuthorizerFunc func(ctx context.Context, declared map[string]string,
	op Op) (bool, []checkers.Caveat, error)

// Authorize implements Authorizer by calling f with the given declared
// attributes for each operation. Caveats returned by the individual
// calls are concatenated.
func (f AuthorizerFunc) Authorize(ctx context.Context,
	declared map[string]string, ops []Op) ([]bool, []checkers.Caveat,
	error) {

	allowed := make([]bool, len(ops))

	var caveats []checkers.Caveat
	for i, op := range ops {
		ok, opCaveats, err := f(ctx, declared, op)
		if err != nil {
			return nil, nil, err
		}

		allowed[i] = ok
		caveats = append(caveats, opCaveats...)
	}

	return allowed, caveats, nil
}

// ACLAuthorizer is an Authorizer implementation that grants operations
// by access control list membership. The client's user name is taken
// from its declared attributes; an operation is allowed when its ACL
// contains that name or the group Everyone.
type ACLAuthorizer struct {
	// GetACL returns the ACL that applies to the given operation and
	// reports whether unauthenticated clients should also be allowed
	// access when the ACL contains Everyone.
	//
	// If no ACL is found for an operation, it should return an empty
	// list and no error, denying it.
	GetACL func(ctx context.Context, op Op) (acl []string,
		allowPublic bool, err error)

	// IdentityKey holds the declared attribute that names the
	// authenticated user. If it is empty, "username" is used.
	IdentityKey string
}

// Authorize implements Authorizer by checking ACL membership of the
// declared user name.
func (a ACLAuthorizer) Authorize(ctx context.Context,
	declared map[string]string, ops []Op) ([]bool, []checkers.Caveat,
	error) {

	if len(ops) == 0 {
		// Anyone is allowed to do nothing.
		return nil, nil, nil
	}
	if a.GetACL == nil {
		return make([]bool, len(ops)), nil, nil
	}

	identityKey := a.IdentityKey
	if identityKey == "" {
		identityKey = "username"
	}
	user := declared[identityKey]

	allowed := make([]bool, len(ops))
	for i, op := range ops {
		acl, allowPublic, err := a.GetACL(ctx, op)
		if err != nil {
			return nil, nil, err
		}

		if user != "" {
			allowed[i] = aclAllows(acl, user)
		} else {
			allowed[i] = allowPublic && aclAllows(acl, "")
		}
	}

	return allowed, nil, nil
}

// aclAllows reports whether the ACL grants access to the given user
// name. Everyone matches any user, even an empty one.
func aclAllows(acl []string, user string) bool {
	for _, name := range acl {
		if name == Everyone || (name == user && user != "") {
			return true
		}
	}

	return false
}
