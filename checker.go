package bakery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// Op holds an entity and action to be authorized on that entity.
type Op struct {
	// Entity holds the name of the entity to be authorized. Entity
	// names should not contain spaces and should not start with the
	// prefix "login" or "multi-" (conventionally, entity names will
	// be prefixed with some string representing their type, for
	// example "worker-34" or "griddle-12").
	Entity string

	// Action holds the action to perform on the entity, for example
	// "read" or "delete".
	Action string
}

// LoginOp represents a login (authentication) operation. A macaroon
// that is associated with this operation generally carries
// authentication information with it.
var LoginOp = Op{
	Entity: "login",
	Action: "login",
}

// FirstPartyCaveatChecker is used to check first party caveats for
// validity with respect to information in the provided context.
type FirstPartyCaveatChecker interface {
	// CheckFirstPartyCaveat checks that the given caveat condition
	// is valid with respect to the given context information.
	CheckFirstPartyCaveat(ctx context.Context, caveat string) error

	// Namespace returns the namespace associated with the caveat
	// checker.
	Namespace() *checkers.Namespace
}

// MacaroonVerifier verifies macaroons and returns the operations and
// conditions they are associated with. An Oven implements this.
type MacaroonVerifier interface {
	// VerifyMacaroon verifies the signature of the given macaroon
	// and returns information on its associated operations and all
	// the first party caveat conditions that need to be checked.
	//
	// This method does not check first party caveats itself.
	//
	// It returns a *VerificationError if the macaroon signature
	// failed or the root key was not found, and a
	// *DischargeRequiredError if the discharge set was incomplete.
	// Any other error is treated as fatal by Checker and terminates
	// authorization.
	VerifyMacaroon(ctx context.Context,
		ms macaroon.Slice) ([]Op, []string, error)
}

// CheckerParams holds parameters for NewChecker.
type CheckerParams struct {
	// Checker is used to check first party caveats when authorizing
	// macaroon based operations. If this is nil, NewChecker will use
	// checkers.New(nil).
	Checker FirstPartyCaveatChecker

	// Authorizer is used to check whether a client is allowed to
	// perform operations that no presented macaroon authorizes
	// directly. If it is nil, NewChecker will use ClosedAuthorizer.
	Authorizer Authorizer

	// MacaroonVerifier is used to verify macaroons.
	MacaroonVerifier MacaroonVerifier

	// Clock is used when evaluating time based caveats. If it is
	// nil, the wall clock is used.
	Clock clock.Clock
}

// Checker wraps a FirstPartyCaveatChecker and adds authentication and
// authorization checks.
//
// It uses macaroons as authorization tokens but it is not itself
// responsible for creating them; see the Oven type for one way of
// doing that.
type Checker struct {
	FirstPartyCaveatChecker
	p CheckerParams
}

// NewChecker returns a new Checker using the given parameters.
func NewChecker(p CheckerParams) *Checker {
	if p.Checker == nil {
		p.Checker = checkers.New(nil)
	}
	if p.Authorizer == nil {
		p.Authorizer = ClosedAuthorizer
	}

	return &Checker{
		FirstPartyCaveatChecker: p.Checker,
		p:                       p,
	}
}

// Auth makes a new AuthChecker instance using the given macaroons to
// inform authorization decisions.
func (c *Checker) Auth(mss ...macaroon.Slice) *AuthChecker {
	return &AuthChecker{
		Checker:   c,
		macaroons: mss,
	}
}

// AuthInfo holds information about an authorization decision.
type AuthInfo struct {
	// Declared holds the attributes declared by the login macaroon
	// used for the decision, if any. It is nil when the client has
	// not authenticated.
	Declared map[string]string

	// Macaroons holds all the macaroons that were presented for the
	// decision, in presentation order.
	Macaroons []macaroon.Slice

	// Used records which of the above macaroons were used in the
	// decision.
	Used []bool

	// OpIndexes holds the index into Macaroons of the macaroon that
	// authorized each operation.
	OpIndexes map[Op]int
}

// AuthChecker authorizes operations with respect to one client
// request's macaroons. The macaroons are verified lazily, when the
// first authorization decision is requested, and the verification
// outcome is shared by all decisions made with the same AuthChecker.
type AuthChecker struct {
	// Checker is used to check first party caveats.
	*Checker

	macaroons []macaroon.Slice

	// initOnce guards the fields below it.
	initOnce   sync.Once
	initError  error
	initErrors []error

	// conditions holds the first party caveat conditions of each
	// verified macaroon in macaroons, indexed in the same order.
	conditions [][]string

	// authIndexes holds, for each operation, the indexes into
	// macaroons of the slices authorizing it, in presentation order.
	authIndexes map[Op][]int

	// declared holds the attributes declared by the first valid
	// login macaroon. It is nil when the client has not
	// authenticated.
	declared map[string]string
}

func (a *AuthChecker) init(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.initError = a.initOnceFunc(ctx)
	})

	return a.initError
}

func (a *AuthChecker) initOnceFunc(ctx context.Context) error {
	a.authIndexes = make(map[Op][]int)
	a.conditions = make([][]string, len(a.macaroons))
	for i, ms := range a.macaroons {
		ops, conditions, err := a.p.MacaroonVerifier.VerifyMacaroon(
			ctx, ms,
		)
		if err != nil {
			if !isVerificationError(err) &&
				!IsDischargeRequiredError(err) {

				return fmt.Errorf("cannot retrieve "+
					"macaroon: %w", err)
			}

			// The macaroon is broken in a way the client may
			// be able to remedy. Remember why and move on to
			// the next one.
			a.initErrors = append(a.initErrors, err)
			continue
		}

		log.Debugf("Checking macaroon %d; ops %v, conditions %q",
			i, ops, conditions)

		a.conditions[i] = conditions

		isLogin := false
		for _, op := range ops {
			if op == LoginOp {
				// Do not associate the macaroon with the
				// login operation until its conditions
				// have been checked below.
				isLogin = true
			} else {
				a.authIndexes[op] = append(
					a.authIndexes[op], i,
				)
			}
		}
		if !isLogin {
			continue
		}

		// It is a login macaroon. Check its conditions now so that
		// every decision made with this AuthChecker sees the same
		// authentication information.
		//
		// If the conditions fail, the macaroon contributes no
		// declared attributes, but it can still authorize its
		// other operations if the conditions hold for those.
		declared, err := a.checkConditions(ctx, LoginOp, conditions)
		if err != nil {
			a.initErrors = append(a.initErrors, fmt.Errorf(
				"cannot authorize login macaroon: %w", err,
			))
			continue
		}
		if a.declared != nil {
			// A previous login macaroon has already established
			// the client's attributes.
			continue
		}

		a.authIndexes[LoginOp] = append(a.authIndexes[LoginOp], i)
		a.declared = declared
	}

	log.Debugf("After init, declared attrs %v, auth indexes %v, "+
		"init errors %v", a.declared, a.authIndexes, a.initErrors)
	log.Tracef("Conditions of presented macaroons: %v",
		spew.Sdump(a.conditions))

	return nil
}

// checkConditions checks the given first party caveat conditions in the
// context of a request for the given operation. It returns the declared
// attributes inferred from the conditions.
func (a *AuthChecker) checkConditions(ctx context.Context, op Op,
	conds []string) (map[string]string, error) {

	declared := checkers.InferDeclaredFromConditions(
		a.Namespace(), conds,
	)
	ctx = checkers.ContextWithOperations(ctx, op.Action)
	ctx = checkers.ContextWithDeclared(ctx, declared)
	ctx = checkers.ContextWithClock(ctx, a.p.Clock)
	for _, cond := range conds {
		err := a.p.Checker.CheckFirstPartyCaveat(ctx, cond)
		if err != nil {
			return nil, err
		}
	}

	return declared, nil
}

// Allow checks that the client is authorized to perform all the given
// operations.
//
// If all the operations are allowed, an AuthInfo is returned holding
// details of the decision.
//
// If an operation was not allowed, an error is returned which may be a
// *DischargeRequiredError holding the caveats that remain to be
// discharged for authorization to proceed.
func (a *AuthChecker) Allow(ctx context.Context, ops ...Op) (*AuthInfo,
	error) {

	authInfo, _, err := a.AllowAny(ctx, ops...)
	if err != nil {
		return nil, err
	}

	return authInfo, nil
}

// AllowAny is like Allow except that it authorizes as many of the
// operations as possible without requiring all of them to succeed. The
// returned slice reports, for each requested operation, whether it was
// allowed; the returned error is the one Allow would return.
//
// The returned *AuthInfo is always non-nil and records the macaroons
// used by the successful authorizations.
func (a *AuthChecker) AllowAny(ctx context.Context, ops ...Op) (*AuthInfo,
	[]bool, error) {

	authed, used, err := a.allowAny(ctx, ops)
	return a.newAuthInfo(used), authed, err
}

func (a *AuthChecker) newAuthInfo(used []bool) *AuthInfo {
	info := &AuthInfo{
		Declared:  a.declared,
		Macaroons: a.macaroons,
		Used:      used,
		OpIndexes: make(map[Op]int),
	}
	for op, mindexes := range a.authIndexes {
		for _, mindex := range mindexes {
			if mindex < len(used) && used[mindex] {
				info.OpIndexes[op] = mindex
				break
			}
		}
	}

	return info
}

// allowAny is the internal version of AllowAny. Instead of an AuthInfo
// it returns a slice describing which macaroons were used in the
// authorization.
func (a *AuthChecker) allowAny(ctx context.Context, ops []Op) (authed,
	used []bool, err error) {

	if err := a.init(ctx); err != nil {
		return nil, nil, err
	}

	used = make([]bool, len(a.macaroons))
	authed = make([]bool, len(ops))
	numAuthed := 0

	var checkErrors []error
	for i, op := range ops {
		if op == LoginOp && len(ops) > 1 {
			// LoginOp cannot be combined with other operations
			// in the same macaroon, so ignore it here; the
			// authentication fallback below still applies.
			continue
		}
		for _, mindex := range a.authIndexes[op] {
			_, err := a.checkConditions(
				ctx, op, a.conditions[mindex],
			)
			if err != nil {
				checkErrors = append(checkErrors, err)
				continue
			}

			authed[i] = true
			numAuthed++
			used[mindex] = true

			// Use the first authorizing macaroon only.
			break
		}
		if op == LoginOp && !authed[i] && a.declared != nil {
			// Allow LoginOp when the client has authenticated
			// even if no macaroon authorizes it specifically.
			authed[i] = true
			numAuthed++
		}
	}
	if a.declared != nil {
		// The client has authenticated as some user, so mark the
		// login macaroon as used even if the operations did not
		// require it. Its conditions were already checked during
		// init.
		for _, i := range a.authIndexes[LoginOp] {
			used[i] = true
		}
	}
	if numAuthed == len(ops) {
		return authed, used, nil
	}

	// Some operations remain unauthorized; consult the authorizer
	// about those.
	need := make([]Op, 0, len(ops)-numAuthed)
	needIndex := make([]int, 0, len(ops)-numAuthed)
	for i, ok := range authed {
		if !ok {
			need = append(need, ops[i])
			needIndex = append(needIndex, i)
		}
	}
	oks, caveats, err := a.p.Authorizer.Authorize(ctx, a.declared, need)
	if err != nil {
		return authed, used, fmt.Errorf(
			"cannot check permissions: %w", err,
		)
	}

	stillNeed := make([]Op, 0, len(need))
	for i := range need {
		if i < len(oks) && oks[i] {
			authed[needIndex[i]] = true
			numAuthed++
		} else {
			stillNeed = append(stillNeed, need[i])
		}
	}
	if len(stillNeed) == 0 && len(caveats) == 0 {
		return authed, used, nil
	}

	log.Debugf("Operations still needed after auth check: %v", stillNeed)

	if len(caveats) == 0 || len(stillNeed) > 0 {
		// A macaroon rejected only for lack of discharges is not a
		// denial: surface the demand so the client can fetch the
		// discharges and present the bundle again.
		for _, ierr := range a.initErrors {
			if IsDischargeRequiredError(ierr) {
				return authed, used, ierr
			}
		}

		allErrors := make([]error, 0,
			len(a.initErrors)+len(checkErrors))
		allErrors = append(allErrors, a.initErrors...)
		allErrors = append(allErrors, checkErrors...)
		if len(allErrors) > 0 {
			log.Debugf("All authorization errors: %v", allErrors)
			return authed, used, fmt.Errorf("%w: %v",
				ErrPermissionDenied, allErrors[0])
		}

		return authed, used, ErrPermissionDenied
	}

	return authed, used, &DischargeRequiredError{
		Message: "some operations have extra caveats",
		Ops:     ops,
		Caveats: caveats,
	}
}

// AllowCapability checks that the client is allowed to perform all the
// given operations. If not, the error is the same one Allow would
// return.
//
// On success it returns the list of first party caveat conditions that
// must be applied to any macaroon granting capability to execute the
// operations, guaranteeing that such a macaroon grants no more than the
// macaroons used in this check.
//
// The operations must include at least one non-login operation.
func (a *AuthChecker) AllowCapability(ctx context.Context,
	ops ...Op) ([]string, error) {

	nops := 0
	for _, op := range ops {
		if op != LoginOp {
			nops++
		}
	}
	if nops == 0 {
		return nil, errors.New(
			"no non-login operations required in capability",
		)
	}

	_, used, err := a.allowAny(ctx, ops)
	if err != nil {
		return nil, err
	}

	var squasher caveatSquasher
	for i, isUsed := range used {
		if !isUsed {
			continue
		}
		for _, cond := range a.conditions[i] {
			squasher.add(cond)
		}
	}

	return squasher.final(), nil
}

// caveatSquasher rationalizes the first party caveats gathered by
// AllowCapability: it keeps only the earliest time-before caveat, drops
// allow, deny and declared caveats, and eliminates duplicates.
type caveatSquasher struct {
	expiry time.Time
	conds  []string
}

func (c *caveatSquasher) add(cond string) {
	if c.add0(cond) {
		c.conds = append(c.conds, cond)
	}
}

func (c *caveatSquasher) add0(cond string) bool {
	cond, arg, err := checkers.ParseCaveat(cond)
	if err != nil {
		// Leave an unparseable condition alone; the final checker
		// will report it properly.
		return true
	}
	switch cond {
	case checkers.CondTimeBefore:
		et, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil || et.IsZero() {
			return true
		}
		if c.expiry.IsZero() || et.Before(c.expiry) {
			c.expiry = et
		}

	case checkers.CondAllow, checkers.CondDeny, checkers.CondDeclared:

	default:
		return true
	}

	return false
}

func (c *caveatSquasher) final() []string {
	if !c.expiry.IsZero() {
		c.conds = append(c.conds, checkers.CondTimeBefore+" "+
			c.expiry.Format(time.RFC3339Nano))
	}
	if len(c.conds) == 0 {
		return nil
	}

	// Make the result deterministic and free of duplicates.
	slices.Sort(c.conds)

	return slices.Compact(c.conds)
}
