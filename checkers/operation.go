package checkers

import (
	"context"
	"fmt"
	"strings"
)

// opsContextKey is the context key used to associate a set of requested
// operations with a checking context.
type opsContextKey struct{}

// ContextWithOperations returns a context which is associated with the
// given operations. The allow and deny caveat conditions will check
// their arguments against the operations in the context.
func ContextWithOperations(ctx context.Context,
	ops ...string) context.Context {

	return context.WithValue(ctx, opsContextKey{}, ops)
}

// operationsFromContext returns the operations previously associated
// with ctx, or nil if there are none.
func operationsFromContext(ctx context.Context) []string {
	ops, _ := ctx.Value(opsContextKey{}).([]string)
	return ops
}

// AllowCaveat returns a caveat that will deny attempts to use the
// macaroon to perform any operation other than those listed. Operations
// must not contain a space.
func AllowCaveat(op ...string) Caveat {
	if len(op) == 0 {
		return ErrorCaveatf("no operations allowed")
	}
	return operationCaveat(CondAllow, op)
}

// DenyCaveat returns a caveat that will deny attempts to use the
// macaroon to perform any of the listed operations. Operations must not
// contain a space.
func DenyCaveat(op ...string) Caveat {
	return operationCaveat(CondDeny, op)
}

// operationCaveat is a helper for AllowCaveat and DenyCaveat. It checks
// that all operation names are valid before creating the caveat.
func operationCaveat(cond string, op []string) Caveat {
	for _, o := range op {
		if strings.Contains(o, " ") {
			return ErrorCaveatf(
				"invalid operation name %q", o,
			)
		}
	}

	return firstParty(cond, strings.Join(op, " "))
}

// checkAllow checks the "allow" caveat condition: all the operations in
// the context must be present in the caveat's argument list.
func checkAllow(ctx context.Context, cond, arg string) error {
	return checkOperations(ctx, true, arg)
}

// checkDeny checks the "deny" caveat condition: none of the operations
// in the context may be present in the caveat's argument list.
func checkDeny(ctx context.Context, cond, arg string) error {
	return checkOperations(ctx, false, arg)
}

// checkOperations checks an allow or deny caveat. The need parameter
// specifies whether the operations in the caveat argument are allowed
// or denied.
func checkOperations(ctx context.Context, need bool, arg string) error {
	ctxOps := operationsFromContext(ctx)
	if len(ctxOps) == 0 {
		if !need {
			return nil
		}
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return fmt.Errorf("no operations allowed")
		}
		return fmt.Errorf("%s not allowed", fields[0])
	}

	fields := strings.Fields(arg)
	for _, op := range ctxOps {
		if err := checkOp(op, need, fields); err != nil {
			return err
		}
	}

	return nil
}

// checkOp checks a single context operation against the caveat's
// operation list.
func checkOp(ctxOp string, need bool, fields []string) error {
	// Note: this is a linear search, which isn't a problem as the
	// lists involved are small.
	for _, op := range fields {
		if op != ctxOp {
			continue
		}
		if !need {
			return fmt.Errorf("%s not allowed", ctxOp)
		}
		return nil
	}
	if need {
		return fmt.Errorf("%s not allowed", ctxOp)
	}

	return nil
}
