package checkers

import (
	"context"
	"fmt"
	"strings"

	macaroon "gopkg.in/macaroon.v2"
)

// declaredContextKey is the context key used to associate a set of
// declared attributes with a checking context.
type declaredContextKey struct{}

// ContextWithDeclared returns a context with attached declared
// information, as returned from InferDeclared.
func ContextWithDeclared(ctx context.Context,
	declared map[string]string) context.Context {

	return context.WithValue(ctx, declaredContextKey{}, declared)
}

// declaredFromContext returns the declared attributes previously
// associated with ctx, or nil if there are none.
func declaredFromContext(ctx context.Context) map[string]string {
	declared, _ := ctx.Value(declaredContextKey{}).(map[string]string)
	return declared
}

// DeclaredCaveat returns a "declared" caveat asserting that the given
// key is set to the given value. When the caveat is checked, the value
// must be checked against the attributes in the checking context.
//
// If a key is declared several times within a macaroon set with
// different values, the meaning is that the key has no declared value
// and any check of that key will fail.
func DeclaredCaveat(key string, value string) Caveat {
	if strings.Contains(key, " ") || key == "" {
		return ErrorCaveatf("invalid caveat 'declared' key %q", key)
	}
	return firstParty(CondDeclared, key+" "+value)
}

// NeedDeclaredCaveat returns a third party caveat that wraps the
// provided third party caveat and requires that the third party must
// add "declared" caveats for all the named keys.
func NeedDeclaredCaveat(cav Caveat, keys ...string) Caveat {
	if cav.Location == "" {
		return ErrorCaveatf("need-declared caveat is not third-party")
	}
	return Caveat{
		Location: cav.Location,
		Condition: CondNeedDeclared + " " +
			strings.Join(keys, ",") + " " + cav.Condition,
	}
}

// checkDeclared checks the "declared" caveat condition against the
// declared attribute map carried in the context.
func checkDeclared(ctx context.Context, cond, arg string) error {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 {
		return fmt.Errorf("declared caveat has no value")
	}
	attrs := declaredFromContext(ctx)
	val, ok := attrs[parts[0]]
	if !ok {
		return fmt.Errorf("got %s=null, expected %q", parts[0],
			parts[1])
	}
	if val != parts[1] {
		return fmt.Errorf("got %s=%q, expected %q", parts[0], val,
			parts[1])
	}

	return nil
}

// InferDeclared retrieves any declared information from the given
// macaroons and returns it as a key-value map. Only first party caveats
// are considered. If a key is declared more than once with different
// values, it is omitted from the map so that a later check of the key
// fails.
func InferDeclared(ns *Namespace, ms macaroon.Slice) map[string]string {
	var conditions []string
	for _, m := range ms {
		for _, cav := range m.Caveats() {
			if cav.Location == "" {
				conditions = append(
					conditions, string(cav.Id),
				)
			}
		}
	}

	return InferDeclaredFromConditions(ns, conditions)
}

// InferDeclaredFromConditions is like InferDeclared except that it
// is passed the first party caveat conditions rather than the macaroons
// themselves.
func InferDeclaredFromConditions(ns *Namespace,
	conds []string) map[string]string {

	var conflicts []string
	prefix, _ := ns.Resolve(StdNamespace)
	declaredCond := ConditionWithPrefix(prefix, CondDeclared)

	info := make(map[string]string)
	for _, cond := range conds {
		name, rest, _ := ParseCaveat(cond)
		if name != declaredCond {
			continue
		}
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if oldVal, ok := info[key]; ok && oldVal != val {
			conflicts = append(conflicts, key)
			continue
		}
		info[key] = val
	}
	for _, key := range conflicts {
		delete(info, key)
	}

	return info
}
