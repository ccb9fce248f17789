// Package checkers implements the evaluation of first party caveat
// conditions. Conditions are namespaced strings of the form
// "prefix:name arg" and are checked against the runtime context of a
// verification call (current time, declared attributes, requested
// operations). A Checker holds the set of registered condition
// evaluators keyed by their resolved prefix.
package checkers

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// StdNamespace holds the URI of the standard checkers schema.
const StdNamespace = "std"

// Condition names understood by the standard namespace. First and third
// party caveat conditions are both defined here, even though notionally
// they exist in separate name spaces.
const (
	CondDeclared     = "declared"
	CondTimeBefore   = "time-before"
	CondError        = "error"
	CondAllow        = "allow"
	CondDeny         = "deny"
	CondNeedDeclared = "need-declared"
)

// ErrCaveatNotRecognized is the cause of errors returned from caveat
// checking when the caveat was not recognized. Callers can use this to
// tell an unknown condition apart from a known condition that evaluated
// false.
var ErrCaveatNotRecognized = fmt.Errorf("caveat not recognized")

// Func is the type of a caveat checking function. The cond parameter
// holds the caveat condition including its namespace prefix and the arg
// parameter holds any additional caveat argument text.
type Func func(ctx context.Context, cond, arg string) error

// CheckerInfo holds information on a registered checker.
type CheckerInfo struct {
	// Check holds the actual checker function.
	Check Func

	// Prefix holds the prefix for the checker condition as resolved
	// through the namespace at registration time.
	Prefix string

	// Name holds the name of the checker condition.
	Name string

	// Namespace holds the namespace URI of the checker's schema.
	Namespace string
}

// Checker holds a set of checkers for first party caveat conditions. It
// is the pluggable condition evaluation registry consulted by macaroon
// verification.
type Checker struct {
	namespace *Namespace
	checkers  map[string]CheckerInfo
}

// NewEmpty returns a checker using the given namespace that has no
// registered checkers. If ns is nil a new namespace is created.
func NewEmpty(ns *Namespace) *Checker {
	if ns == nil {
		ns = NewNamespace(nil)
	}
	return &Checker{
		namespace: ns,
		checkers:  make(map[string]CheckerInfo),
	}
}

// New returns a checker with all the standard caveat checkers
// registered, using the given namespace (which may be nil).
func New(ns *Namespace) *Checker {
	c := NewEmpty(ns)
	RegisterStd(c)
	return c
}

// RegisterStd registers all the standard checkers in the given checker.
// If not already present, the standard checkers schema (StdNamespace) is
// added to the checker's namespace with an empty prefix.
func RegisterStd(c *Checker) {
	c.namespace.Register(StdNamespace, "")
	c.Register(CondTimeBefore, StdNamespace, checkTimeBefore)
	c.Register(CondDeclared, StdNamespace, checkDeclared)
	c.Register(CondAllow, StdNamespace, checkAllow)
	c.Register(CondDeny, StdNamespace, checkDeny)
	c.Register(CondError, StdNamespace, checkErrorCaveat)
}

// Register registers the given condition in the given namespace URI to
// be checked with the given check function. It panics if the namespace
// is not registered or if the condition has already been registered.
func (c *Checker) Register(cond, uri string, check Func) {
	if check == nil {
		panic(fmt.Sprintf("no check function registered for "+
			"namespace %q when registering condition %q",
			uri, cond))
	}
	prefix, ok := c.namespace.Resolve(uri)
	if !ok {
		panic(fmt.Sprintf("no prefix registered for namespace %q "+
			"when registering condition %q", uri, cond))
	}
	if prefix == "" && strings.Contains(cond, ":") {
		panic(fmt.Sprintf("caveat condition %q in namespace %q "+
			"contains a colon but its prefix is empty", cond, uri))
	}
	fullCond := ConditionWithPrefix(prefix, cond)
	if info, ok := c.checkers[fullCond]; ok {
		panic(fmt.Sprintf("checker for %q (namespace %q) already "+
			"registered in namespace %q", cond, uri,
			info.Namespace))
	}
	c.checkers[fullCond] = CheckerInfo{
		Check:     check,
		Prefix:    prefix,
		Name:      cond,
		Namespace: uri,
	}
}

// Info returns information on all the registered checkers, sorted by
// namespace and then name.
func (c *Checker) Info() []CheckerInfo {
	infos := make([]CheckerInfo, 0, len(c.checkers))
	for _, info := range c.checkers {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		infoI, infoJ := infos[i], infos[j]
		if infoI.Namespace != infoJ.Namespace {
			return infoI.Namespace < infoJ.Namespace
		}
		return infoI.Name < infoJ.Name
	})

	return infos
}

// Namespace returns the namespace used by the checker to resolve caveat
// condition prefixes at registration time.
func (c *Checker) Namespace() *Namespace {
	return c.namespace
}

// CheckFirstPartyCaveat checks the given caveat condition against the
// registered checkers. An unrecognized condition yields an error
// wrapping ErrCaveatNotRecognized; a recognized condition that does not
// hold yields a plain descriptive error.
func (c *Checker) CheckFirstPartyCaveat(ctx context.Context,
	cav string) error {

	cond, arg, err := ParseCaveat(cav)
	if err != nil {
		return fmt.Errorf("cannot parse caveat %q: %w", cav, err)
	}
	info, ok := c.checkers[cond]
	if !ok {
		return fmt.Errorf("caveat %q not satisfied: %w", cav,
			ErrCaveatNotRecognized)
	}
	if err := info.Check(ctx, cond, arg); err != nil {
		return fmt.Errorf("caveat %q not satisfied: %w", cav, err)
	}

	return nil
}

// checkErrorCaveat checks the "error" caveat, which always fails. It is
// the condition used when a caveat could not be composed.
func checkErrorCaveat(ctx context.Context, cond, arg string) error {
	return fmt.Errorf("bad caveat")
}

// ParseCaveat parses a caveat into an identifier, identifying the
// checker that should be used, and the argument to the checker (the
// rest of the string). The identifier is taken from all the characters
// before the first space character.
func ParseCaveat(cav string) (cond, arg string, err error) {
	if cav == "" {
		return "", "", fmt.Errorf("empty caveat")
	}
	i := strings.IndexByte(cav, ' ')
	if i < 0 {
		return cav, "", nil
	}
	if i == 0 {
		return "", "", fmt.Errorf("caveat starts with space character")
	}

	return cav[0:i], cav[i+1:], nil
}
