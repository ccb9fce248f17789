package bakery

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightningnetwork/bakery/checkers"
)

// ThirdPartyCaveatChecker is used to check third party caveats by the
// discharging authority. This interface is deliberately minimal; the
// caveat checking function has the same expressive power as an
// interface with many methods would.
type ThirdPartyCaveatChecker interface {
	// CheckThirdPartyCaveat is used to check whether a client making
	// a discharge request should be allowed a discharge macaroon.
	// The condition to check is in info.Condition. On success it may
	// return a slice of extra caveats to add to the discharge
	// macaroon.
	CheckThirdPartyCaveat(ctx context.Context,
		info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error)
}

// ThirdPartyCaveatCheckerFunc implements ThirdPartyCaveatChecker by
// calling a function.
type ThirdPartyCaveatCheckerFunc func(ctx context.Context,
	info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error)

// CheckThirdPartyCaveat implements ThirdPartyCaveatChecker.
func (f ThirdPartyCaveatCheckerFunc) CheckThirdPartyCaveat(
	ctx context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat,
	error) {

	return f(ctx, info)
}

// DischargeParams holds the parameters for a Discharge call.
type DischargeParams struct {
	// Id holds the id to give to the discharge macaroon. If Caveat
	// is empty, then the id also holds the encrypted third party
	// caveat.
	Id []byte

	// Caveat holds the encrypted third party caveat. If this is
	// empty, the Id parameter holds it instead.
	Caveat []byte

	// Key holds the key pair of the discharging service, used to
	// decrypt the caveat.
	Key *KeyPair

	// Checker is used to check the third party caveat, and may also
	// return further caveats to be added to the discharge macaroon.
	Checker ThirdPartyCaveatChecker

	// Locator is used to find public keys when adding further third
	// party caveats returned by the Checker. It may be nil when no
	// such caveats are expected.
	Locator ThirdPartyLocator
}

// Discharge creates a macaroon to discharge a third party caveat. The
// given parameters specify the caveat and how it should be checked.
//
// The condition implicit in the caveat is checked for validity with
// p.Checker; if valid, a new macaroon is returned that discharges the
// caveat along with any caveats returned from the check.
//
// The macaroon is created with a version derived from the version that
// was used to encode the caveat id.
func Discharge(ctx context.Context, p DischargeParams) (*Macaroon, error) {
	var caveatIdPrefix []byte
	if len(p.Caveat) == 0 {
		// The caveat payload travels in the caveat id itself.
		p.Caveat = p.Id
	} else {
		// The caveat payload travels separately from the id, so
		// any caveat ids we allocate in the discharge macaroon
		// use the discharge id as their prefix to keep them
		// unique with respect to it.
		caveatIdPrefix = p.Id
	}

	cavInfo, err := decodeCaveat(p.Key, p.Caveat)
	if err != nil {
		return nil, fmt.Errorf("discharger cannot decode caveat "+
			"id: %w", err)
	}
	cavInfo.Id = p.Id

	// The error from ParseCaveat is deliberately ignored so that the
	// checker gets to see even conditions we cannot parse.
	cond, arg, _ := checkers.ParseCaveat(cavInfo.Condition)

	log.Debugf("Discharging third party caveat with condition %q",
		cond)

	var caveats []checkers.Caveat
	if cond == checkers.CondNeedDeclared {
		cavInfo.Condition = arg
		caveats, err = checkNeedDeclared(ctx, cavInfo, p.Checker)
	} else {
		caveats, err = p.Checker.CheckThirdPartyCaveat(ctx, cavInfo)
	}
	if err != nil {
		return nil, err
	}

	// The discharge macaroon is minted from the root key carried
	// inside the caveat, so it needs no persistent storage. Storing
	// it would even be harmful, as the stored entry could then pass
	// for an ordinary authorizing macaroon.
	m, err := NewMacaroon(
		cavInfo.RootKey, p.Id, "", cavInfo.Version, cavInfo.Namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create discharge macaroon: "+
			"%w", err)
	}
	m.caveatIdPrefix = caveatIdPrefix
	for _, cav := range caveats {
		if err := m.AddCaveat(ctx, cav, p.Key, p.Locator); err != nil {
			return nil, fmt.Errorf("cannot add caveat: %w", err)
		}
	}

	return m, nil
}

// checkNeedDeclared checks a need-declared caveat, which wraps another
// condition and requires a set of attributes to be declared by the
// discharge. Any required attribute that the checker does not declare
// is declared empty so that the first party sees a definite value.
func checkNeedDeclared(ctx context.Context, cavInfo *ThirdPartyCaveatInfo,
	checker ThirdPartyCaveatChecker) ([]checkers.Caveat, error) {

	arg := cavInfo.Condition
	i := strings.Index(arg, " ")
	if i <= 0 {
		return nil, fmt.Errorf("need-declared caveat requires an "+
			"argument, got %q", arg)
	}
	needDeclared := strings.Split(arg[:i], ",")
	for _, d := range needDeclared {
		if d == "" {
			return nil, fmt.Errorf("need-declared caveat with " +
				"empty required attribute")
		}
	}

	cavInfo.Condition = arg[i+1:]
	caveats, err := checker.CheckThirdPartyCaveat(ctx, cavInfo)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool)
	for _, cav := range caveats {
		if cav.Location != "" {
			continue
		}

		// The parse error is ignored so that the checker may
		// return caveats we don't understand.
		cond, arg, _ := checkers.ParseCaveat(cav.Condition)
		if cond != checkers.CondDeclared {
			continue
		}
		parts := strings.SplitN(arg, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("declared caveat has no value")
		}
		declared[parts[0]] = true
	}

	// Declare everything that was required but not declared by the
	// checker as empty.
	for _, d := range needDeclared {
		if !declared[d] {
			caveats = append(
				caveats, checkers.DeclaredCaveat(d, ""),
			)
		}
	}

	return caveats, nil
}
