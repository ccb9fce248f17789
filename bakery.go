// Package bakery implements a macaroon based authorization layer. An
// Oven mints macaroons tied to operations, a Checker authorizes
// requests presented with macaroons, and the Discharge functions
// implement the third party caveat protocol between them.
package bakery

import (
	"github.com/lightningnetwork/lnd/clock"

	"github.com/lightningnetwork/bakery/checkers"
)

// Bakery is a convenience type that contains both an Oven and a
// Checker sharing the same configuration.
type Bakery struct {
	Oven    *Oven
	Checker *Checker
}

// BakeryParams holds a selection of parameters for the Oven and the
// Checker created by New.
//
// For more fine grained control of parameters, create the Oven or
// Checker directly.
type BakeryParams struct {
	// Checker is used to check first party caveats when authorizing.
	// If this is nil, a new checker with the standard namespace will
	// be used.
	Checker FirstPartyCaveatChecker

	// RootKeyStore holds the root key store to use. If this is nil, a
	// new in-memory root key store will be used.
	RootKeyStore RootKeyStore

	// OpsStore holds the operations store that backs macaroons
	// associated with large operation sets. If this is nil, all
	// operations are stored in the macaroon ids directly.
	OpsStore OpsStore

	// Locator is used to find out information on third parties when
	// adding third party caveats. If this is nil, no non-local third
	// party caveats can be created.
	Locator ThirdPartyLocator

	// Key holds the private key pair of the oven, used to mint
	// macaroons with third party caveats. If this is nil, a new key
	// pair will be generated, so third party caveats minted before a
	// restart cannot be discharged after it.
	Key *KeyPair

	// Authorizer is used to check whether an authenticated client is
	// allowed to perform operations. If this is nil, a closed
	// authorizer will be used which denies everything not authorized
	// by a macaroon.
	Authorizer Authorizer

	// Location holds the location to use when creating new macaroons.
	Location string

	// Clock supplies the time used when checking time-before caveats.
	// If this is nil, the wall clock will be used.
	Clock clock.Clock
}

// New returns a new Bakery instance which combines an Oven with a
// Checker configured from the given parameters.
func New(p BakeryParams) *Bakery {
	if p.Checker == nil {
		p.Checker = checkers.New(nil)
	}
	if p.Key == nil {
		p.Key = MustGenerateKey()
	}

	ovenParams := OvenParams{
		Key:       p.Key,
		Namespace: p.Checker.Namespace(),
		Location:  p.Location,
		Locator:   p.Locator,
		OpsStore:  p.OpsStore,
	}
	if p.RootKeyStore != nil {
		ovenParams.RootKeyStoreForOps = func([]Op) RootKeyStore {
			return p.RootKeyStore
		}
	}
	oven := NewOven(ovenParams)

	checker := NewChecker(CheckerParams{
		Checker:          p.Checker,
		Authorizer:       p.Authorizer,
		MacaroonVerifier: oven,
		Clock:            p.Clock,
	})

	return &Bakery{
		Oven:    oven,
		Checker: checker,
	}
}
