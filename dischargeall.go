package bakery

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// needCaveat holds a third party caveat waiting to be discharged.
type needCaveat struct {
	// cav holds the caveat as it appears in the macaroon carrying
	// it.
	cav macaroon.Caveat

	// encryptedCaveat holds the encrypted caveat payload when the
	// carrying macaroon keeps it outside the caveat id.
	encryptedCaveat []byte
}

// DischargeAll gathers discharge macaroons for all the third party
// caveats in m (and any subsequent caveats required by those) using
// getDischarge to acquire each discharge macaroon. It returns a slice
// with m as the first element, followed by all the discharge macaroons
// bound to m's signature.
//
// The returned macaroon slice is not stored in m.
func DischargeAll(ctx context.Context, m *Macaroon,
	getDischarge DischargeFetcher) (macaroon.Slice, error) {

	return DischargeAllWithKey(ctx, m, getDischarge, nil)
}

// DischargeFetcher obtains a discharge macaroon for the given third
// party caveat. The payload argument holds the encrypted caveat
// payload when the caveat carries one outside its id, and is empty
// otherwise.
type DischargeFetcher func(ctx context.Context, cav macaroon.Caveat,
	payload []byte) (*Macaroon, error)

// DischargeAllWithKey is like DischargeAll except that localKey may
// optionally hold the key of the client, in which case it is used to
// discharge any third party caveats with the special location "local"
// in process, with no fetch.
//
// Discharges are gathered breadth first: all the caveats that are
// known to need a discharge at the same time are fetched concurrently,
// then any new caveats added by those discharges form the next round.
// A caveat id that comes up a second time means the third parties
// involved refer to each other cyclically, which is reported as an
// error wrapping ErrDischargeLoop rather than fetched forever.
func DischargeAllWithKey(ctx context.Context, m *Macaroon,
	getDischarge DischargeFetcher,
	localKey *KeyPair) (macaroon.Slice, error) {

	primary := m.M()
	sig := primary.Signature()

	discharges := macaroon.Slice{primary}
	seen := fn.NewSet[string]()
	var level []needCaveat

	// enqueue adds all the undischarged third party caveats of the
	// given macaroon to the next round.
	enqueue := func(src *Macaroon) error {
		for _, cav := range src.M().Caveats() {
			if len(cav.VerificationId) == 0 {
				continue
			}
			id := string(cav.Id)
			if seen.Contains(id) {
				return fmt.Errorf("repeated caveat id %q: %w",
					cav.Id, ErrDischargeLoop)
			}
			seen.Add(id)
			level = append(level, needCaveat{
				cav:             cav,
				encryptedCaveat: src.caveatData[id],
			})
		}

		return nil
	}
	if err := enqueue(m); err != nil {
		return nil, err
	}

	for len(level) > 0 {
		current := level
		level = nil

		log.Tracef("Fetching discharges for %d third party "+
			"caveat(s)", len(current))

		fetched := make([]*Macaroon, len(current))
		g, gctx := errgroup.WithContext(ctx)
		for i, need := range current {
			g.Go(func() error {
				dm, err := fetchDischarge(
					gctx, need, getDischarge, localKey,
				)
				if err != nil {
					return err
				}
				fetched[i] = dm

				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Merge in submission order so that the result, and any
		// loop detection, is deterministic.
		for _, dm := range fetched {
			// Binding invalidates the discharge macaroon,
			// which is fine because dm is discarded below.
			discharge := dm.M()
			discharge.Bind(sig)
			discharges = append(discharges, discharge)
			if err := enqueue(dm); err != nil {
				return nil, err
			}
		}
	}

	return discharges, nil
}

// fetchDischarge obtains a single discharge macaroon, in process for
// "local" caveats when a client key is available and through the
// fetcher otherwise.
func fetchDischarge(ctx context.Context, need needCaveat,
	getDischarge DischargeFetcher, localKey *KeyPair) (*Macaroon,
	error) {

	if localKey != nil && need.cav.Location == "local" {
		// TODO: allocate short caveat ids here too, the way
		// remote dischargers do via the id prefix.
		dm, err := Discharge(ctx, DischargeParams{
			Key:     localKey,
			Checker: localDischargeChecker,
			Id:      need.cav.Id,
			Caveat:  need.encryptedCaveat,
		})
		if err != nil {
			return nil, &DischargeFetchError{
				Location: need.cav.Location,
				Cause:    err,
			}
		}

		return dm, nil
	}

	dm, err := getDischarge(ctx, need.cav, need.encryptedCaveat)
	if err != nil {
		return nil, &DischargeFetchError{
			Location: need.cav.Location,
			Cause:    err,
		}
	}

	return dm, nil
}

// localDischargeChecker discharges the caveats that a client adds
// addressed to its own key. Such caveats always hold the condition
// "true".
var localDischargeChecker = ThirdPartyCaveatCheckerFunc(func(
	_ context.Context, info *ThirdPartyCaveatInfo) ([]checkers.Caveat,
	error) {

	if info.Condition != "true" {
		return nil, checkers.ErrCaveatNotRecognized
	}

	return nil, nil
})
