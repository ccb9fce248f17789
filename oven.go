package bakery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// Oven bakes macaroons. They emerge sweet and delicious and ready for
// use in a Checker.
//
// All macaroons are associated with one or more operations (see the Op
// type) which define the capabilities of the macaroon.
//
// There is one special operation, "login" (defined by LoginOp), which
// grants the capability to speak for a particular user. The login
// capability will never be mixed with other capabilities.
//
// It is up to the caller to decide on semantics for other operations.
type Oven struct {
	p OvenParams
}

// OvenParams holds the parameters for creating a new Oven.
type OvenParams struct {
	// Namespace holds the namespace to use when adding first party
	// caveats. If this is nil, checkers.New(nil).Namespace will be
	// used.
	Namespace *checkers.Namespace

	// RootKeyStoreForOps returns the root key store to use for
	// macaroons that authorize the given operations. If this is nil,
	// a new in-memory store will be used for everything.
	RootKeyStoreForOps func(ops []Op) RootKeyStore

	// OpsStore is used to persistently store the operations
	// associated with macaroons that authorize many operations at
	// once, keeping the macaroon ids small. If this is nil, all
	// operations are stored in the macaroon id itself.
	OpsStore OpsStore

	// Key holds the private key pair used to encrypt third party
	// caveats. If this is nil, no third party caveats can be
	// created.
	Key *KeyPair

	// Locator is used to find out information on third parties when
	// adding third party caveats. If this is nil, no non-local third
	// party caveats can be created.
	Locator ThirdPartyLocator

	// Location holds the location that will be associated with new
	// macaroons. This is for informational purposes only.
	Location string
}

// NewOven returns a new oven using the given parameters.
func NewOven(p OvenParams) *Oven {
	if p.Namespace == nil {
		p.Namespace = checkers.New(nil).Namespace()
	}
	if p.RootKeyStoreForOps == nil {
		store := NewMemRootKeyStore()
		p.RootKeyStoreForOps = func(ops []Op) RootKeyStore {
			return store
		}
	}

	return &Oven{p: p}
}

// Key returns the oven's private key pair, if any.
func (o *Oven) Key() *KeyPair {
	return o.p.Key
}

// Locator returns the third party locator the oven was created with.
func (o *Oven) Locator() ThirdPartyLocator {
	return o.p.Locator
}

// Namespace returns the first party caveat namespace used by the oven.
func (o *Oven) Namespace() *checkers.Namespace {
	return o.p.Namespace
}

// NewMacaroon takes a macaroon out of the oven. It creates a new
// macaroon at the given version with the given caveats and associates
// it with the given operations.
func (o *Oven) NewMacaroon(ctx context.Context, version Version,
	caveats []checkers.Caveat, ops ...Op) (*Macaroon, error) {

	if len(ops) == 0 {
		return nil, fmt.Errorf("cannot mint a macaroon associated " +
			"with no operations")
	}
	ops = CanonicalOps(ops)
	rootKey, storageId, err := o.p.RootKeyStoreForOps(ops).RootKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot obtain root key: %w", err)
	}

	id, err := o.newMacaroonId(
		ctx, ops, storageId, o.opsStoreExpiry(caveats),
	)
	if err != nil {
		return nil, err
	}
	encodedId, err := id.encode()
	if err != nil {
		return nil, fmt.Errorf("cannot encode macaroon id: %w", err)
	}

	idBytes := make([]byte, 0, len(encodedId)+1)
	idBytes = append(idBytes, byte(LatestVersion))
	idBytes = append(idBytes, encodedId...)
	if MacaroonVersion(version) == macaroon.V1 {
		// Version 1 macaroons require a valid text id, so base64
		// encode the binary form.
		b64Data := make(
			[]byte, base64.RawURLEncoding.EncodedLen(len(idBytes)),
		)
		base64.RawURLEncoding.Encode(b64Data, idBytes)
		idBytes = b64Data
	}

	log.Debugf("Minting macaroon with storage id %x for %d op(s)",
		storageId, len(ops))

	m, err := NewMacaroon(
		rootKey, idBytes, o.p.Location, version, o.p.Namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create macaroon with id "+
			"%q: %w", idBytes, err)
	}
	if err := m.AddCaveats(ctx, caveats, o.p.Key, o.p.Locator); err != nil {
		return nil, err
	}

	return m, nil
}

// newMacaroonId returns a macaroon id for the given operations. When an
// operations store is configured, a multi-operation set is stored there
// and the id only refers to it.
func (o *Oven) newMacaroonId(ctx context.Context, ops []Op,
	storageId []byte, expiry time.Time) (*macaroonId, error) {

	nonce, err := randomBytes(16)
	if err != nil {
		return nil, err
	}
	if o.p.OpsStore != nil && len(ops) > 1 {
		entity := o.opsEntity(ops)
		err := o.p.OpsStore.PutOps(ctx, entity, ops, expiry)
		if err != nil {
			return nil, fmt.Errorf("cannot store operations: %w",
				err)
		}
		ops = []Op{{Entity: entity, Action: "*"}}
	}

	return &macaroonId{
		nonce:     nonce,
		storageId: storageId,
		ops:       groupedIdOps(ops),
	}, nil
}

// opsEntity returns a collective entity name for the given operations.
// The operations must be in canonical order; the same set of operations
// always maps to the same entity name.
func (o *Oven) opsEntity(ops []Op) string {
	h := sha256.New()
	for _, op := range ops {
		h.Write([]byte(op.Action))
		h.Write([]byte("\n"))
		h.Write([]byte(op.Entity))
		h.Write([]byte("\n"))
	}

	return "multi-" + base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// opsStoreExpiry returns the time after which a stored multi-operation
// entity may be dropped, derived from the earliest expiry caveat in the
// given caveats. The zero time means that the entry never expires.
func (o *Oven) opsStoreExpiry(caveats []checkers.Caveat) time.Time {
	var expiry time.Time
	for _, cav := range caveats {
		if cav.Location != "" {
			continue
		}
		cond, arg, err := checkers.ParseCaveat(
			o.p.Namespace.ResolveCaveat(cav).Condition,
		)
		if err != nil || cond != checkers.CondTimeBefore {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			continue
		}
		if expiry.IsZero() || t.Before(expiry) {
			expiry = t
		}
	}

	return expiry
}

// CanonicalOps returns the given operations in canonical order with all
// duplicates removed. The returned slice is a copy unless ops is
// already canonical.
func CanonicalOps(ops []Op) []Op {
	if slices.IsSortedFunc(ops, opCmp) {
		hasDups := false
		for i := 1; i < len(ops); i++ {
			if ops[i-1] == ops[i] {
				hasDups = true
				break
			}
		}
		if !hasDups {
			return ops
		}
	}
	canonOps := slices.Clone(ops)
	slices.SortFunc(canonOps, opCmp)

	return slices.Compact(canonOps)
}

// opCmp orders operations by entity and then by action.
func opCmp(a, b Op) int {
	if c := strings.Compare(a.Entity, b.Entity); c != 0 {
		return c
	}

	return strings.Compare(a.Action, b.Action)
}

// VerifyMacaroon verifies the signature chain of the given macaroon
// slice and returns the operations it authorizes along with all the
// first party caveat conditions that need to be checked before
// authorization can be granted.
//
// A third party caveat with no matching discharge macaroon in the slice
// results in a DischargeRequiredError naming the unresolved caveats. A
// valid binding chain that fails signature verification results in a
// VerificationError. Any other error should be interpreted as a
// persistent failure.
//
// This method implements MacaroonVerifier.
func (o *Oven) VerifyMacaroon(ctx context.Context,
	ms macaroon.Slice) ([]Op, []string, error) {

	if len(ms) == 0 {
		return nil, nil, fmt.Errorf("no macaroons provided")
	}
	storageId, ops, err := decodeMacaroonId(ms[0].Id())
	if err != nil {
		return nil, nil, err
	}
	rootKey, err := o.p.RootKeyStoreForOps(ops).Get(ctx, storageId)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("cannot get macaroon "+
				"root key: %w", err)
		}

		return nil, nil, verificationError("macaroon not found in " +
			"storage")
	}

	// Look for third party caveats that lack a discharge before
	// checking signatures, as the signature chain cannot be verified
	// while discharges are missing.
	if err := checkDischargeCompleteness(ms); err != nil {
		return nil, nil, err
	}
	conditions, err := ms[0].VerifySignature(rootKey, ms[1:])
	if err != nil {
		return nil, nil, &VerificationError{Reason: err}
	}

	log.Tracef("Verified macaroon with storage id %x", storageId)

	if o.p.OpsStore != nil && len(ops) == 1 &&
		strings.HasPrefix(ops[0].Entity, "multi-") {

		storedOps, err := o.p.OpsStore.GetOps(ctx, ops[0].Entity)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot get operations "+
				"for %q: %w", ops[0].Entity, err)
		}
		ops = storedOps
	}

	return ops, conditions, nil
}

// checkDischargeCompleteness returns a DischargeRequiredError holding
// every third party caveat in ms that has no discharge macaroon in the
// slice.
func checkDischargeCompleteness(ms macaroon.Slice) error {
	dischargeIds := make(map[string]bool, len(ms)-1)
	for _, dm := range ms[1:] {
		dischargeIds[string(dm.Id())] = true
	}
	var unresolved []macaroon.Caveat
	for _, m := range ms {
		for _, cav := range m.Caveats() {
			if len(cav.VerificationId) == 0 ||
				dischargeIds[string(cav.Id)] {

				continue
			}
			unresolved = append(unresolved, cav)
		}
	}
	if len(unresolved) == 0 {
		return nil
	}

	return &DischargeRequiredError{
		Message: fmt.Sprintf("cannot find discharge macaroons for "+
			"%d third party caveats", len(unresolved)),
		Unresolved: unresolved,
	}
}

// decodeMacaroonId decodes a macaroon id into the root key storage id
// and the operations associated with the macaroon.
func decodeMacaroonId(id []byte) ([]byte, []Op, error) {
	base64Decoded := false
	if len(id) > 0 && id[0] == 'A' {
		// The first byte is not a version number and it's 'A',
		// the base64 encoding of the zero top bits of a version
		// 2 or 3 byte, so try to interpret the id as a base64
		// encoded new style id. Old style ids always start with
		// a printable ASCII character well above 3.
		dec := make([]byte, base64.RawURLEncoding.DecodedLen(len(id)))
		n, err := base64.RawURLEncoding.Decode(dec, id)
		if err == nil {
			id = dec[0:n]
			base64Decoded = true
		}
	}
	if len(id) == 0 {
		return nil, nil, verificationError("empty macaroon id")
	}

	var storageId []byte
	switch id[0] {
	case byte(Version2):
		// Old style binary id with a random nonce between the
		// version byte and the storage id.
		if len(id) > 1+16 {
			storageId = id[1+16:]
		}

	case byte(Version3):
		var mid macaroonId
		if err := mid.decode(id[1:]); err != nil {
			return nil, nil, verificationError("no operations " +
				"found in macaroon")
		}
		ops := mid.ops.expand()
		if len(ops) == 0 {
			return nil, nil, verificationError("no operations " +
				"found in macaroon")
		}

		return mid.storageId, ops, nil
	}

	if !base64Decoded && isLowerCaseHexChar(id[0]) {
		// It's an old style id with a hyphen-separated random
		// suffix, so trim the suffix off to recover the storage
		// id.
		if i := bytes.LastIndexByte(id, '-'); i >= 0 {
			storageId = id[:i]
		}
	}

	return storageId, []Op{LoginOp}, nil
}

func isLowerCaseHexChar(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
		return true
	case 'a' <= c && c <= 'f':
		return true
	}

	return false
}
