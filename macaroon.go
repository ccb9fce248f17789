package bakery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// Macaroon represents an undischarged macaroon along with its first
// party caveat namespace and, for version 3 and later, the encrypted
// caveat information that is stored alongside rather than inside the
// third party caveat ids.
type Macaroon struct {
	m       *macaroon.Macaroon
	version Version
	ns      *checkers.Namespace

	// caveatData maps from caveat id to the encoded caveat
	// information for third party caveats that keep their payload
	// out of the id itself.
	caveatData map[string][]byte

	// caveatIdPrefix is prepended to any new caveat ids allocated
	// for external caveat data. It is set on discharge macaroons so
	// that caveat ids stay short.
	caveatIdPrefix []byte
}

// NewMacaroon creates and returns a new macaroon with the given root
// key, id and location. If the version is more than the latest known
// version, the latest known version is used. The namespace is that of
// the service creating it.
func NewMacaroon(rootKey, id []byte, location string, version Version,
	ns *checkers.Namespace) (*Macaroon, error) {

	if version < Version1 || version > LatestVersion {
		return nil, fmt.Errorf("unknown version %v", version)
	}
	if ns == nil {
		ns = checkers.NewNamespace(nil)
	}
	m, err := macaroon.New(rootKey, id, location, MacaroonVersion(version))
	if err != nil {
		return nil, fmt.Errorf("cannot create macaroon: %w", err)
	}

	return &Macaroon{
		m:       m,
		version: version,
		ns:      ns,
	}, nil
}

// NewLegacyMacaroon returns a new macaroon holding m. This should only
// be used when there is no alternative; for example, when m has been
// unmarshaled from some alien format.
func NewLegacyMacaroon(m *macaroon.Macaroon) (*Macaroon, error) {
	version := Version2
	if m.Version() == macaroon.V1 {
		version = Version1
	}

	return &Macaroon{
		m:       m,
		version: version,
		ns:      legacyNamespace(),
	}, nil
}

// M returns the underlying macaroon held within m.
func (m *Macaroon) M() *macaroon.Macaroon {
	return m.m
}

// Version returns the bakery version of the first party that created
// the macaroon.
func (m *Macaroon) Version() Version {
	return m.version
}

// Namespace returns the first party caveat namespace of the macaroon.
func (m *Macaroon) Namespace() *checkers.Namespace {
	return m.ns
}

// AddCaveats adds all the given caveats to the macaroon. They are
// resolved with respect to the macaroon's namespace.
func (m *Macaroon) AddCaveats(ctx context.Context, cavs []checkers.Caveat,
	key *KeyPair, loc ThirdPartyLocator) error {

	for _, cav := range cavs {
		if err := m.AddCaveat(ctx, cav, key, loc); err != nil {
			return fmt.Errorf("cannot add caveat %#v: %w", cav,
				err)
		}
	}

	return nil
}

// AddCaveat adds a caveat to the macaroon.
//
// If it is a third party caveat, it is encrypted with the given key
// pair and the third party's public key, found through the given
// locator. As a special case, if the caveat's Location field has the
// prefix "local " the caveat is added as a client self-discharge
// caveat (see LocalThirdPartyCaveat).
func (m *Macaroon) AddCaveat(ctx context.Context, cav checkers.Caveat,
	key *KeyPair, loc ThirdPartyLocator) error {

	if cav.Location == "" {
		cond := m.ns.ResolveCaveat(cav).Condition
		if err := m.m.AddFirstPartyCaveat([]byte(cond)); err != nil {
			return fmt.Errorf("cannot add first party caveat: "+
				"%w", err)
		}

		return nil
	}
	if key == nil {
		return fmt.Errorf("no private key to encrypt third party " +
			"caveat")
	}

	var info ThirdPartyInfo
	if localInfo, ok := parseLocalLocation(cav.Location); ok {
		info = localInfo
		cav.Location = "local"
		if cav.Condition != "" {
			return fmt.Errorf("cannot specify caveat condition " +
				"in local third-party caveat")
		}
		cav.Condition = "true"
	} else {
		if loc == nil {
			return fmt.Errorf("no locator when adding third " +
				"party caveat")
		}
		var err error
		info, err = loc.ThirdPartyInfo(ctx, cav.Location)
		if err != nil {
			return fmt.Errorf("cannot find public key for "+
				"location %q: %w", cav.Location, err)
		}
	}

	rootKey, err := randomBytes(24)
	if err != nil {
		return err
	}

	// Use the most recent bakery version that both us and the third
	// party can understand.
	if info.Version > m.version {
		info.Version = m.version
	}
	caveatInfo, err := encodeCaveat(
		cav.Condition, rootKey, info, key, m.ns,
	)
	if err != nil {
		return fmt.Errorf("cannot create third party caveat at "+
			"%q: %w", cav.Location, err)
	}

	var id []byte
	if info.Version < Version3 {
		// Earlier versions will ignore the caveat data, so we
		// need to keep the whole thing in the caveat id.
		id = caveatInfo
	} else {
		if m.caveatData == nil {
			m.caveatData = make(map[string][]byte)
		}
		id = m.newCaveatId(m.caveatIdPrefix)
		m.caveatData[string(id)] = caveatInfo
	}
	if err := m.m.AddThirdPartyCaveat(rootKey, id, cav.Location); err != nil {
		return fmt.Errorf("cannot add third party caveat: %w", err)
	}

	return nil
}

// newCaveatId returns a third party caveat id that does not duplicate
// any third party caveat id already present in the macaroon. The
// returned id has the given base as a prefix.
func (m *Macaroon) newCaveatId(base []byte) []byte {
	var id []byte
	if len(base) > 0 {
		id = make([]byte, len(base), len(base)+binary.MaxVarintLen64)
		copy(id, base)
	} else {
		id = []byte{byte(Version3)}
	}

	// Start counting at the number of ids allocated so far so that
	// parties following the same scheme get a fresh id on the first
	// attempt.
	caveats := m.m.Caveats()
	for i := len(m.caveatData); ; i++ {
		id1 := binary.AppendUvarint(id, uint64(i))
		found := false
		for _, cav := range caveats {
			if cav.VerificationId != nil &&
				bytes.Equal(cav.Id, id1) {

				found = true
				break
			}
		}
		if !found {
			return id1
		}
	}
}

// macaroonJSON is the JSON representation of a Macaroon that carries
// namespace and external caveat data alongside the macaroon itself.
type macaroonJSON struct {
	Macaroon *macaroon.Macaroon `json:"m"`
	Version  Version            `json:"v"`

	// Namespace holds the first party caveat namespace in the format
	// produced by checkers.Namespace.MarshalText.
	Namespace *checkers.Namespace `json:"ns,omitempty"`

	// CaveatData holds the external caveat data, keyed by the
	// base64-encoded caveat id.
	CaveatData map[string]string `json:"cdata,omitempty"`
}

// MarshalJSON implements json.Marshaler by marshaling the macaroon in
// JSON format. Pre-version 3 macaroons marshal to the underlying
// macaroon format with no bakery metadata.
func (m *Macaroon) MarshalJSON() ([]byte, error) {
	if m.version < Version3 {
		if len(m.caveatData) > 0 {
			return nil, fmt.Errorf("cannot marshal pre-version3 " +
				"macaroon with external caveat data")
		}

		return m.m.MarshalJSON()
	}

	mj := macaroonJSON{
		Macaroon:  m.m,
		Version:   m.version,
		Namespace: m.ns,
	}
	if len(m.caveatData) > 0 {
		mj.CaveatData = make(map[string]string, len(m.caveatData))
		for id, data := range m.caveatData {
			key := base64.RawURLEncoding.EncodeToString([]byte(id))
			val := base64.RawURLEncoding.EncodeToString(data)
			mj.CaveatData[key] = val
		}
	}

	return json.Marshal(mj)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both the bakery
// format produced by MarshalJSON and the plain underlying macaroon
// format.
func (m *Macaroon) UnmarshalJSON(data []byte) error {
	var mj macaroonJSON
	if err := json.Unmarshal(data, &mj); err == nil && mj.Macaroon != nil {
		return m.initJSON(&mj)
	}

	// It's a legacy macaroon with no bakery wrapper.
	var m1 macaroon.Macaroon
	if err := m1.UnmarshalJSON(data); err != nil {
		return err
	}
	m2, err := NewLegacyMacaroon(&m1)
	if err != nil {
		return err
	}
	*m = *m2

	return nil
}

func (m *Macaroon) initJSON(mj *macaroonJSON) error {
	if mj.Version < Version3 || mj.Version > LatestVersion {
		return fmt.Errorf("unexpected bakery macaroon version; "+
			"got %d want %d", mj.Version, Version3)
	}
	m.m = mj.Macaroon
	m.version = mj.Version
	m.ns = mj.Namespace
	if m.ns == nil {
		m.ns = checkers.NewNamespace(nil)
	}
	m.caveatData = nil
	if len(mj.CaveatData) > 0 {
		m.caveatData = make(map[string][]byte, len(mj.CaveatData))
		for id64, data64 := range mj.CaveatData {
			id, err := base64.RawURLEncoding.DecodeString(id64)
			if err != nil {
				return fmt.Errorf("cannot decode caveat "+
					"id: %w", err)
			}
			data, err := base64.RawURLEncoding.DecodeString(data64)
			if err != nil {
				return fmt.Errorf("cannot decode caveat "+
					"data: %w", err)
			}
			m.caveatData[string(id)] = data
		}
	}

	return nil
}

// LocalThirdPartyCaveat returns a third party caveat that, when added
// to a macaroon with AddCaveat, results in a caveat with the location
// "local", encrypted with the given public key. When a client holds
// the corresponding private key it can discharge such caveats itself,
// with no network round trip (see DischargeAllWithKey).
func LocalThirdPartyCaveat(key *PublicKey, version Version) checkers.Caveat {
	var loc string
	if version < Version2 {
		loc = "local " + key.String()
	} else {
		loc = fmt.Sprintf("local %d %s", version, key)
	}

	return checkers.Caveat{
		Location: loc,
	}
}

// parseLocalLocation parses a local caveat location as generated by
// LocalThirdPartyCaveat. It returns false if the location is not a
// local location or is malformed.
func parseLocalLocation(loc string) (ThirdPartyInfo, bool) {
	if !strings.HasPrefix(loc, "local ") {
		return ThirdPartyInfo{}, false
	}
	version := Version1
	fields := strings.Fields(loc)
	fields = fields[1:] // Skip "local".
	switch len(fields) {
	case 2:
		v, err := strconv.Atoi(fields[0])
		if err != nil {
			return ThirdPartyInfo{}, false
		}
		version = Version(v)
		fields = fields[1:]
		fallthrough
	case 1:
		var key PublicKey
		if err := key.UnmarshalText([]byte(fields[0])); err != nil {
			return ThirdPartyInfo{}, false
		}

		return ThirdPartyInfo{
			PublicKey: key,
			Version:   version,
		}, true
	default:
		return ThirdPartyInfo{}, false
	}
}
