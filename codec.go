package bakery

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/lightningnetwork/bakery/checkers"
)

// publicKeyPrefixLen is the number of third party public key bytes
// carried in the clear by v2 and v3 caveat ids, enough for the third
// party to select the right key pair without revealing the whole key.
const publicKeyPrefixLen = 4

// ThirdPartyCaveatInfo holds the information decoded from a third party
// caveat id.
type ThirdPartyCaveatInfo struct {
	// Condition holds the third party condition to be discharged.
	// This is the only field that most third party dischargers will
	// need to consider.
	Condition string

	// FirstPartyPublicKey holds the public key of the party that
	// created the third party caveat.
	FirstPartyPublicKey PublicKey

	// ThirdPartyKeyPair holds the key pair used to decrypt the
	// caveat, which is the key pair of the discharging service.
	ThirdPartyKeyPair KeyPair

	// RootKey holds the secret root key encoded by the caveat.
	RootKey []byte

	// Caveat holds the full encoded caveat id from which all the
	// other fields are derived.
	Caveat []byte

	// Version holds the version that was used to encode the caveat
	// id.
	Version Version

	// Id holds the id to give to the discharge macaroon. This is the
	// same as Caveat unless the caveat information traveled
	// separately from the macaroon's caveat id.
	Id []byte

	// Namespace holds the first party caveat namespace of the party
	// that created the macaroon, as encoded by the party that added
	// the third party caveat.
	Namespace *checkers.Namespace
}

// legacyNamespace returns the standard namespace as implied by
// pre-version3 caveat ids, which carry no namespace information.
func legacyNamespace() *checkers.Namespace {
	ns := checkers.NewNamespace(nil)
	ns.Register(checkers.StdNamespace, "")

	return ns
}

// encodeCaveat seals the given condition and root key into a caveat id
// addressed to the third party described by thirdPartyInfo. The third
// party's bakery version selects the wire format; key is the key pair
// of the party adding the caveat.
func encodeCaveat(condition string, rootKey []byte,
	thirdPartyInfo ThirdPartyInfo, key *KeyPair,
	ns *checkers.Namespace) ([]byte, error) {

	switch thirdPartyInfo.Version {
	case Version0, Version1:
		return encodeCaveatV1(
			condition, rootKey, &thirdPartyInfo.PublicKey, key,
		)

	case Version2:
		return encodeCaveatV2(
			condition, rootKey, &thirdPartyInfo.PublicKey, key,
		)

	default:
		// Version 3 and any later version the third party claims:
		// our latest format.
		return encodeCaveatV3(
			condition, rootKey, &thirdPartyInfo.PublicKey, key, ns,
		)
	}
}

// caveatJSON is the clear text wrapper of a v1 caveat id. The whole
// structure is base64 encoded on the wire so that it remains valid
// text for version 1 macaroons.
type caveatJSON struct {
	ThirdPartyPublicKey *PublicKey
	FirstPartyPublicKey *PublicKey
	Nonce               []byte
	Id                  string
}

// caveatRecordJSON is the encrypted payload of a v1 caveat id.
type caveatRecordJSON struct {
	RootKey   []byte
	Condition string
}

func encodeCaveatV1(condition string, rootKey []byte,
	thirdPartyPubKey *PublicKey, key *KeyPair) ([]byte, error) {

	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cannot generate nonce: %w", err)
	}

	plain, err := json.Marshal(caveatRecordJSON{
		RootKey:   rootKey,
		Condition: condition,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal caveat record: %w",
			err)
	}

	sealed := box.Seal(
		nil, plain, &nonce, thirdPartyPubKey.boxKey(),
		key.Private.boxKey(),
	)
	full, err := json.Marshal(caveatJSON{
		ThirdPartyPublicKey: thirdPartyPubKey,
		FirstPartyPublicKey: &key.Public,
		Nonce:               nonce[:],
		Id:                  base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal caveat id: %w", err)
	}

	buf := make([]byte, base64.StdEncoding.EncodedLen(len(full)))
	base64.StdEncoding.Encode(buf, full)

	return buf, nil
}

func encodeCaveatV2(condition string, rootKey []byte,
	thirdPartyPubKey *PublicKey, key *KeyPair) ([]byte, error) {

	return encodeCaveatV2V3(
		Version2, condition, rootKey, thirdPartyPubKey, key, nil,
	)
}

func encodeCaveatV3(condition string, rootKey []byte,
	thirdPartyPubKey *PublicKey, key *KeyPair,
	ns *checkers.Namespace) ([]byte, error) {

	nsData, err := ns.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("cannot marshal namespace: %w", err)
	}

	return encodeCaveatV2V3(
		Version3, condition, rootKey, thirdPartyPubKey, key, nsData,
	)
}

// encodeCaveatV2V3 encodes a binary format caveat id:
//
//	version[1] | thirdPartyPubKey[4] | firstPartyPubKey[32] |
//	nonce[24] | box.Seal(secretPart)
func encodeCaveatV2V3(version Version, condition string, rootKey []byte,
	thirdPartyPubKey *PublicKey, key *KeyPair,
	nsData []byte) ([]byte, error) {

	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cannot generate nonce: %w", err)
	}

	data := make(
		[]byte, 0,
		1+publicKeyPrefixLen+KeyLen+NonceLen+
			len(condition)+len(rootKey)+box.Overhead+32,
	)
	data = append(data, byte(version))
	data = append(data, thirdPartyPubKey.Key[:publicKeyPrefixLen]...)
	data = append(data, key.Public.Key[:]...)
	data = append(data, nonce[:]...)

	secret := encodeSecretPartV2V3(version, condition, rootKey, nsData)

	return box.Seal(
		data, secret, &nonce, thirdPartyPubKey.boxKey(),
		key.Private.boxKey(),
	), nil
}

// encodeSecretPartV2V3 encodes the encrypted part of a binary format
// caveat id:
//
//	version[1] | len(rootKey)[uvarint] | rootKey |
//	(v3 only: len(ns)[uvarint] | ns) | condition[rest]
func encodeSecretPartV2V3(version Version, condition string,
	rootKey, nsData []byte) []byte {

	data := make(
		[]byte, 0,
		1+binary.MaxVarintLen64+len(rootKey)+len(nsData)+
			len(condition),
	)
	data = append(data, byte(version))
	data = binary.AppendUvarint(data, uint64(len(rootKey)))
	data = append(data, rootKey...)
	if version >= Version3 {
		data = binary.AppendUvarint(data, uint64(len(nsData)))
		data = append(data, nsData...)
	}

	return append(data, condition...)
}

// decodeCaveat decodes and decrypts the given caveat id using key, the
// key pair of the third party the caveat is addressed to.
func decodeCaveat(key *KeyPair, caveat []byte) (*ThirdPartyCaveatInfo,
	error) {

	if len(caveat) == 0 {
		return nil, fmt.Errorf("empty third party caveat")
	}

	switch caveat[0] {
	case byte(Version2):
		return decodeCaveatV2V3(Version2, key, caveat)

	case byte(Version3):
		return decodeCaveatV2V3(Version3, key, caveat)

	case 'e':
		// 'e' is the first byte of the base64 encoding of a JSON
		// object ("ey" encodes "{\""), so this is a v1 caveat id.
		return decodeCaveatV1(key, caveat)

	default:
		return nil, fmt.Errorf("caveat has unsupported version "+
			"%d: %w", caveat[0], ErrUnknownVersion)
	}
}

func decodeCaveatV1(key *KeyPair, caveat []byte) (*ThirdPartyCaveatInfo,
	error) {

	data := make([]byte, base64.StdEncoding.DecodedLen(len(caveat)))
	n, err := base64.StdEncoding.Decode(data, caveat)
	if err != nil {
		return nil, fmt.Errorf("cannot base64-decode caveat: %w", err)
	}
	data = data[:n]

	var wrapper caveatJSON
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("cannot unmarshal caveat: %w", err)
	}

	if wrapper.ThirdPartyPublicKey == nil || !bytes.Equal(
		wrapper.ThirdPartyPublicKey.Key[:], key.Public.Key[:],
	) {

		return nil, fmt.Errorf("public key mismatch")
	}
	if wrapper.FirstPartyPublicKey == nil {
		return nil, fmt.Errorf("target service public key not " +
			"specified")
	}

	// The sealed part is doubly base64 encoded in the JSON
	// representation.
	sealed, err := base64.StdEncoding.DecodeString(wrapper.Id)
	if err != nil {
		return nil, fmt.Errorf("cannot base64-decode encrypted "+
			"part of caveat: %w", err)
	}

	var nonce [NonceLen]byte
	if len(wrapper.Nonce) != NonceLen {
		return nil, fmt.Errorf("bad nonce length %d",
			len(wrapper.Nonce))
	}
	copy(nonce[:], wrapper.Nonce)

	plain, ok := box.Open(
		nil, sealed, &nonce, wrapper.FirstPartyPublicKey.boxKey(),
		key.Private.boxKey(),
	)
	if !ok {
		return nil, fmt.Errorf("cannot decrypt caveat id: %w",
			errDecryption)
	}

	var record caveatRecordJSON
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, fmt.Errorf("cannot unmarshal secret part of "+
			"caveat: %w", err)
	}

	return &ThirdPartyCaveatInfo{
		Condition:           record.Condition,
		FirstPartyPublicKey: *wrapper.FirstPartyPublicKey,
		ThirdPartyKeyPair:   *key,
		RootKey:             record.RootKey,
		Caveat:              caveat,
		Version:             Version1,
		Namespace:           legacyNamespace(),
	}, nil
}

func decodeCaveatV2V3(version Version, key *KeyPair,
	caveat []byte) (*ThirdPartyCaveatInfo, error) {

	origCaveat := caveat
	if len(caveat) < 1+publicKeyPrefixLen+KeyLen+NonceLen+box.Overhead {
		return nil, fmt.Errorf("caveat id too short")
	}

	// The version byte has already been inspected by decodeCaveat.
	caveat = caveat[1:]

	pkPrefix := caveat[:publicKeyPrefixLen]
	caveat = caveat[publicKeyPrefixLen:]
	if !bytes.Equal(key.Public.Key[:publicKeyPrefixLen], pkPrefix) {
		return nil, fmt.Errorf("public key mismatch")
	}

	var firstPartyPub PublicKey
	copy(firstPartyPub.Key[:], caveat[:KeyLen])
	caveat = caveat[KeyLen:]

	var nonce [NonceLen]byte
	copy(nonce[:], caveat[:NonceLen])
	caveat = caveat[NonceLen:]

	plain, ok := box.Open(
		nil, caveat, &nonce, firstPartyPub.boxKey(),
		key.Private.boxKey(),
	)
	if !ok {
		return nil, fmt.Errorf("cannot decrypt caveat id: %w",
			errDecryption)
	}

	rootKey, ns, condition, err := decodeSecretPartV2V3(version, plain)
	if err != nil {
		return nil, fmt.Errorf("invalid secret part: %w", err)
	}

	return &ThirdPartyCaveatInfo{
		Condition:           string(condition),
		FirstPartyPublicKey: firstPartyPub,
		ThirdPartyKeyPair:   *key,
		RootKey:             rootKey,
		Caveat:              origCaveat,
		Version:             version,
		Namespace:           ns,
	}, nil
}

func decodeSecretPartV2V3(version Version, data []byte) (rootKey []byte,
	ns *checkers.Namespace, condition []byte, err error) {

	if len(data) < 1 {
		return nil, nil, nil, fmt.Errorf("secret part too short")
	}

	gotVersion := data[0]
	data = data[1:]
	if version != Version(gotVersion) {
		return nil, nil, nil, fmt.Errorf("unexpected secret part "+
			"version, got %d want %d", gotVersion, version)
	}

	keyLen, n := binary.Uvarint(data)
	if n <= 0 || keyLen > uint64(len(data)-n) {
		return nil, nil, nil, fmt.Errorf("invalid root key length")
	}
	data = data[n:]
	rootKey = data[:keyLen]
	data = data[keyLen:]

	if version >= Version3 {
		nsLen, n := binary.Uvarint(data)
		if n <= 0 || nsLen > uint64(len(data)-n) {
			return nil, nil, nil, fmt.Errorf("invalid " +
				"namespace length")
		}
		data = data[n:]

		ns = new(checkers.Namespace)
		if err := ns.UnmarshalText(data[:nsLen]); err != nil {
			return nil, nil, nil, fmt.Errorf("invalid "+
				"namespace: %w", err)
		}
		data = data[nsLen:]
	} else {
		ns = legacyNamespace()
	}

	return rootKey, ns, data, nil
}
