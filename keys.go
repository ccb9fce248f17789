package bakery

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeyLen is the byte length of the Curve25519 keys used to encrypt
// third party caveat ids.
const KeyLen = 32

// NonceLen is the byte length of the nonces used when sealing third
// party caveat information.
const NonceLen = 24

// Key is a 256 bit Curve25519 key.
type Key [KeyLen]byte

// PublicKey is a public key that third party caveats can be encrypted
// to.
type PublicKey struct {
	Key
}

// PrivateKey is the private half of a caveat encryption key pair. Its
// String method redacts the key material so that it cannot leak into
// log output; marshaling still round-trips the raw key.
type PrivateKey struct {
	Key
}

// String implements fmt.Stringer by hiding the key material.
func (k PrivateKey) String() string {
	return "<redacted private key>"
}

// KeyPair holds a public/private pair of keys used to encrypt and
// decrypt third party caveat ids.
type KeyPair struct {
	Public  PublicKey  `json:"public"`
	Private PrivateKey `json:"private"`
}

// GenerateKey generates a new key pair.
func GenerateKey() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate key pair: %w", err)
	}

	var key KeyPair
	key.Public.Key = Key(*pub)
	key.Private.Key = Key(*priv)

	return &key, nil
}

// MustGenerateKey is like GenerateKey except that it panics on failure.
// Key generation only fails when the system entropy source does, so
// this is convenient for tests and initialization code.
func MustGenerateKey() *KeyPair {
	key, err := GenerateKey()
	if err != nil {
		panic(err)
	}

	return key
}

// String returns the base64 representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (k Key) MarshalBinary() ([]byte, error) {
	data := make([]byte, len(k))
	copy(data, k[:])

	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) != len(k) {
		return fmt.Errorf("wrong length for key, got %d want %d",
			len(data), len(k))
	}
	copy(k[:], data)

	return nil
}

// MarshalText implements encoding.TextMarshaler, encoding the key as
// standard base64.
func (k Key) MarshalText() ([]byte, error) {
	data := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(data, k[:])

	return data, nil
}

// UnmarshalText implements encoding.TextUnmarshaler, reversing
// MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("cannot base64-decode key: %w", err)
	}

	return k.UnmarshalBinary(data)
}

// boxKey returns the key in the fixed size array form expected by the
// nacl box primitives.
func (k *Key) boxKey() *[KeyLen]byte {
	return (*[KeyLen]byte)(k)
}
