package bakery

import (
	"bytes"
	"context"
	"fmt"

	"gopkg.in/macaroon.v2"
)

const (
	// fixedRootKeyLen is the root key length BakeFromRootKey
	// requires, matching the keys generated by the bolt backed root
	// key store.
	fixedRootKeyLen = 32
)

// fixedRootKeyID is the storage id under which a fixed root key is
// addressed.
var fixedRootKeyID = []byte("0")

// fixedRootKeyStore is a RootKeyStore that holds a single caller
// provided root key.
type fixedRootKeyStore struct {
	rootKey []byte
}

// A compile time check to ensure that fixedRootKeyStore implements
// RootKeyStore.
var _ RootKeyStore = (*fixedRootKeyStore)(nil)

// Get returns the root key for the given id. If the item is not there,
// it returns ErrNotFound.
func (s *fixedRootKeyStore) Get(_ context.Context, id []byte) ([]byte,
	error) {

	if !bytes.Equal(id, fixedRootKeyID) {
		return nil, ErrNotFound
	}

	return s.rootKey, nil
}

// RootKey returns the root key to be used for minting a new macaroon,
// and an id that can be used to look it up later with the Get method.
func (s *fixedRootKeyStore) RootKey(context.Context) ([]byte, []byte,
	error) {

	return s.rootKey, fixedRootKeyID, nil
}

// NewFixedRootKeyStore returns a RootKeyStore that always uses the
// given root key. Macaroons baked offline with BakeFromRootKey from the
// same key verify against an oven using this store.
func NewFixedRootKeyStore(rootKey []byte) RootKeyStore {
	return &fixedRootKeyStore{rootKey: rootKey}
}

// BakeFromRootKey mints a new macaroon that is derived directly from
// the given root key and associated with the given operations. No
// persistent store is involved, so the result can be minted offline and
// verified by any service holding the same root key.
func BakeFromRootKey(rootKey []byte, ops ...Op) (*macaroon.Macaroon,
	error) {

	if len(rootKey) != fixedRootKeyLen {
		return nil, fmt.Errorf("root key must be %d bytes, is %d",
			fixedRootKeyLen, len(rootKey))
	}

	store := &fixedRootKeyStore{rootKey: rootKey}
	oven := NewOven(OvenParams{
		RootKeyStoreForOps: func([]Op) RootKeyStore {
			return store
		},
	})

	mac, err := oven.NewMacaroon(
		context.Background(), LatestVersion, nil, ops...,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create macaroon: %w", err)
	}

	return mac.M(), nil
}
