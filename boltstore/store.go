// Package boltstore persists macaroon root keys in a bolt backed
// database, so macaroons minted by a service remain verifiable across
// restarts.
package boltstore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"go.etcd.io/bbolt"

	"github.com/lightningnetwork/bakery"
)

const (
	// RootKeyLen is the length of a generated root key.
	RootKeyLen = 32
)

var (
	// rootKeyBucketName is the name of the bucket holding the root
	// keys, indexed by id.
	rootKeyBucketName = []byte("macaroon-root-keys")

	// activeKeyName is the bucket key under which the id of the
	// currently active root key is stored. Ids handed out for root
	// keys are 8 byte sequence numbers, so they can never collide
	// with this name.
	activeKeyName = []byte("active")
)

// RootKeyStore is a bakery.RootKeyStore that keeps macaroon root keys
// in a bolt database. Each generated root key is stored under a fresh
// id drawn from the bucket sequence and rotation only changes which key
// new macaroons are minted with, so macaroons minted against earlier
// keys keep verifying until their key is removed from the database.
type RootKeyStore struct {
	db *bbolt.DB
}

// A compile time check to ensure RootKeyStore implements the
// bakery.RootKeyStore interface.
var _ bakery.RootKeyStore = (*RootKeyStore)(nil)

// NewRootKeyStore returns a store persisting root keys in the given
// database, creating the backing bucket if it does not exist yet.
func NewRootKeyStore(db *bbolt.DB) (*RootKeyStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootKeyBucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create root key bucket: %w",
			err)
	}

	return &RootKeyStore{db: db}, nil
}

// Get returns the root key with the given id. If no key with that id
// exists, bakery.ErrNotFound is returned.
func (s *RootKeyStore) Get(_ context.Context, id []byte) ([]byte, error) {
	var rootKey []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(rootKeyBucketName).Get(id)
		if len(key) == 0 {
			return bakery.ErrNotFound
		}

		// The value is only valid for the duration of the
		// transaction, so return a copy.
		rootKey = append([]byte(nil), key...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rootKey, nil
}

// RootKey returns the active root key, generating and persisting one
// first if the store holds none yet.
func (s *RootKeyStore) RootKey(context.Context) ([]byte, []byte, error) {
	var rootKey, id []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootKeyBucketName)
		if activeId := bucket.Get(activeKeyName); activeId != nil {
			key := bucket.Get(activeId)
			if len(key) == 0 {
				return fmt.Errorf("active root key %x is "+
					"missing from the store", activeId)
			}
			id = append([]byte(nil), activeId...)
			rootKey = append([]byte(nil), key...)

			return nil
		}

		var err error
		rootKey, id, err = createRootKey(bucket)
		if err != nil {
			return err
		}

		log.Debugf("Generated initial macaroon root key with id %x",
			id)

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return rootKey, id, nil
}

// GenerateNewRootKey generates a new root key and makes it the active
// one used for minting new macaroons. Previously generated keys remain
// in the store, so macaroons minted against them stay verifiable.
func (s *RootKeyStore) GenerateNewRootKey() error {
	var id []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		_, id, err = createRootKey(tx.Bucket(rootKeyBucketName))
		return err
	})
	if err != nil {
		return err
	}

	log.Infof("Rotated macaroon root key, new active id %x", id)

	return nil
}

// createRootKey stores a fresh random root key under the next sequence
// id and marks it active.
func createRootKey(bucket *bbolt.Bucket) (rootKey, id []byte, err error) {
	seq, err := bucket.NextSequence()
	if err != nil {
		return nil, nil, err
	}
	id = make([]byte, 8)
	binary.BigEndian.PutUint64(id, seq)

	rootKey = make([]byte, RootKeyLen)
	if _, err := io.ReadFull(rand.Reader, rootKey); err != nil {
		return nil, nil, fmt.Errorf("cannot generate root key: %w",
			err)
	}

	if err := bucket.Put(id, rootKey); err != nil {
		return nil, nil, err
	}
	if err := bucket.Put(activeKeyName, id); err != nil {
		return nil, nil, err
	}

	return rootKey, id, nil
}
