package bakery

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// RootKeyStore defines storage for macaroon root keys.
type RootKeyStore interface {
	// Get returns the root key for the given id. If the item is not
	// there, it returns ErrNotFound.
	Get(ctx context.Context, id []byte) ([]byte, error)

	// RootKey returns the root key to be used for minting a new
	// macaroon, and an id that can be used to look it up later with
	// the Get method.
	//
	// Note that the root keys should remain available for as long as
	// the macaroons using them are valid. There is no need to return
	// a new root key for every call, although cycling keys over time
	// is advisable.
	RootKey(ctx context.Context) (rootKey, id []byte, err error)
}

// OpsStore persistently stores sets of operations keyed by a multi-op
// entity name, so that a macaroon associated with a large operation set
// can reference the set from its id instead of inlining it.
type OpsStore interface {
	// PutOps associates ops with the given unique entity name. The
	// entity name is derived from the canonical form of ops, so
	// implementations may treat entries as immutable and ignore
	// repeated puts for the same entity. The expiry time advises the
	// store how long the entry must remain retrievable.
	PutOps(ctx context.Context, entity string, ops []Op,
		expiry time.Time) error

	// GetOps returns the operations associated with the given entity
	// name. It returns ErrNotFound if the entity is absent.
	GetOps(ctx context.Context, entity string) ([]Op, error)
}

// NewMemRootKeyStore returns an implementation of RootKeyStore that
// generates a single key and always returns that from RootKey. The
// same id ("0") is always used.
func NewMemRootKeyStore() RootKeyStore {
	return new(memRootKeyStore)
}

type memRootKeyStore struct {
	mu  sync.Mutex
	key []byte
}

// Get implements RootKeyStore.Get.
func (s *memRootKeyStore) Get(_ context.Context, id []byte) ([]byte,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(id) != 1 || id[0] != '0' || s.key == nil {
		return nil, ErrNotFound
	}

	return s.key, nil
}

// RootKey implements RootKeyStore.RootKey by returning the same root
// key for every call, generating it on first use.
func (s *memRootKeyStore) RootKey(context.Context) (rootKey, id []byte,
	err error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		newKey, err := randomBytes(24)
		if err != nil {
			return nil, nil, err
		}
		s.key = newKey
	}

	return s.key, []byte("0"), nil
}

// NewMemOpsStore returns an OpsStore that keeps the operation sets in
// memory. Entries never expire.
func NewMemOpsStore() OpsStore {
	return &memOpsStore{
		store: make(map[string][]Op),
	}
}

type memOpsStore struct {
	mu    sync.Mutex
	store map[string][]Op
}

// PutOps implements OpsStore.PutOps. Entity names already present are
// left untouched, as the name is a digest of the operations it maps to.
func (s *memOpsStore) PutOps(_ context.Context, entity string, ops []Op,
	_ time.Time) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store[entity]; ok {
		return nil
	}

	stored := make([]Op, len(ops))
	copy(stored, ops)
	s.store[entity] = stored

	return nil
}

// GetOps implements OpsStore.GetOps.
func (s *memOpsStore) GetOps(_ context.Context, entity string) ([]Op,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	ops, ok := s.store[entity]
	if !ok {
		return nil, ErrNotFound
	}

	return ops, nil
}

// randomBytes returns n random bytes from the system entropy source.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cannot generate %d random bytes: %w",
			n, err)
	}

	return b, nil
}
