package bakery

import (
	"context"
	"strings"
	"sync"
)

// ThirdPartyInfo holds information on a given third party discharge
// service.
type ThirdPartyInfo struct {
	// PublicKey holds the third party's public encryption key.
	PublicKey PublicKey

	// Version holds the latest bakery protocol version supported by
	// the discharger. Caveats addressed to the third party are
	// encoded at min(Version, minting version).
	Version Version
}

// ThirdPartyLocator is used to find information on third party
// discharge services. Location strings are opaque to the bakery; they
// only need to be agreed between the party adding a caveat and the
// locator configured at minting time.
type ThirdPartyLocator interface {
	// ThirdPartyInfo returns information on the third party at the
	// given location. It returns ErrNotFound if no match is found.
	ThirdPartyInfo(ctx context.Context,
		loc string) (ThirdPartyInfo, error)
}

// ThirdPartyStore is an in-memory ThirdPartyLocator implementation,
// safe for concurrent use.
type ThirdPartyStore struct {
	mu sync.RWMutex
	m  map[string]ThirdPartyInfo
}

// NewThirdPartyStore returns a new instance of ThirdPartyStore that
// contains no locations.
func NewThirdPartyStore() *ThirdPartyStore {
	return &ThirdPartyStore{
		m: make(map[string]ThirdPartyInfo),
	}
}

// AddInfo associates the given information with the given location,
// ignoring any trailing slash.
func (s *ThirdPartyStore) AddInfo(loc string, info ThirdPartyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[canonicalLocation(loc)] = info
}

// ThirdPartyInfo implements ThirdPartyLocator.ThirdPartyInfo.
func (s *ThirdPartyStore) ThirdPartyInfo(_ context.Context,
	loc string) (ThirdPartyInfo, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.m[canonicalLocation(loc)]; ok {
		return info, nil
	}

	return ThirdPartyInfo{}, ErrNotFound
}

func canonicalLocation(loc string) string {
	return strings.TrimSuffix(loc, "/")
}
