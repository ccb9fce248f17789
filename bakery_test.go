package bakery

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// TestBakeryDefaults checks that a zero parameter bakery is usable: it
// mints macaroons that its own checker honors and denies everything
// else.
func TestBakeryDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(BakeryParams{})
	require.NotNil(t, b.Oven)
	require.NotNil(t, b.Checker)
	require.NotNil(t, b.Oven.Key())

	m, err := b.Oven.NewMacaroon(ctx, LatestVersion, nil, readOp("e1"))
	require.NoError(t, err)

	authInfo, err := b.Checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, authInfo.Used)

	// The default authorizer is closed.
	_, err = b.Checker.Auth().Allow(ctx, readOp("e1"))
	require.ErrorIs(t, err, ErrPermissionDenied)
}

// TestBakeryNamespaceFromChecker checks that the oven inherits the
// first party caveat namespace of the configured checker, so caveats
// added when minting resolve the same way when checking.
func TestBakeryNamespaceFromChecker(t *testing.T) {
	t.Parallel()

	c := checkers.New(nil)
	c.Namespace().Register("testns", "t")

	b := New(BakeryParams{Checker: c})
	require.Same(t, c.Namespace(), b.Oven.Namespace())
}

// TestBakerySharedRootKeyStore checks that a macaroon minted by one
// bakery instance is honored by another sharing the same root key store
// and key pair.
func TestBakerySharedRootKeyStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemRootKeyStore()
	key := MustGenerateKey()

	minter := New(BakeryParams{
		RootKeyStore: store,
		Key:          key,
		Location:     "svc",
	})
	verifier := New(BakeryParams{
		RootKeyStore: store,
		Key:          key,
		Location:     "svc",
	})

	m, err := minter.Oven.NewMacaroon(
		ctx, LatestVersion, nil, writeOp("e2"),
	)
	require.NoError(t, err)

	_, err = verifier.Checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, writeOp("e2"),
	)
	require.NoError(t, err)
}

// TestBakeryClock checks that the configured clock drives time-before
// caveat checks.
func TestBakeryClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testNow)
	b := New(BakeryParams{Clock: clk})

	m, err := b.Oven.NewMacaroon(ctx, LatestVersion, []checkers.Caveat{
		checkers.TimeBeforeCaveat(testNow.Add(time.Minute)),
	}, readOp("e1"))
	require.NoError(t, err)

	_, err = b.Checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.NoError(t, err)

	clk.SetTime(testNow.Add(time.Hour))
	_, err = b.Checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorContains(t, err, "macaroon has expired")
}

// TestBakeryThirdPartyFlow runs the complete identity flow through a
// bakery: a login macaroon demands a third party declaration, the
// discharge supplies it, and the ACL policy authorizes the declared
// user.
func TestBakeryThirdPartyFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("ids", ThirdPartyInfo{
		PublicKey: idKey.Public,
		Version:   LatestVersion,
	})

	svc := New(BakeryParams{
		Location: "myservice",
		Locator:  locator,
		Authorizer: ACLAuthorizer{
			GetACL: func(_ context.Context, op Op) ([]string,
				bool, error) {

				return []string{"bob"}, false, nil
			},
		},
	})

	m, err := svc.Oven.NewMacaroon(ctx, LatestVersion, []checkers.Caveat{
		checkers.NeedDeclaredCaveat(checkers.Caveat{
			Location:  "ids",
			Condition: "user-exists",
		}, "username"),
	}, LoginOp)
	require.NoError(t, err)

	ms := dischargeTestMacaroon(
		ctx, t, m, idKey, declareUser("bob", "user-exists"),
	)

	authInfo, err := svc.Checker.Auth(ms).Allow(ctx, readOp("e1"))
	require.NoError(t, err)
	require.Equal(t, "bob", authInfo.Declared["username"])
}
