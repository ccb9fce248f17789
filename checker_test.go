package bakery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"gopkg.in/macaroon.v2"

	"github.com/lightningnetwork/bakery/checkers"
)

// testNow is the fixed current time of the test clock used by the
// checker tests.
var testNow = time.Date(2017, 1, 1, 12, 0, 0, 0, time.UTC)

func readOp(entity string) Op {
	return Op{Entity: entity, Action: "read"}
}

func writeOp(entity string) Op {
	return Op{Entity: entity, Action: "write"}
}

// testService bundles an oven with a checker the way an authorizing
// service would use them.
type testService struct {
	oven    *Oven
	checker *Checker
	clock   *clock.TestClock
}

func newTestService(auth Authorizer,
	locator ThirdPartyLocator) *testService {

	clk := clock.NewTestClock(testNow)
	oven := NewOven(OvenParams{
		Key:      MustGenerateKey(),
		Location: "myservice",
		Locator:  locator,
	})

	return &testService{
		oven: oven,
		checker: NewChecker(CheckerParams{
			Authorizer:       auth,
			MacaroonVerifier: oven,
			Clock:            clk,
		}),
		clock: clk,
	}
}

func (s *testService) mint(ctx context.Context, t *testing.T,
	caveats []checkers.Caveat, ops ...Op) *Macaroon {

	t.Helper()

	m, err := s.oven.NewMacaroon(ctx, LatestVersion, caveats, ops...)
	require.NoError(t, err)

	return m
}

// dischargeTestMacaroon discharges all third party caveats of m in
// process, consulting checker for each caveat condition.
func dischargeTestMacaroon(ctx context.Context, t *testing.T, m *Macaroon,
	key *KeyPair, checker ThirdPartyCaveatChecker) macaroon.Slice {

	t.Helper()

	ms, err := DischargeAll(ctx, m,
		func(ctx context.Context, cav macaroon.Caveat,
			payload []byte) (*Macaroon, error) {

			return Discharge(ctx, DischargeParams{
				Id:      cav.Id,
				Caveat:  payload,
				Key:     key,
				Checker: checker,
			})
		},
	)
	require.NoError(t, err)

	return ms
}

// declareUser returns a third party caveat checker that approves the
// given condition and declares the given user name.
func declareUser(user, expectCond string) ThirdPartyCaveatChecker {
	return ThirdPartyCaveatCheckerFunc(func(_ context.Context,
		info *ThirdPartyCaveatInfo) ([]checkers.Caveat, error) {

		if info.Condition != expectCond {
			return nil, fmt.Errorf("unexpected condition %q",
				info.Condition)
		}

		return []checkers.Caveat{
			checkers.DeclaredCaveat("username", user),
		}, nil
	})
}

// errorVerifier is a MacaroonVerifier that always fails with the same
// error.
type errorVerifier struct {
	err error
}

func (v errorVerifier) VerifyMacaroon(context.Context,
	macaroon.Slice) ([]Op, []string, error) {

	return nil, nil, v.err
}

// TestAllowWithOpenAuthorizer checks that an open policy authorizes
// operations with no macaroons at all.
func TestAllowWithOpenAuthorizer(t *testing.T) {
	t.Parallel()

	svc := newTestService(OpenAuthorizer, nil)
	authInfo, err := svc.checker.Auth().Allow(
		context.Background(), readOp("e1"), writeOp("e2"),
	)
	require.NoError(t, err)
	require.NotNil(t, authInfo)
	require.Nil(t, authInfo.Declared)
	require.Empty(t, authInfo.Macaroons)
}

// TestAllowDefaultDenied checks that the default closed policy denies
// everything when no macaroon applies.
func TestAllowDefaultDenied(t *testing.T) {
	t.Parallel()

	svc := newTestService(nil, nil)
	_, err := svc.checker.Auth().Allow(
		context.Background(), readOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.EqualError(t, err, "permission denied")
}

// TestMacaroonAuthorizesOps checks that a minted macaroon authorizes
// exactly the operations it was minted for.
func TestMacaroonAuthorizesOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m := svc.mint(ctx, t, nil, readOp("e1"))

	authInfo, err := svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, authInfo.Used)
	require.Equal(t, map[Op]int{readOp("e1"): 0}, authInfo.OpIndexes)

	// A different action on the same entity is not covered.
	_, err = svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, writeOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

// TestAllowAnyPartialAuthorization checks that AllowAny reports
// per-operation results when only some operations are covered.
func TestAllowAnyPartialAuthorization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m := svc.mint(ctx, t, nil, readOp("e1"))

	authInfo, authed, err := svc.checker.Auth(
		macaroon.Slice{m.M()},
	).AllowAny(ctx, readOp("e1"), writeOp("e1"))
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, []bool{true, false}, authed)
	require.NotNil(t, authInfo)
	require.Equal(t, []bool{true}, authInfo.Used)
}

// TestMultipleMacaroons checks that operations may be authorized by
// different macaroons within the same request.
func TestMultipleMacaroons(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m1 := svc.mint(ctx, t, nil, readOp("e1"))
	m2 := svc.mint(ctx, t, nil, writeOp("e2"))

	authInfo, err := svc.checker.Auth(
		macaroon.Slice{m1.M()}, macaroon.Slice{m2.M()},
	).Allow(ctx, readOp("e1"), writeOp("e2"))
	require.NoError(t, err)
	require.Equal(t, []bool{true, true}, authInfo.Used)
	require.Equal(t, map[Op]int{
		readOp("e1"):  0,
		writeOp("e2"): 1,
	}, authInfo.OpIndexes)
}

// TestTimeBeforeCaveatExpiry checks the full lifecycle of a time
// limited macaroon against the checker's clock.
func TestTimeBeforeCaveatExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m := svc.mint(ctx, t, []checkers.Caveat{
		checkers.TimeBeforeCaveat(testNow.Add(time.Minute)),
	}, readOp("e1"))

	// Within the validity period the operation is allowed.
	_, err := svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.NoError(t, err)

	// Once the deadline passes the same macaroon is rejected,
	// citing the expired caveat.
	svc.clock.SetTime(testNow.Add(2 * time.Minute))
	_, err = svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorContains(t, err, "time-before")
	require.ErrorContains(t, err, "macaroon has expired")
}

// TestOperationAllowCaveat checks that an allow caveat narrows a
// macaroon to a subset of the actions it was minted for.
func TestOperationAllowCaveat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m := svc.mint(ctx, t, []checkers.Caveat{
		checkers.AllowCaveat("read"),
	}, readOp("e1"), writeOp("e1"))

	_, err := svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.NoError(t, err)

	_, err = svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, writeOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorContains(t, err, "write not allowed")
}

// TestDischargeRequiredForThirdPartyCaveat checks that an undischarged
// third party caveat produces a discharge demand naming the caveat, and
// that discharging it completes the authorization.
func TestDischargeRequiredForThirdPartyCaveat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	thirdKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("as-loc", ThirdPartyInfo{
		PublicKey: thirdKey.Public,
		Version:   LatestVersion,
	})
	svc := newTestService(nil, locator)

	m := svc.mint(ctx, t, []checkers.Caveat{{
		Location:  "as-loc",
		Condition: "user-exists",
	}}, readOp("e1"))

	// Presented alone, the primary macaroon is not denied but asked
	// to be completed.
	_, err := svc.checker.Auth(macaroon.Slice{m.M()}).Allow(
		ctx, readOp("e1"),
	)
	require.True(t, IsDischargeRequiredError(err))

	var derr *DischargeRequiredError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Unresolved, 1)
	require.Equal(t, "as-loc", derr.Unresolved[0].Location)

	// Discharging the named caveat completes the bundle.
	ms := dischargeTestMacaroon(
		ctx, t, m, thirdKey, conditionChecker("user-exists"),
	)
	authInfo, err := svc.checker.Auth(ms).Allow(ctx, readOp("e1"))
	require.NoError(t, err)
	require.Equal(t, []bool{true}, authInfo.Used)
}

// TestDischargeAloneDoesNotAuthorize checks that presenting a discharge
// macaroon as a primary grants nothing.
func TestDischargeAloneDoesNotAuthorize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	thirdKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("as-loc", ThirdPartyInfo{
		PublicKey: thirdKey.Public,
		Version:   LatestVersion,
	})
	svc := newTestService(nil, locator)

	m := svc.mint(ctx, t, []checkers.Caveat{{
		Location:  "as-loc",
		Condition: "user-exists",
	}}, readOp("e1"))
	ms := dischargeTestMacaroon(
		ctx, t, m, thirdKey, conditionChecker("user-exists"),
	)

	_, err := svc.checker.Auth(macaroon.Slice{ms[1]}).Allow(
		ctx, readOp("e1"),
	)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

// TestDischargeDeclaredIdentity checks the identity flow: a login
// macaroon requires a third party to declare the user, and the declared
// attributes feed the ACL policy.
func TestDischargeDeclaredIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("ids", ThirdPartyInfo{
		PublicKey: idKey.Public,
		Version:   LatestVersion,
	})
	svc := newTestService(ACLAuthorizer{
		GetACL: func(_ context.Context, op Op) ([]string, bool,
			error) {

			return []string{"bob"}, false, nil
		},
	}, locator)

	m := svc.mint(ctx, t, []checkers.Caveat{
		checkers.NeedDeclaredCaveat(checkers.Caveat{
			Location:  "ids",
			Condition: "user-exists",
		}, "username"),
	}, LoginOp)

	ms := dischargeTestMacaroon(
		ctx, t, m, idKey, declareUser("bob", "user-exists"),
	)

	authInfo, err := svc.checker.Auth(ms).Allow(ctx, readOp("e1"))
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"username": "bob",
	}, authInfo.Declared)
	require.Equal(t, []bool{true}, authInfo.Used)
	require.Equal(t, map[Op]int{LoginOp: 0}, authInfo.OpIndexes)
}

// TestSneakyDeclaredOverride checks that a client declaring its own
// identity in conflict with the identity service invalidates the
// attribute instead of widening it.
func TestSneakyDeclaredOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("ids", ThirdPartyInfo{
		PublicKey: idKey.Public,
		Version:   LatestVersion,
	})
	svc := newTestService(ACLAuthorizer{
		GetACL: func(_ context.Context, op Op) ([]string, bool,
			error) {

			return []string{"admin"}, false, nil
		},
	}, locator)

	m := svc.mint(ctx, t, []checkers.Caveat{
		checkers.NeedDeclaredCaveat(checkers.Caveat{
			Location:  "ids",
			Condition: "user-exists",
		}, "username"),
	}, LoginOp)

	// The client asserts a more privileged identity on the primary
	// macaroon itself.
	require.NoError(t, m.M().AddFirstPartyCaveat(
		[]byte("declared username admin"),
	))

	ms := dischargeTestMacaroon(
		ctx, t, m, idKey, declareUser("bob", "user-exists"),
	)

	_, err := svc.checker.Auth(ms).Allow(ctx, readOp("e1"))
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorContains(t, err, "cannot authorize login macaroon")
	require.ErrorContains(t, err, "got username=null")
}

// TestBoundDischargeInvalidAfterPrimaryChanges checks that discharges
// are tied to the exact primary signature they were bound to, even when
// the primary keeps its id.
func TestBoundDischargeInvalidAfterPrimaryChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	thirdKey := MustGenerateKey()
	locator := NewThirdPartyStore()
	locator.AddInfo("as-loc", ThirdPartyInfo{
		PublicKey: thirdKey.Public,
		Version:   LatestVersion,
	})
	svc := newTestService(nil, locator)

	m := svc.mint(ctx, t, []checkers.Caveat{{
		Location:  "as-loc",
		Condition: "user-exists",
	}}, readOp("e1"))
	ms := dischargeTestMacaroon(
		ctx, t, m, thirdKey, conditionChecker("user-exists"),
	)

	// Appending a caveat to the primary changes its signature while
	// keeping its id, so the discharges bound to the old signature
	// no longer verify.
	require.NoError(t, ms[0].AddFirstPartyCaveat([]byte("othercond")))

	_, err := svc.checker.Auth(ms).Allow(ctx, readOp("e1"))
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorContains(t, err, "verification failed")
}

// TestFirstLoginMacaroonWins checks that when several valid login
// macaroons are presented, the first one determines the declared
// attributes.
func TestFirstLoginMacaroonWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	mAlice := svc.mint(ctx, t, []checkers.Caveat{
		checkers.DeclaredCaveat("username", "alice"),
	}, LoginOp)
	mBob := svc.mint(ctx, t, []checkers.Caveat{
		checkers.DeclaredCaveat("username", "bob"),
	}, LoginOp)

	authInfo, err := svc.checker.Auth(
		macaroon.Slice{mAlice.M()}, macaroon.Slice{mBob.M()},
	).Allow(ctx, LoginOp)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"username": "alice",
	}, authInfo.Declared)
	require.Equal(t, []bool{true, false}, authInfo.Used)
}

// TestFatalVerifierError checks that infrastructure failures abort
// authorization instead of being treated as invalid macaroons.
func TestFatalVerifierError(t *testing.T) {
	t.Parallel()

	checker := NewChecker(CheckerParams{
		MacaroonVerifier: errorVerifier{
			err: errors.New("store down"),
		},
	})

	m, err := NewMacaroon(
		[]byte("key"), []byte("id"), "", LatestVersion, nil,
	)
	require.NoError(t, err)

	_, err = checker.Auth(macaroon.Slice{m.M()}).Allow(
		context.Background(), readOp("e1"),
	)
	require.ErrorContains(t, err, "cannot retrieve macaroon: store down")
	require.False(t, IsDischargeRequiredError(err))
}

// TestAllowCapability checks that a capability check returns the
// conditions to attach to a capability macaroon.
func TestAllowCapability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m := svc.mint(ctx, t, []checkers.Caveat{
		checkers.TimeBeforeCaveat(testNow.Add(time.Minute)),
	}, readOp("e1"))

	conds, err := svc.checker.Auth(
		macaroon.Slice{m.M()},
	).AllowCapability(ctx, readOp("e1"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"time-before 2017-01-01T12:01:00Z",
	}, conds)
}

// TestAllowCapabilityMultipleMacaroons checks that capability
// conditions are gathered across all macaroons used and squashed.
func TestAllowCapabilityMultipleMacaroons(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)
	m1 := svc.mint(ctx, t, []checkers.Caveat{
		checkers.TimeBeforeCaveat(testNow.Add(time.Minute)),
	}, readOp("e1"))
	m2 := svc.mint(ctx, t, []checkers.Caveat{
		checkers.TimeBeforeCaveat(testNow.Add(2 * time.Minute)),
		checkers.AllowCaveat("write"),
	}, writeOp("e2"))

	conds, err := svc.checker.Auth(
		macaroon.Slice{m1.M()}, macaroon.Slice{m2.M()},
	).AllowCapability(ctx, readOp("e1"), writeOp("e2"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"time-before 2017-01-01T12:01:00Z",
	}, conds)
}

// TestAllowCapabilityNoNonLoginOps checks that a capability must cover
// at least one real operation.
func TestAllowCapabilityNoNonLoginOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(nil, nil)

	expectedErr := "no non-login operations required in capability"
	_, err := svc.checker.Auth().AllowCapability(ctx)
	require.EqualError(t, err, expectedErr)

	_, err = svc.checker.Auth().AllowCapability(ctx, LoginOp)
	require.EqualError(t, err, expectedErr)
}

// TestFirstPartyCaveatSquashing checks the condition rationalization
// performed for capability macaroons.
func TestFirstPartyCaveatSquashing(t *testing.T) {
	t.Parallel()

	tb := func(d time.Duration) string {
		return checkers.CondTimeBefore + " " +
			testNow.Add(d).UTC().Format(time.RFC3339Nano)
	}

	tests := []struct {
		name     string
		conds    []string
		expected []string
	}{{
		name: "no conditions",
	}, {
		name: "earliest time before wins",
		conds: []string{
			tb(2 * time.Hour), "cond1", tb(time.Minute),
			tb(24 * time.Hour),
		},
		expected: []string{"cond1", tb(time.Minute)},
	}, {
		name: "operation and declared caveats dropped",
		conds: []string{
			"allow read", "deny write",
			"declared username bob", "cond1",
		},
		expected: []string{"cond1"},
	}, {
		name:     "duplicates removed",
		conds:    []string{"cond2", "cond1", "cond2", "cond1"},
		expected: []string{"cond1", "cond2"},
	}, {
		name:     "invalid time left alone",
		conds:    []string{"time-before not-a-time", "cond1"},
		expected: []string{"cond1", "time-before not-a-time"},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var sq caveatSquasher
			for _, cond := range tc.conds {
				sq.add(cond)
			}
			require.Equal(t, tc.expected, sq.final())
		})
	}
}
