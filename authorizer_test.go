package bakery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/bakery/checkers"
)

func TestOpenAuthorizer(t *testing.T) {
	t.Parallel()

	allowed, caveats, err := OpenAuthorizer.Authorize(
		context.Background(), nil,
		[]Op{{"a", "b"}, {"c", "d"}},
	)
	require.NoError(t, err)
	require.Empty(t, caveats)
	require.Equal(t, []bool{true, true}, allowed)
}

func TestClosedAuthorizer(t *testing.T) {
	t.Parallel()

	allowed, caveats, err := ClosedAuthorizer.Authorize(
		context.Background(),
		map[string]string{"username": "bob"},
		[]Op{{"a", "b"}, {"c", "d"}},
	)
	require.NoError(t, err)
	require.Empty(t, caveats)
	require.Equal(t, []bool{false, false}, allowed)
}

func TestAuthorizerFunc(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, declared map[string]string,
		op Op) (bool, []checkers.Caveat, error) {

		require.Equal(t, "bob", declared["username"])

		switch op.Entity {
		case "a":
			return false, nil, nil
		case "b":
			return true, nil, nil
		case "c", "d":
			return true, []checkers.Caveat{{
				Location:  "somewhere",
				Condition: "is " + op.Entity,
			}}, nil
		}

		t.Errorf("unexpected entity %q", op.Entity)

		return false, nil, nil
	}

	allowed, caveats, err := AuthorizerFunc(f).Authorize(
		context.Background(),
		map[string]string{"username": "bob"},
		[]Op{{"a", "x"}, {"b", "x"}, {"c", "x"}, {"d", "x"}},
	)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, true, true}, allowed)
	require.Equal(t, []checkers.Caveat{{
		Location:  "somewhere",
		Condition: "is c",
	}, {
		Location:  "somewhere",
		Condition: "is d",
	}}, caveats)
}

func TestAuthorizerFuncError(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("policy store down")
	f := func(_ context.Context, _ map[string]string, _ Op) (bool,
		[]checkers.Caveat, error) {

		return false, nil, errBroken
	}

	allowed, caveats, err := AuthorizerFunc(f).Authorize(
		context.Background(), nil, []Op{{"a", "b"}},
	)
	require.ErrorIs(t, err, errBroken)
	require.Nil(t, allowed)
	require.Nil(t, caveats)
}

func TestACLAuthorizer(t *testing.T) {
	t.Parallel()

	constACL := func(acl []string, allowPublic bool) func(
		context.Context, Op) ([]string, bool, error) {

		return func(context.Context, Op) ([]string, bool, error) {
			return acl, allowPublic, nil
		}
	}

	errACL := errors.New("cannot fetch ACL")

	tests := []struct {
		name        string
		auth        ACLAuthorizer
		declared    map[string]string
		ops         []Op
		expected    []bool
		expectedErr error
	}{{
		name: "user in ACL",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{"alice", "bob"}, false),
		},
		declared: map[string]string{"username": "bob"},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{true},
	}, {
		name: "user not in ACL",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{"alice"}, false),
		},
		declared: map[string]string{"username": "bob"},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{false},
	}, {
		name: "everyone matches any user",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{Everyone}, false),
		},
		declared: map[string]string{"username": "bob"},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{true},
	}, {
		name: "unauthenticated allowed when public",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{Everyone}, true),
		},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{true},
	}, {
		name: "unauthenticated denied when not public",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{Everyone}, false),
		},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{false},
	}, {
		name: "unauthenticated denied without everyone",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{"alice"}, true),
		},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{false},
	}, {
		name: "custom identity key",
		auth: ACLAuthorizer{
			GetACL:      constACL([]string{"u123"}, false),
			IdentityKey: "user-id",
		},
		declared: map[string]string{"user-id": "u123"},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{true},
	}, {
		name: "per operation ACLs",
		auth: ACLAuthorizer{
			GetACL: func(_ context.Context, op Op) ([]string,
				bool, error) {

				if op.Entity == "gizmo" {
					return []string{"bob"}, false, nil
				}

				return nil, false, nil
			},
		},
		declared: map[string]string{"username": "bob"},
		ops:      []Op{{"gizmo", "read"}, {"gadget", "read"}},
		expected: []bool{true, false},
	}, {
		name:     "nil GetACL denies",
		auth:     ACLAuthorizer{},
		declared: map[string]string{"username": "bob"},
		ops:      []Op{{"gizmo", "read"}},
		expected: []bool{false},
	}, {
		name: "no operations",
		auth: ACLAuthorizer{
			GetACL: constACL([]string{Everyone}, true),
		},
	}, {
		name: "GetACL error",
		auth: ACLAuthorizer{
			GetACL: func(context.Context, Op) ([]string, bool,
				error) {

				return nil, false, errACL
			},
		},
		declared:    map[string]string{"username": "bob"},
		ops:         []Op{{"gizmo", "read"}},
		expectedErr: errACL,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			allowed, caveats, err := tc.auth.Authorize(
				context.Background(), tc.declared, tc.ops,
			)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)

				return
			}

			require.NoError(t, err)
			require.Empty(t, caveats)
			require.Equal(t, tc.expected, allowed)
		})
	}
}
