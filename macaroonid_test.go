package bakery

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestMacaroonIdRoundTrip checks that a macaroon id survives its TLV
// encoding, including the grouping of operations by entity.
func TestMacaroonIdRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   macaroonId
	}{{
		name: "single op",
		id: macaroonId{
			nonce:     []byte("0123456789abcdef"),
			storageId: []byte("0"),
			ops:       groupedIdOps([]Op{{"gizmo", "read"}}),
		},
	}, {
		name: "several entities",
		id: macaroonId{
			nonce:     []byte("0123456789abcdef"),
			storageId: []byte("storage"),
			ops: groupedIdOps([]Op{
				{"one", "read"}, {"one", "write"},
				{"two", "read"},
			}),
		},
	}, {
		name: "empty storage id",
		id: macaroonId{
			nonce: []byte("0123456789abcdef"),
			ops:   groupedIdOps([]Op{{"e", "a"}}),
		},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := tc.id.encode()
			require.NoError(t, err)

			var got macaroonId
			require.NoError(t, got.decode(data))
			require.Equal(t, tc.id.nonce, got.nonce)
			require.Equal(t, tc.id.storageId, got.storageId)
			require.Equal(
				t, tc.id.ops.expand(), got.ops.expand(),
			)
		})
	}
}

// TestGroupedIdOps checks that grouping and expanding operations are
// inverse once the operations are canonical.
func TestGroupedIdOps(t *testing.T) {
	t.Parallel()

	ops := []Op{
		{"one", "read"}, {"one", "write"},
		{"two", "read"},
		{"three", "delete"},
	}
	ops = CanonicalOps(ops)

	grouped := groupedIdOps(ops)
	require.Len(t, grouped, 3)
	require.Equal(t, ops, grouped.expand())
}

// TestMacaroonIdRoundTripProperty checks the id round trip with random
// operation sets.
func TestMacaroonIdRoundTripProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, testMacaroonIdRoundTripProperty)
}

func testMacaroonIdRoundTripProperty(t *rapid.T) {
	name := rapid.StringMatching(`[a-z]{1,8}`)
	ops := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Op {
		return Op{
			Entity: name.Draw(t, "entity"),
			Action: name.Draw(t, "action"),
		}
	}), 1, 20).Draw(t, "ops")
	ops = CanonicalOps(ops)

	id := macaroonId{
		nonce:     rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "nonce"),
		storageId: rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "sid"),
		ops:       groupedIdOps(ops),
	}
	data, err := id.encode()
	require.NoError(t, err)

	var got macaroonId
	require.NoError(t, got.decode(data))
	require.Equal(t, id.nonce, got.nonce)
	require.Equal(t, id.storageId, got.storageId)
	require.Equal(t, ops, got.ops.expand())
}

// FuzzMacaroonIdDecode checks that arbitrary input never makes the id
// decoder panic.
func FuzzMacaroonIdDecode(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		var id macaroonId
		_ = id.decode(data)
	})
}
