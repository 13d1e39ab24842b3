// ABOUTME: Tests for session name derivation
// ABOUTME: Covers determinism, fixed length, rejection cases, and collision resistance

package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameFor_Deterministic(t *testing.T) {
	id := "3f2a9c1e-7b44-4d2e-9a10-5c6d7e8f9012"

	a, err := NameFor(id)
	require.NoError(t, err)
	b, err := NameFor(id)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "ws_3f2a9c1e7b44", a)
}

func TestNameFor_ConstantLength(t *testing.T) {
	short, err := NameFor(uuid.New().String())
	require.NoError(t, err)
	long, err := NameFor(uuid.New().String() + uuid.New().String())
	require.NoError(t, err)

	assert.Len(t, short, len(DefaultNamespace)+DefaultPrefixLength)
	assert.Len(t, long, len(DefaultNamespace)+DefaultPrefixLength)
}

func TestNameFor_Empty(t *testing.T) {
	_, err := NameFor("")
	assert.ErrorIs(t, err, ErrInvalidTenantID)

	_, err = NameFor("   ")
	assert.ErrorIs(t, err, ErrInvalidTenantID)
}

func TestNameFor_DegenerateRejected(t *testing.T) {
	_, err := NameFor("---___")
	assert.ErrorIs(t, err, ErrInvalidTenantID)

	// A namespace-free namer that would produce the reserved name.
	_, err = Namer{Namespace: "d", PrefixLength: 6}.NameFor("efault")
	assert.ErrorIs(t, err, ErrInvalidTenantID)
}

func TestNameFor_CustomNamer(t *testing.T) {
	n := Namer{Namespace: "shop-", PrefixLength: 4}
	name, err := n.NameFor("AB-CD-EF")
	require.NoError(t, err)
	assert.Equal(t, "shop-abcd", name)
}

func TestNameFor_NoCollisionsAcrossRealisticTenants(t *testing.T) {
	seen := make(map[string]string, 10_000)
	for i := 0; i < 10_000; i++ {
		id := uuid.New().String()
		name, err := NameFor(id)
		require.NoError(t, err)
		if prev, ok := seen[name]; ok {
			t.Fatalf("collision: %s and %s both map to %s", prev, id, name)
		}
		seen[name] = id
	}
}
