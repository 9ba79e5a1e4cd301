package credential

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCheckStrength(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		want   bool
	}{
		{"all classes", "Abcdefgh1!23", true},
		{"long with space as special", "Correct Horse 9battery", true},
		{"unicode counts as special", "Abcdefghij1é", true},
		{"too short", "Abcdef1!23", false},
		{"eleven chars", "Abcdefgh1!2", false},
		{"no upper", "abcdefgh1!23", false},
		{"no lower", "ABCDEFGH1!23", false},
		{"no digit", "Abcdefghij!@", false},
		{"no special", "Abcdefgh1234", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CheckStrength(tc.secret))
		})
	}
}

func TestCheckStrengthLengthIsRunes(t *testing.T) {
	// 11 runes, more than 12 bytes
	assert.False(t, CheckStrength("Aé1!ééééééé"))
}

func TestVerifierHashAndVerify(t *testing.T) {
	v, err := NewVerifier(bcrypt.MinCost)
	require.NoError(t, err)
	ctx := context.Background()

	hash, err := v.Hash(ctx, "Abcdefgh1!23")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$2a$"))

	assert.True(t, v.Verify(ctx, "Abcdefgh1!23", hash))
	assert.False(t, v.Verify(ctx, "Abcdefgh1!24", hash))
	assert.False(t, v.Verify(ctx, "Abcdefgh1!23", "not-a-hash"))
}

func TestVerifierHashesAreSalted(t *testing.T) {
	v, err := NewVerifier(bcrypt.MinCost)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := v.Hash(ctx, "Abcdefgh1!23")
	require.NoError(t, err)
	b, err := v.Hash(ctx, "Abcdefgh1!23")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewVerifierDefaultsInvalidCost(t *testing.T) {
	v, err := NewVerifier(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, v.cost)

	cost, err := bcrypt.Cost(v.dummy)
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, cost)
}

func TestVerifierCancelledContext(t *testing.T) {
	v, err := NewVerifier(bcrypt.MinCost)
	require.NoError(t, err)
	hash, err := v.Hash(context.Background(), "Abcdefgh1!23")
	require.NoError(t, err)

	// hold every slot so Acquire has to observe the cancelled context
	n := v.sem
	for n.TryAcquire(1) {
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, v.Verify(ctx, "Abcdefgh1!23", hash))
	_, err = v.Hash(ctx, "Abcdefgh1!23")
	assert.ErrorIs(t, err, context.Canceled)
	v.VerifyMissing(ctx, "anything")
}

func TestVerifyMissingComparesAgainstDummy(t *testing.T) {
	var hashes [][]byte
	v, err := NewVerifier(bcrypt.MinCost, WithCompare(func(hash, secret []byte) error {
		hashes = append(hashes, hash)
		return bcrypt.CompareHashAndPassword(hash, secret)
	}))
	require.NoError(t, err)

	v.VerifyMissing(context.Background(), "Abcdefgh1!23")
	require.Len(t, hashes, 1)
	assert.Equal(t, v.dummy, hashes[0])
}
