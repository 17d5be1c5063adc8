package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifierRejectsNonHS256(t *testing.T) {
	_, err := NewVerifier("secret", "RS256")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	v, err := NewVerifier("s3cret", "HS256")
	require.NoError(t, err)

	tok, err := v.IssueToken("operator-1", "admin", time.Hour)
	require.NoError(t, err)

	claims, err := v.ParseBearer("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
}

func TestParseBearerRejectsExpired(t *testing.T) {
	v, err := NewVerifier("s3cret", "HS256")
	require.NoError(t, err)

	tok, err := v.IssueToken("operator-1", "admin", -time.Minute)
	require.NoError(t, err)

	_, err = v.ParseBearer("Bearer " + tok)
	require.Error(t, err)
}

func TestParseBearerRejectsWrongSecret(t *testing.T) {
	v1, err := NewVerifier("secret-one", "HS256")
	require.NoError(t, err)
	v2, err := NewVerifier("secret-two", "HS256")
	require.NoError(t, err)

	tok, err := v1.IssueToken("operator-1", "admin", time.Hour)
	require.NoError(t, err)

	_, err = v2.ParseBearer("Bearer " + tok)
	require.Error(t, err)
}

func TestParseBearerEmpty(t *testing.T) {
	v, err := NewVerifier("secret", "HS256")
	require.NoError(t, err)
	_, err = v.ParseBearer("")
	require.Error(t, err)
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "wrong"))
}
