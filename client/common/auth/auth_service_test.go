package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	svc := NewService("secret", 10)
	token, err := svc.GenerateToken("u1", "t1", "SALES_REP", "Ada")
	require.NoError(t, err)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	userID, tenantID, err := claims.Identity()
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "t1", tenantID)
	assert.Equal(t, "Ada", claims.Name)

	_, err = NewService("other", 10).ParseToken(token)
	assert.Error(t, err)
}

func TestParseUnverifiedAcceptsBearerPrefixAndLegacyClaims(t *testing.T) {
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "42",
		"tenantId": "acme",
	})
	token, err := raw.SignedString([]byte("backend-only"))
	require.NoError(t, err)

	claims, err := ParseUnverified("Bearer " + token)
	require.NoError(t, err)
	userID, tenantID, err := claims.Identity()
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
	assert.Equal(t, "acme", tenantID)
}

func TestParseUnverifiedRejectsExpired(t *testing.T) {
	token, err := NewService("s", -1).GenerateToken("u1", "t1", "", "")
	require.NoError(t, err)

	_, err = ParseUnverified(token)
	assert.Error(t, err)
}

func TestIdentityRequiresTenant(t *testing.T) {
	_, _, err := (&Claims{UserID: "u1"}).Identity()
	assert.ErrorIs(t, err, ErrMissingIdentity)
}
