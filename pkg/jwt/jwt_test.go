package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "skillswap")

	token, err := manager.GenerateToken("user-42", "Ada", "user", 15*time.Minute)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "user", claims.Role)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", "skillswap").GenerateToken("u1", "A", "user", time.Minute)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", "skillswap").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", "skillswap")

	token, err := manager.GenerateToken("u1", "A", "user", -time.Minute)
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	token, err := NewJWTManager("test-secret", "someone-else").GenerateToken("u1", "A", "user", time.Minute)
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", "skillswap").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_SubjectFallback(t *testing.T) {
	claims := &Claims{
		Name: "Grace",
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   "user-7",
			Issuer:    "skillswap",
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	got, err := NewJWTManager("test-secret", "skillswap").ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-7", got.UserID)
}

func TestValidateToken_Garbage(t *testing.T) {
	_, err := NewJWTManager("test-secret", "").ValidateToken("not-a-token")
	assert.Error(t, err)
}
