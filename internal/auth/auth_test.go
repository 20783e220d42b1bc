package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	SetSecret("test-secret")
	defer SetSecret("")

	token, err := GenerateToken("id-42", []string{"Admin", "supplier", "admin"}, 30*time.Minute)
	require.NoError(t, err)

	claims, err := ParseAndValidate(token)
	require.NoError(t, err)
	assert.Equal(t, "id-42", claims.Subject)
	assert.Equal(t, "carebid", claims.Issuer)
	assert.ElementsMatch(t, []string{"admin", "supplier"}, claims.Roles)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	SetSecret("test-secret")
	defer SetSecret("")

	token, err := GenerateToken("id-42", []string{RoleSupplier}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = ParseAndValidate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	SetSecret("first-secret")
	token, err := GenerateToken("id-42", []string{RoleAdmin}, time.Minute)
	require.NoError(t, err)

	SetSecret("second-secret")
	defer SetSecret("")
	_, err = ParseAndValidate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateWithoutSecretFails(t *testing.T) {
	SetSecret("")
	_, err := GenerateToken("id-42", []string{RoleAdmin}, time.Minute)
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, RequireRole(ctx, RoleAdmin), ErrUnauthenticated)

	ctx = ContextWithCaller(ctx, "id-7", []string{RoleSupplier})
	assert.ErrorIs(t, RequireRole(ctx, RoleAdmin), ErrForbidden)
	assert.NoError(t, RequireRole(ctx, RoleSupplier))

	assert.NoError(t, RequireAnyRole(ctx, RoleHospital, RoleSupplier))
	assert.ErrorIs(t, RequireAnyRole(ctx, RoleHospital, RoleHospitalStaff), ErrForbidden)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	ok, err := VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong horse", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("anything", "not-a-hash")
	assert.Error(t, err)
}
