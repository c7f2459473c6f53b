package auth_test

import (
	"crypto/ed25519"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/auth"
)

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	privPath, pubPath, err := auth.GenerateKeyFiles(t.TempDir())
	require.NoError(t, err)

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	priv, err := auth.LoadPrivateKey(privPath)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(issuer string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   "billing-service",
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{"kage"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewEphemeralJWTManager(time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("billing-service", auth.RoleService, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now().Add(59*time.Minute)))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "billing-service", claims.Subject)
	assert.Equal(t, auth.RoleService, claims.Role)
	assert.Equal(t, "kage", claims.Issuer)
}

func TestIssueTokenCustomTTL(t *testing.T) {
	mgr, err := auth.NewEphemeralJWTManager(24 * time.Hour)
	require.NoError(t, err)
	_, expiresAt, err := mgr.IssueToken("ops", auth.RoleOperator, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, expiresAt.Before(time.Now().Add(6*time.Minute)))
}

func TestIssueTokenRejects(t *testing.T) {
	mgr, err := auth.NewEphemeralJWTManager(time.Hour)
	require.NoError(t, err)
	_, _, err = mgr.IssueToken("x", auth.Role("admin"), 0)
	assert.ErrorContains(t, err, "unknown role")
	_, _, err = mgr.IssueToken("", auth.RoleService, 0)
	assert.ErrorContains(t, err, "subject")
}

func TestVerifyOnlyManager(t *testing.T) {
	signer, _ := newTestJWTManagerWithKey(t)
	dir := t.TempDir()
	privPath, pubPath, err := auth.GenerateKeyFiles(dir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(privPath))

	verifier, err := auth.NewJWTManager("", pubPath, time.Hour)
	require.NoError(t, err)
	_, _, err = verifier.IssueToken("x", auth.RoleService, 0)
	assert.ErrorIs(t, err, auth.ErrNoPrivateKey)

	token, _, err := signer.IssueToken("x", auth.RoleService, 0)
	require.NoError(t, err)
	_, err = verifier.ValidateToken(token)
	assert.Error(t, err, "tokens from another key pair are rejected")
}

func TestMismatchedKeyFiles(t *testing.T) {
	privA, _, err := auth.GenerateKeyFiles(t.TempDir())
	require.NoError(t, err)
	_, pubB, err := auth.GenerateKeyFiles(t.TempDir())
	require.NoError(t, err)
	_, err = auth.NewJWTManager(privA, pubB, time.Hour)
	assert.ErrorContains(t, err, "does not match")
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("not-kage"), Role: auth.RoleService})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_UnknownRole(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("kage"), Role: "root"})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid role")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	rc := registered("kage")
	rc.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: rc, Role: auth.RoleService})

	_, err := mgr.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateToken_MissingExpiry(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	rc := registered("kage")
	rc.ExpiresAt = nil
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: rc, Role: auth.RoleService})

	_, err := mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, auth.RoleOperator.Allows(auth.RoleService))
	assert.True(t, auth.RoleOperator.Allows(auth.RoleOperator))
	assert.True(t, auth.RoleService.Allows(auth.RoleService))
	assert.False(t, auth.RoleService.Allows(auth.RoleOperator))
	assert.False(t, auth.Role("").Allows(auth.RoleService))
}
