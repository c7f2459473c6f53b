// Package auth provides JWT-based authentication and role checks for kage.
//
// Uses Ed25519 (EdDSA) for JWT signing. The server only needs the public key;
// the private key is used by kagectl to issue tokens.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "kage"

// Role is the coarse permission a token carries.
type Role string

const (
	// RoleService may evaluate tools and submit feedback.
	RoleService Role = "service"
	// RoleOperator may additionally manage rules, experiments and jobs.
	RoleOperator Role = "operator"
)

var roleRank = map[Role]int{RoleService: 1, RoleOperator: 2}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return roleRank[r] > 0 }

// Allows reports whether r grants at least the permissions of required.
func (r Role) Allows(required Role) bool {
	return r.Valid() && roleRank[r] >= roleRank[required]
}

// Claims extends jwt.RegisteredClaims with the caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// ErrNoPrivateKey is returned when issuing a token with a verify-only manager.
var ErrNoPrivateKey = errors.New("auth: no private key configured")

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey // nil for verify-only managers
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. privateKeyPath may
// be empty for a verify-only manager.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	pub, err := LoadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	m := &JWTManager{publicKey: pub, expiration: expiration}
	if privateKeyPath == "" {
		return m, nil
	}

	priv, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	m.privateKey = priv
	return m, nil
}

// NewEphemeralJWTManager generates an in-memory key pair. For tests and
// single-process development only.
func NewEphemeralJWTManager(expiration time.Duration) (*JWTManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

// LoadPublicKey reads a PKIX Ed25519 public key PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return pub, nil
}

// LoadPrivateKey reads a PKCS#8 Ed25519 private key PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, "private")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return priv, nil
}

func readPEM(path, kind string) (*pem.Block, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", kind, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", kind)
	}
	return block, nil
}

// GenerateKeyFiles writes a new Ed25519 key pair as private.pem and
// public.pem under dir and returns their paths.
func GenerateKeyFiles(dir string) (privatePath, publicPath string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("auth: generate key pair: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("auth: marshal private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("auth: marshal public key: %w", err)
	}
	privatePath = filepath.Join(dir, "private.pem")
	publicPath = filepath.Join(dir, "public.pem")
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600); err != nil {
		return "", "", fmt.Errorf("auth: write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o644); err != nil { //nolint:gosec // public keys are meant to be readable
		return "", "", fmt.Errorf("auth: write public key: %w", err)
	}
	return privatePath, publicPath, nil
}

// IssueToken creates a signed JWT for subject with role. A zero ttl uses the
// manager's default expiration.
func (m *JWTManager) IssueToken(subject string, role Role, ttl time.Duration) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrNoPrivateKey
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown role %q", role)
	}
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("auth: subject is required")
	}
	if ttl <= 0 {
		ttl = m.expiration
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: invalid role: %q", claims.Role)
	}
	return claims, nil
}
