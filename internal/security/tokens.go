package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or its signature is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is structurally valid but past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// AccessClaims holds JWT claims for the access token. TokenVersion is compared
// against the user's current counter on every authenticated request; a mismatch
// invalidates the token regardless of its exp.
type AccessClaims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles"`
	FamilyID     string   `json:"tfid"`
	TokenVersion int64    `json:"token_version"`
}

// RefreshClaims holds JWT claims for the refresh token. ID (jti) identifies the
// ledger row; FamilyID is carried unchanged across every rotation of one login.
type RefreshClaims struct {
	jwt.RegisteredClaims
	FamilyID string `json:"tfid"`
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and validated on verification. Refresh tokens take their
// expiry from the caller (the owning session's horizon), so only the access TTL lives here.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}
}

// IssueAccess issues a short-lived access JWT carrying the user's roles, the
// token-family id, and the user's current token version.
// Returns the token string and its expiration time.
func (p *TokenProvider) IssueAccess(userID string, roles []string, familyID string, tokenVersion int64) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Roles:        roles,
		FamilyID:     familyID,
		TokenVersion: tokenVersion,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

// IssueRefresh issues a refresh JWT that expires at expiresAt (the owning
// session's horizon) and returns the token and its freshly generated jti.
// The caller must insert a ledger row for the jti before handing the token out.
func (p *TokenProvider) IssueRefresh(userID, familyID string, expiresAt time.Time) (token, jti string, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", err
	}
	now := time.Now().UTC()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		FamilyID: familyID,
	}
	token, err = p.sign(claims)
	return token, jti, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// ValidateRefresh parses and validates the refresh token (signature, exp, iss, aud).
// Returns the claims, or ErrTokenExpired / ErrInvalidToken.
func (p *TokenProvider) ValidateRefresh(tokenString string) (*RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, p.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := p.checkIssuerAudience(claims.Issuer, claims.Audience); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateAccess parses and validates the access token (signature, exp, iss, aud).
// Returns the claims, or ErrTokenExpired / ErrInvalidToken. Callers must still
// compare TokenVersion against the user's current value.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, p.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := p.checkIssuerAudience(claims.Issuer, claims.Audience); err != nil {
		return nil, err
	}
	return claims, nil
}

func (p *TokenProvider) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
		return p.publicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
		return p.publicKey, nil
	}
	return nil, ErrInvalidToken
}

func (p *TokenProvider) checkIssuerAudience(issuer string, audience jwt.ClaimStrings) error {
	if issuer != p.issuer {
		return ErrInvalidToken
	}
	for _, a := range audience {
		if a == p.audience {
			return nil
		}
	}
	return ErrInvalidToken
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
