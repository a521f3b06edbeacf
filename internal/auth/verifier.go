// Package auth provides stateless token verification for gateway handshakes.
//
// Token issuance (login, secret rotation) lives outside this service; the
// gateway only consumes an already-issued credential. Verification happens
// once per connection, before any room traffic is accepted.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cory-johannsen/arena/internal/config"
)

// Identity is the verified player principal bound to a connection.
// It is resolved once at handshake and immutable for the connection's lifetime.
type Identity struct {
	// PlayerID is the stable player identifier (the token subject).
	PlayerID int64
	// Name is the player's display name.
	Name string
	// Rating is the player's rating at token issuance time; the gateway
	// refreshes it from the player store after verification.
	Rating int
}

// AuthCode classifies why a credential was rejected.
type AuthCode string

// Rejection codes. The client recovers by retrying with a fresh token;
// nothing server-side is mutated on failure.
const (
	AuthExpired          AuthCode = "expired"
	AuthMalformed        AuthCode = "malformed"
	AuthSignatureInvalid AuthCode = "signature_invalid"
)

// AuthError describes a rejected credential.
type AuthError struct {
	Code AuthCode
	err  error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %v", e.Code, e.err)
}

// Unwrap exposes the underlying jwt error for errors.Is checks.
func (e *AuthError) Unwrap() error { return e.err }

// Verifier validates an opaque credential and yields a player identity.
// Implementations must be stateless, side-effect-free, and safe for
// concurrent use.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims is the JWT claim set carried by arena credentials.
type Claims struct {
	Name   string `json:"name"`
	Rating int    `json:"rating"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier from the given auth configuration.
//
// Precondition: cfg.Secret must be non-empty.
// Postcondition: Returns a Verifier that accepts only HS256 tokens.
func NewJWTVerifier(cfg config.AuthConfig) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify parses and validates the token, returning the embedded identity.
//
// Postcondition: Returns the Identity on success, or an *AuthError whose
// Code distinguishes expired, malformed, and signature failures.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, classify(err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, &AuthError{Code: AuthMalformed, err: errors.New("missing subject claim")}
	}
	playerID, err := parsePlayerID(sub)
	if err != nil {
		return Identity{}, &AuthError{Code: AuthMalformed, err: fmt.Errorf("subject %q: %w", sub, err)}
	}

	return Identity{
		PlayerID: playerID,
		Name:     claims.Name,
		Rating:   claims.Rating,
	}, nil
}

// classify maps jwt/v5 sentinel errors onto the gateway's rejection codes.
func classify(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &AuthError{Code: AuthExpired, err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &AuthError{Code: AuthSignatureInvalid, err: err}
	default:
		// Malformed structure, bad algorithm, missing claims, not-yet-valid,
		// wrong issuer: all opaque to the client beyond "get a new token".
		return &AuthError{Code: AuthMalformed, err: err}
	}
}

func parsePlayerID(sub string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(sub, "%d", &id); err != nil {
		return 0, errors.New("subject is not a numeric player id")
	}
	if id <= 0 {
		return 0, errors.New("player id must be positive")
	}
	return id, nil
}

// Sign mints a token for the given identity. Used by tests and local
// tooling; production issuance is handled by the login service.
//
// Precondition: secret must be non-empty; ttl must be positive.
// Postcondition: Returns a signed HS256 token string.
func Sign(secret string, issuer string, ident Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:   ident.Name,
		Rating: ident.Rating,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", ident.PlayerID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
