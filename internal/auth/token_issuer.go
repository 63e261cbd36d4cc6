// Package auth issues and validates the bearer tokens devices present to
// the remote document store.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
	bearerPrefix    = "bearer "
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrInvalidTTL           = errors.New("token issuer: ttl must be positive")
	ErrMissingToken         = errors.New("token issuer: token required")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
	ErrMissingSubject       = errors.New("token issuer: subject required")
)

// DeviceClaims is the payload of a device token.
type DeviceClaims struct {
	Device string `json:"device,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 device token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates device tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration. A zero TTL selects the default.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < 0 {
		return nil, ErrInvalidTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueDeviceToken signs a token for the user and returns it with its expiry.
func (i *TokenIssuer) IssueDeviceToken(userID identity.UserID, device string) (string, time.Time, error) {
	if strings.TrimSpace(userID.String()) == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	claims := DeviceClaims{
		Device: strings.TrimSpace(device),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken checks signature, issuer, audience and expiry and returns
// the user the token was issued for.
func (i *TokenIssuer) ValidateToken(tokenString string) (identity.UserID, error) {
	userID, _, err := i.ValidateDeviceToken(tokenString)
	return userID, err
}

// ValidateDeviceToken is ValidateToken that also returns the device label.
func (i *TokenIssuer) ValidateDeviceToken(tokenString string) (identity.UserID, string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", "", ErrMissingToken
	}

	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", "", ErrInvalidToken
	}
	userID, err := identity.NewUserID(claims.Subject)
	if err != nil {
		return "", "", ErrMissingSubject
	}
	return userID, claims.Device, nil
}

// ValidateRequest validates the bearer token of an HTTP request.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (identity.UserID, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", ErrMissingToken
	}
	return i.ValidateToken(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
