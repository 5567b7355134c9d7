package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 12 * time.Hour
	defaultIssuer   = "atelier-backend"
	defaultAudience = "atelier-clients"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDisplayName   = errors.New("display name must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// guestClaims carries the participant's display name alongside the
// registered claim set. The subject is the participant UUID.
type guestClaims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// GuestIdentity is the validated identity carried by a guest token.
type GuestIdentity struct {
	UserID      uuid.UUID
	DisplayName string
}

// TokenIssuerConfig configures the guest JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
	IDProvider    func() uuid.UUID
}

// TokenIssuer mints and validates guest JWTs. Participants have no accounts;
// a fresh UUID issued here is the identity for the lifetime of the token.
type TokenIssuer struct {
	config     TokenIssuerConfig
	clock      func() time.Time
	idProvider func() uuid.UUID
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuid.New
	}
	return &TokenIssuer{config: cfg, clock: clock, idProvider: idProvider}
}

// IssueGuestToken mints a signed JWT for a new guest identity and returns the
// identity, the token, and its lifetime in seconds.
func (i *TokenIssuer) IssueGuestToken(_ context.Context, displayName string) (GuestIdentity, string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return GuestIdentity{}, "", 0, errMissingSigningSecret
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return GuestIdentity{}, "", 0, errMissingDisplayName
	}

	identity := GuestIdentity{UserID: i.idProvider(), DisplayName: displayName}
	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := guestClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return GuestIdentity{}, "", 0, err
	}

	return identity, signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the guest JWT is well formed and returns its identity.
func (i *TokenIssuer) ValidateToken(tokenString string) (GuestIdentity, error) {
	if len(i.config.SigningSecret) == 0 {
		return GuestIdentity{}, errMissingSigningSecret
	}

	claims := &guestClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return GuestIdentity{}, err
	}
	if claims.Subject == "" {
		return GuestIdentity{}, errMissingSubjectClaim
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return GuestIdentity{}, fmt.Errorf("subject is not a participant id: %w", err)
	}
	return GuestIdentity{UserID: userID, DisplayName: claims.DisplayName}, nil
}
