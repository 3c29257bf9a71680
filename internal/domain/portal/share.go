package portal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	shareIssuer   = "chartview-share"
	shareAudience = "share"
	// MaxShareTTL caps how long a link a patient can request.
	MaxShareTTL = 7 * 24 * time.Hour
)

var ErrInvalidShareLink = errors.New("share link is invalid or expired")

// ShareConfig configures signing of share tokens.
type ShareConfig struct {
	SigningKey []byte
	BaseURL    string
	TTL        time.Duration
}

type shareClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type shareSigner struct {
	key     []byte
	baseURL string
	ttl     time.Duration
}

func newShareSigner(cfg ShareConfig) *shareSigner {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &shareSigner{
		key:     cfg.SigningKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     ttl,
	}
}

func (s *shareSigner) issue(patientID, email string, ttl time.Duration, now time.Time) (*ShareLink, error) {
	if len(s.key) == 0 {
		return nil, fmt.Errorf("share signing key is not configured")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	exp := now.Add(ttl)
	claims := shareClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    shareIssuer,
			Subject:   patientID,
			Audience:  jwt.ClaimStrings{shareAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign share token: %w", err)
	}
	return &ShareLink{
		Token:     token,
		URL:       s.baseURL + "/share/" + token,
		ExpiresAt: exp.UTC(),
		Email:     email,
	}, nil
}

// parse returns the patient ID and expiry carried by a valid token.
func (s *shareSigner) parse(token string, now time.Time) (string, time.Time, error) {
	if len(s.key) == 0 || token == "" {
		return "", time.Time{}, ErrInvalidShareLink
	}
	claims := &shareClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(shareIssuer),
		jwt.WithAudience(shareAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidShareLink, err)
	}
	if claims.Subject == "" {
		return "", time.Time{}, ErrInvalidShareLink
	}
	return claims.Subject, claims.ExpiresAt.Time.UTC(), nil
}

// maskEmail keeps the first character and the domain for logs.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
