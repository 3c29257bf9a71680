package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	PatientIDKey contextKey = "patient_id"
)

const (
	RoleClinician = "clinician"
	RolePatient   = "patient"
	RoleAdmin     = "admin"
)

// Claims carried by bearer tokens. PatientID binds a patient-role token to
// the single record it may read.
type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	PatientID string   `json:"patient_id,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// ParseToken validates an HS256 bearer token against key.
func ParseToken(tokenStr string, key []byte, issuer string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// IssueToken signs claims with key. Used by the token command and tests.
func IssueToken(claims Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := ParseToken(tokenStr, cfg.SigningKey, cfg.Issuer)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, claims.Subject, claims.Roles, claims.PatientID)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin
// "dev-user". A bearer token, if sent, is still validated.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return validated(c)
			}
			setIdentity(c, "dev-user", []string{RoleAdmin}, "")
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return parts[1], nil
}

func setIdentity(c echo.Context, userID string, roles []string, patientID string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	ctx = context.WithValue(ctx, PatientIDKey, patientID)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func PatientIDFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PatientIDKey).(string)
	return pid
}

// WithIdentity returns ctx carrying the given identity. Tests and
// background jobs use it in place of the middleware.
func WithIdentity(ctx context.Context, userID string, roles []string, patientID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, PatientIDKey, patientID)
}
