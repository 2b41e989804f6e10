// Package identity authenticates API callers with HMAC-signed JWT bearer
// tokens. The token's subject is the caller's user id; sessions themselves
// carry no credentials beyond the join code.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfehr/auxroom/internal/apperrors"
)

const contextKeyUserID = "auxroom.user_id"

// Claims is the token payload. UserID duplicates the registered subject for
// explicitness on the wire.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Verifier parses and validates bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates a raw token and returns the caller's user id.
func (v *Verifier) Parse(raw string) (uuid.UUID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token")
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	id, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token subject: %w", err)
	}
	return id, nil
}

// Issue mints a token for a user. Used by the dev login endpoint and tests;
// production deployments mint tokens in the identity provider.
func Issue(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Middleware authenticates requests and stores the caller's user id in the
// echo context for UserID to retrieve.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if auth == "" {
				return apperrors.NotAuthorizedError("missing Authorization header")
			}

			scheme, raw, found := strings.Cut(auth, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				return apperrors.NotAuthorizedError("malformed Authorization header")
			}

			userID, err := v.Parse(raw)
			if err != nil {
				return apperrors.NotAuthorizedError("invalid bearer token").WithField("cause", err.Error())
			}

			c.Set(contextKeyUserID, userID)
			return next(c)
		}
	}
}

// UserID returns the authenticated caller's id from the echo context.
func UserID(c echo.Context) (uuid.UUID, error) {
	id, ok := c.Get(contextKeyUserID).(uuid.UUID)
	if !ok {
		return uuid.Nil, apperrors.NotAuthorizedError("request is not authenticated")
	}
	return id, nil
}
