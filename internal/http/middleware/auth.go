package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/telehealth-scheduling/internal/http/respond"
)

type contextKey string

const claimsKey contextKey = "authClaims"

// RoleAdmin may edit any practitioner's schedule and read admin endpoints.
const RoleAdmin = "admin"

// Claims is the HMAC-signed token payload. Subject is the practitioner ID.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

var errMissingBearer = errors.New("missing authorization header")

func parseBearer(r *http.Request, secret string) (*Claims, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		return nil, errMissingBearer
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// PractitionerJWT guards routes scoped to /v1/practitioners/{practitionerID}:
// the token subject must be that practitioner, or carry the admin role. An
// empty secret disables the guard so local runs need no tokens.
func PractitionerJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseBearer(r, secret)
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, respond.CodeUnauthorized, err.Error())
				return
			}
			if claims.Subject != chi.URLParam(r, "practitionerID") && !claims.HasRole(RoleAdmin) {
				respond.Error(w, http.StatusForbidden, respond.CodeForbidden, "token does not grant access to this practitioner")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, *claims)))
		})
	}
}

// AdminJWT requires a token with the admin role. Unlike PractitionerJWT it
// fails closed when no secret is configured.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respond.Error(w, http.StatusUnauthorized, respond.CodeUnauthorized, "admin auth disabled")
				return
			}
			claims, err := parseBearer(r, secret)
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, respond.CodeUnauthorized, err.Error())
				return
			}
			if !claims.HasRole(RoleAdmin) {
				respond.Error(w, http.StatusForbidden, respond.CodeForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, *claims)))
		})
	}
}

// ClaimsFromContext returns the verified token claims, if any.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}
