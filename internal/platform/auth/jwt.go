package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("missing bearer token")

type ctxKeyUserID struct{}
type ctxKeyRole struct{}

func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyUserID{}).(string)
	return v, ok
}

// WithUserID injects user_id into context. Useful for testing.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, uid)
}

// WithRole injects role into context. Useful for testing.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRole{}, role)
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRole{}).(string)
	return v, ok
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTVerifier struct {
	Secret []byte
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// TokenFromRequest returns the bearer token from the Authorization header.
// Browsers cannot set headers on websocket upgrades, so when allowQuery is
// true the "token" query parameter is accepted as well.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", ErrMissingToken
		}
		if tok := strings.TrimSpace(parts[1]); tok != "" {
			return tok, nil
		}
		return "", ErrMissingToken
	}
	if allowQuery {
		if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
			return tok, nil
		}
	}
	return "", ErrMissingToken
}

// Authenticate resolves the calling user from the request token.
func (v JWTVerifier) Authenticate(r *http.Request, allowQuery bool) (*Claims, error) {
	tok, err := TokenFromRequest(r, allowQuery)
	if err != nil {
		return nil, err
	}
	claims, err := v.Parse(tok)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// RequireUser middleware validates Bearer token and injects user_id into context.
func RequireUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.Authenticate(r, false)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUserID{}, claims.Subject)
			if strings.TrimSpace(claims.Role) != "" {
				ctx = context.WithValue(ctx, ctxKeyRole{}, claims.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
