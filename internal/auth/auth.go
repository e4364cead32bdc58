// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "plantpod-gateway"

type contextKey struct{}

// Claims identifies a viewer. The subject is the owner id used for plant authorization.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthManager validates viewer tokens and device API keys. It does not log anyone in;
// tokens are minted by the identity collaborator with the shared secret.
type AuthManager struct {
	secret     []byte
	deviceKeys []string
}

func NewAuthManager(jwtSecret string, deviceKeys []string) *AuthManager {
	return &AuthManager{secret: []byte(jwtSecret), deviceKeys: deviceKeys}
}

// GenerateJWT creates a viewer token for ownerID.
func (am *AuthManager) GenerateJWT(ownerID string, ttl time.Duration) (string, error) {
	if len(am.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(am.secret)
}

// ValidateJWT validates the token and returns its claims.
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	if len(am.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return am.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (am *AuthManager) ValidateAPIKey(apiKey string) bool {
	for _, validKey := range am.deviceKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return true
		}
	}
	return false
}

// JWTMiddleware requires a bearer token and stores the owner id in the request context.
// Browsers cannot set headers on EventSource or WebSocket requests, so an access_token
// query parameter is accepted as well.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("access_token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			bearerToken := strings.Split(authHeader, " ")
			if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}
			tokenString = bearerToken[1]
		}
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := am.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Subject)))
	})
}

// APIKeyMiddleware guards device endpoints with the X-API-Key header.
func (am *AuthManager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		if apiKey == "" {
			http.Error(w, "API key required", http.StatusUnauthorized)
			return
		}

		if !am.ValidateAPIKey(apiKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, ownerID)
}

// Owner returns the authenticated owner id, if any.
func Owner(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}
