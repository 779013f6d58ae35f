package chatnet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

type ctxKey int

const userIDKey ctxKey = iota

func InjectUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserID(ctx context.Context) string {
	v := ctx.Value(userIDKey)
	if v == nil {
		return ""
	}
	return v.(string)
}

// IssueToken signs an HS256 access token whose subject is userID.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

func JWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := extractToken(r)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
				return
			}

			claims, err := verifyToken(tokenString, secret)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
				return
			}

			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token claims")
				return
			}

			observability.GetLogger(r.Context()).Debug("jwt_parsed", zap.String("sub", sub))
			next.ServeHTTP(w, r.WithContext(InjectUserID(r.Context(), sub)))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing token")
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid token format")
	}

	return parts[1], nil
}

func verifyToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
