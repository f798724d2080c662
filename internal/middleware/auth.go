package middleware

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey string

const (
	institutionIDKey contextKey = "institutionID"
	tokenKey         contextKey = "token"
)

var errTokenRevoked = errors.New("token revoked")

// BlacklistKey is where a logged-out token is remembered until it expires
func BlacklistKey(token string) string {
	return "blacklist:" + token
}

// AuthMiddleware accepts institution JWTs. Tokens found in the redis
// blacklist are rejected; without redis the blacklist is skipped.
func AuthMiddleware(rdb *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			institutionID, err := validateToken(r.Context(), rdb, token)
			if err != nil {
				log.Printf("[AUTH] Rejected token from %s: %v", r.RemoteAddr, err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), institutionIDKey, institutionID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// InstitutionID returns the authenticated institution for the request
func InstitutionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(institutionIDKey).(string)
	return id, ok && id != ""
}

// Token returns the raw bearer token the request was authenticated with
func Token(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// WithInstitutionID attaches an already authenticated institution
func WithInstitutionID(ctx context.Context, institutionID string) context.Context {
	return context.WithValue(ctx, institutionIDKey, institutionID)
}

// GenerateToken issues an institution JWT
func GenerateToken(institutionID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"institution_id": institutionID,
		"exp":            time.Now().Add(TokenLifetime()).Unix(),
	})
	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

// TokenLifetime is how long issued tokens stay valid
func TokenLifetime() time.Duration {
	return time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
}

func validateToken(ctx context.Context, rdb *redis.Client, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	institutionID, _ := claims["institution_id"].(string)
	if institutionID == "" {
		return "", errors.New("token has no institution_id claim")
	}

	if rdb != nil {
		revoked, err := rdb.Exists(ctx, BlacklistKey(tokenString)).Result()
		if err != nil {
			log.Printf("[AUTH] Blacklist lookup failed, accepting token: %v", err)
		} else if revoked > 0 {
			return "", errTokenRevoked
		}
	}
	return institutionID, nil
}
