package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// Roles carried in token claims. Admin and reseller tokens drive the portal
// APIs; user tokens are issued to end-users by the client SDK endpoints.
const (
	RoleAdmin    = "admin"
	RoleReseller = "reseller"
	RoleUser     = "user"
)

// Principal is the authenticated caller extracted from a bearer token.
type Principal struct {
	Role string
	ID   int
}

type contextKey string

const principalKey contextKey = "principal"

var authRedis *redis.Client

// InitAuthMiddleware wires the Redis client used for the logout blacklist.
// A nil client disables blacklist checks.
func InitAuthMiddleware(redisClient *redis.Client) {
	authRedis = redisClient
}

// IssueToken signs a role-scoped JWT and returns it with its expiry.
func IssueToken(role string, id int) (string, time.Time, error) {
	viper.SetDefault("jwt.expiry_hours", 24)
	expiry := time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour)

	claims := jwt.MapClaims{
		"type": role,
		"exp":  expiry.Unix(),
	}
	claims[role+"_id"] = id

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(viper.GetString("jwt.secret_key")))
	return signed, expiry, err
}

// ParseToken validates a bearer token and returns its principal. Tokens
// blacklisted by logout are rejected.
func ParseToken(ctx context.Context, tokenString string) (*Principal, error) {
	if authRedis != nil {
		if exists, err := authRedis.Exists(ctx, "blacklist:"+tokenString).Result(); err == nil && exists > 0 {
			return nil, fmt.Errorf("token revoked")
		}
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	role, _ := claims["type"].(string)
	if role != RoleAdmin && role != RoleReseller && role != RoleUser {
		return nil, fmt.Errorf("invalid token role")
	}

	id, ok := claims[role+"_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid token subject")
	}

	return &Principal{Role: role, ID: int(id)}, nil
}

// TokenExpiry returns the expiry carried by a valid token, for sizing the
// logout blacklist TTL.
func TokenExpiry(tokenString string) (time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return time.Time{}, fmt.Errorf("invalid token")
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}
	return exp.Time, nil
}

// RequireRole rejects requests whose bearer token is missing, invalid, or
// scoped to a different role, and puts the principal on the context.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			principal, err := ParseToken(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			if principal.Role != role {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
