package httpapi

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridworks/gridsync/internal/gridsync"
)

const tokenAudience = "gridsync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authorizeBearer validates an HS256 bearer token and returns the actor it
// names. Tokens without a recognized role are refused outright.
func authorizeBearer(authHeader, secret string, now time.Time) (gridsync.Actor, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return gridsync.Actor{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return authorizeToken(raw, secret, now)
}

func authorizeToken(raw, secret string, now time.Time) (gridsync.Actor, *authError) {
	if strings.TrimSpace(raw) == "" {
		return gridsync.Actor{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	claims := &tokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return gridsync.Actor{}, &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}
	if claims.Subject == "" {
		return gridsync.Actor{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	role := gridsync.Role(strings.ToUpper(strings.TrimSpace(claims.Role)))
	if role.Rank() < 0 {
		return gridsync.Actor{}, &authError{status: 403, code: "forbidden", message: "unknown role"}
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return gridsync.Actor{ID: claims.Subject, Name: name, Role: role}, nil
}

// MintToken issues a signed bearer token for an actor. Used by the dev token
// endpoint and by tests.
func MintToken(secret string, actor gridsync.Actor, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		Name: actor.Name,
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
