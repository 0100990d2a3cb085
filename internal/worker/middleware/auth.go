// Package middleware holds the gin middleware of the worker HTTP surface.
package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	pkgerrors "isoforge/pkg/errors"
	"isoforge/pkg/utils/response"
)

type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates HS256 bearer tokens issued to build
// orchestrators and operators. An empty secret disables authentication,
// which is only sensible on a private network.
func AuthMiddleware(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.Next()
			return
		}

		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			response.AbortWithErrorCode(c, pkgerrors.TokenInvalid, "missing bearer token")
			return
		}

		claims, err := parseToken(raw, key, issuer)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("scope", claims.Scope)
		c.Next()
	}
}

func parseToken(raw string, key []byte, issuer string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
