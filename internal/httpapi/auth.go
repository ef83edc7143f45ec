package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// bearerClaims is the token payload. The subject is the caller's user id.
type bearerClaims struct {
	UserID string `json:"user_id,omitempty"`
	Scopes any    `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func authenticateBearer(authHeader, jwtSecret, audience string, now time.Time) (canvas.Caller, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return canvas.Caller{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	var claims bearerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	}, opts...)
	if err != nil {
		return canvas.Caller{}, &authError{status: 401, code: "unauthorized", message: describeTokenError(err)}
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return canvas.Caller{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return canvas.Caller{
		UserID: userID,
		Scopes: parseScopes(claims.Scopes),
	}, nil
}

func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "invalid exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid bearer token"
	}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
