package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-tracking/internal/models"
)

var errUnauthenticated = errors.New("missing or invalid credentials")

// Claims carries the caller identity: the subject is the user id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the account service.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for userID. Used by tooling and tests; production
// tokens come from the account service with the same secret.
func (a *Authenticator) Issue(userID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (models.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return models.Actor{}, errors.New("token has no subject")
	}
	if claims.Role != models.RoleRider && claims.Role != models.RoleDriver {
		return models.Actor{}, fmt.Errorf("unsupported role %q", claims.Role)
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

const actorKey contextKey = "actor"

func actorFromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(models.Actor)
	return a, ok
}

// tokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter for browser socket clients.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// withRole authenticates the request and, when roles are given, requires the
// caller to hold one of them.
func (s *Server) withRole(next http.HandlerFunc, roles ...models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, s.logger, errUnauthenticated)
			return
		}
		actor, err := s.auth.Verify(token)
		if err != nil {
			s.logger.Debug("token rejected", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, s.logger, errUnauthenticated)
			return
		}
		if len(roles) > 0 && !hasRole(actor.Role, roles) {
			writeError(w, s.logger, fmt.Errorf("%w: %s role cannot call this endpoint", errRole, actor.Role))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	}
}

var errRole = errors.New("role not allowed")

func hasRole(role models.Role, roles []models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
