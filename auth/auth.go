package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"letter-collab/core"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// UserIDHeader carries an identity established upstream. It is only trusted
// when no JWT secret is configured.
const UserIDHeader = "google-id"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type contextKey string

const identityContextKey = contextKey("identity")

// Claims represents the custom claims for the JWT.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Verifier turns credentials into an identity. With a secret it accepts
// HS256 bearer tokens; without one it trusts the upstream user id.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		logrus.Warn("JWT_SECRET is not set. Trusting the upstream user id header.")
	}
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Sign issues a token for identity, valid for ttl.
func (v *Verifier) Sign(identity core.Identity, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("signing requires a JWT secret")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name:  identity.Name,
		Email: identity.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Identify resolves a connection's identity from a bearer token or, when
// tokens are not in use, from the upstream user id.
func (v *Verifier) Identify(token, userID string) (core.Identity, error) {
	if v.Enabled() {
		if token == "" {
			return core.Identity{}, ErrMissingCredentials
		}
		claims, err := v.Parse(token)
		if err != nil {
			return core.Identity{}, err
		}
		if claims.Subject == "" {
			return core.Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
		}
		return core.Identity{Subject: claims.Subject, Name: claims.Name, Email: claims.Email}, nil
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.Identity{}, ErrMissingCredentials
	}
	return core.Identity{Subject: userID}, nil
}

// IdentifyRequest reads credentials from the Authorization and user id headers.
func (v *Verifier) IdentifyRequest(r *http.Request) (core.Identity, error) {
	token, _ := BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return v.Identify(token, r.Header.Get(UserIDHeader))
}

// BearerToken extracts the token from an "Authorization: Bearer x" value.
func BearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

// Middleware rejects requests without a usable identity and stores the
// identity on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.IdentifyRequest(r)
		if err != nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func WithIdentity(ctx context.Context, identity core.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

func IdentityFrom(ctx context.Context) (core.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(core.Identity)
	return identity, ok
}
