package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"relay-go/pkg/errors"
	"relay-go/pkg/models"
)

// IdentityResolver turns an opaque handshake credential into an identity.
// The gateway only depends on this boundary; session verification itself
// belongs to the identity service.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*models.Identity, error)
}

// Claims is the token shape minted by the identity service.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Banned   bool   `json:"banned"`
	jwt.RegisteredClaims
}

// JWTResolver resolves HMAC-signed tokens locally, without a round trip to
// the identity service.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver for tokens signed with the given secret.
func NewJWTResolver(secret, issuer string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer}
}

// Resolve validates the token and extracts the identity. Banned identities
// resolve successfully; rejecting them is the gateway's call.
func (r *JWTResolver) Resolve(_ context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, errors.Authentication("missing token", nil)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return r.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(r.issuer),
	)
	if err != nil {
		return nil, errors.Authentication("invalid or expired token", err)
	}

	userID := claims.Subject
	if userID == "" {
		return nil, errors.Authentication("token has no subject", nil)
	}

	return &models.Identity{
		UserID:   userID,
		Username: claims.Username,
		Role:     claims.Role,
		Banned:   claims.Banned,
	}, nil
}
