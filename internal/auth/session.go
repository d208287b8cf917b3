// Package auth validates session tokens and loads the matching user
// profile.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/store"
)

// Claims represents the claims in a session token.
type Claims struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	DisplayName   string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// User is the identity carried by a valid token.
type User struct {
	ID          string
	Email       string
	Verified    bool
	DisplayName string
}

type Validator struct {
	secret []byte
}

// NewValidator creates a validator for HMAC-signed tokens. An empty
// secret is replaced by a random one, which only suits local runs.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		slog.Warn("JWT_SECRET not set, using random secret")
		return &Validator{secret: b}, nil
	}
	return &Validator{secret: []byte(secret)}, nil
}

// Validate parses and verifies a token.
func (v *Validator) Validate(tokenString string) (*User, error) {
	if tokenString == "" {
		return nil, apperr.Unauthorized("validate session", "missing session token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "validate session", "invalid session", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Unauthorized("validate session", "invalid session")
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return nil, apperr.Unauthorized("validate session", "session has no user")
	}
	return &User{
		ID:          uid,
		Email:       claims.Email,
		Verified:    claims.EmailVerified,
		DisplayName: claims.DisplayName,
	}, nil
}

// Issue signs a token for u. It is used by local tooling and tests; the
// identity provider issues tokens in production.
func (v *Validator) Issue(u User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:        u.ID,
		Email:         u.Email,
		EmailVerified: u.Verified,
		DisplayName:   u.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   u.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// GetSessionToken extracts the token from the Authorization header or the
// token query parameter (for WebSocket connections).
func GetSessionToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return ""
}

// EnsureProfile loads users/{uid}, creating it on the first session.
func EnsureProfile(ctx context.Context, st store.Store, u User) (model.Profile, error) {
	doc, err := st.Get(ctx, store.Users, u.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		fields := store.Document{
			"email":     u.Email,
			"role":      model.RoleUser,
			"verified":  u.Verified,
			"createdAt": store.ServerTimestamp,
		}
		if err := st.UpsertMerge(ctx, store.Users, u.ID, fields); err != nil {
			return model.Profile{}, err
		}
		slog.Info("created user profile", "uid", u.ID)
		return fromToken(u), nil
	}
	if err != nil {
		return model.Profile{}, err
	}
	return merge(u, doc)
}

func fromToken(u User) model.Profile {
	return model.Profile{
		UID:         u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        model.RoleUser,
		Verified:    u.Verified,
	}
}

// merge lays the stored profile over the token. Verification status
// always comes from the token.
func merge(u User, doc store.Document) (model.Profile, error) {
	p, err := model.DecodeProfile(u.ID, doc)
	if err != nil {
		return model.Profile{}, apperr.Wrap(apperr.KindInternal, "load profile", "profile cannot be read", err)
	}
	if p.Email == "" {
		p.Email = u.Email
	}
	if p.DisplayName == "" {
		p.DisplayName = u.DisplayName
	}
	p.Verified = u.Verified
	return p, nil
}
