// Package auth covers API-key hashing, HS256 access tokens, and the
// bootstrap admin account.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/store"
)

// NewAPIKey returns a random url-safe key.
func NewAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Hint is the displayable tail of a key (last 6 characters).
func Hint(apiKey string) string {
	if len(apiKey) <= 6 {
		return apiKey
	}
	return apiKey[len(apiKey)-6:]
}

func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

func VerifyAPIKey(apiKey, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil
}

// CreateAccessToken issues an HS256 JWT whose subject is the user id.
func CreateAccessToken(cfg *config.Config, subject string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(cfg.AccessTokenExpireMinutes) * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates the token and returns its subject.
func ParseAccessToken(cfg *config.Config, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errs.New(errs.Auth, "Invalid token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errs.New(errs.Auth, "Invalid token")
	}
	return claims.Subject, nil
}

// AuthenticateAPIKey finds the active user owning the key. Keys are stored
// hashed only, so this walks the active set and bcrypt-compares.
func AuthenticateAPIKey(ctx context.Context, st store.Store, apiKey string) (*store.User, error) {
	users, err := st.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if VerifyAPIKey(apiKey, users[i].APIKeyHash) {
			return &users[i], nil
		}
	}
	return nil, errs.New(errs.Auth, "Invalid API key")
}

// BootstrapAdmin makes sure the configured admin account exists.
func BootstrapAdmin(ctx context.Context, st store.Store, cfg *config.Config) (*store.User, error) {
	user, err := st.UserByEmail(ctx, cfg.BootstrapAdminEmail)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	apiKey := cfg.BootstrapAPIKey
	if apiKey == "" {
		apiKey = NewAPIKey()
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	admin := &store.User{
		Email:      cfg.BootstrapAdminEmail,
		APIKeyHash: hash,
		APIKeyHint: Hint(apiKey),
		IsActive:   true,
		IsAdmin:    true,
	}
	if err := st.CreateUser(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}
