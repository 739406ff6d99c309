// Package session issues and verifies signed hub session cookies.
package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/akulov/nbhub/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionCookieName carries the hub login session.
	SessionCookieName = "nbhub_session"
	// serverCookiePrefix prefixes per-server access cookies.
	serverCookiePrefix = "nbhub_server_"
)

// Claims are the JWT claims carried by hub cookies. Scope is empty for hub
// sessions and "server:<name>" for per-server access grants.
type Claims struct {
	Admin bool   `json:"admin"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session cookies.
type Issuer struct {
	secret []byte
	maxAge time.Duration
	secure bool
}

// NewIssuer creates a cookie issuer. secure controls the cookie Secure flag
// and should be true outside development.
func NewIssuer(secret []byte, maxAge time.Duration, secure bool) *Issuer {
	return &Issuer{secret: secret, maxAge: maxAge, secure: secure}
}

func (i *Issuer) sign(user *domain.User, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: user.Admin,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Name,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.maxAge)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) setCookie(w http.ResponseWriter, name, value, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(i.maxAge.Seconds()),
		Expires:  time.Now().Add(i.maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   i.secure,
	})
}

// IssueSession sets the hub login cookie for a user.
func (i *Issuer) IssueSession(w http.ResponseWriter, user *domain.User) error {
	signed, err := i.sign(user, "")
	if err != nil {
		return err
	}
	i.setCookie(w, SessionCookieName, signed, "/")
	return nil
}

// GrantServerAccess sets a credential cookie scoped to the target user's
// server path. Used when an admin is granted access to another user's
// running server.
func (i *Issuer) GrantServerAccess(w http.ResponseWriter, target *domain.User) error {
	signed, err := i.sign(target, "server:"+target.Name)
	if err != nil {
		return err
	}
	i.setCookie(w, serverCookiePrefix+target.Name, signed, "/user/"+target.Name)
	return nil
}

// Parse verifies a signed session token and returns its claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
