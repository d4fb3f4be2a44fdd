// Package identity resolves the bearer credential presented at the
// WebSocket handshake to an authenticated user. The credential is an HS256
// JWT whose subject is the user id and whose "username" claim carries the
// display name; after the token checks out, the user must still exist in
// the store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any credential failure: missing token,
// bad signature, expired token, malformed subject, or a user that no
// longer exists. The handshake is rejected in every case.
var ErrUnauthorized = errors.New("identity: unauthorized")

// lookupTimeout bounds the user-existence check during the handshake.
const lookupTimeout = 3 * time.Second

// Principal is the authenticated identity bound to a connection.
type Principal struct {
	UserID      int64
	DisplayName string
}

// Directory answers whether a user still exists.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// Verifier validates handshake credentials.
type Verifier struct {
	secret []byte
	users  Directory
}

// NewVerifier creates a Verifier with the given HMAC secret and user
// directory.
func NewVerifier(secret string, users Directory) *Verifier {
	return &Verifier{secret: []byte(secret), users: users}
}

// Authenticate extracts and verifies the request's bearer credential. On
// success it returns the principal; any failure yields ErrUnauthorized
// (wrapped with the reason for logging).
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	tokenStr := TokenFromRequest(r)
	if tokenStr == "" {
		return Principal{}, fmt.Errorf("%w: no token provided", ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: non-numeric subject %q", ErrUnauthorized, sub)
	}

	displayName, _ := claims["username"].(string)

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()
	exists, err := v.users.UserExists(ctx, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: user lookup failed: %v", ErrUnauthorized, err)
	}
	if !exists {
		return Principal{}, fmt.Errorf("%w: user %d not found", ErrUnauthorized, userID)
	}

	return Principal{UserID: userID, DisplayName: displayName}, nil
}

// TokenFromRequest extracts the bearer credential from the "token" query
// parameter or the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
