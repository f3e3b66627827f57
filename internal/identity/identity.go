// Package identity supplies the owner identity for a request. It keeps
// session-scoped user records in the store's "users" namespace and
// resolves the session cookie to a user via middleware. The registry
// core trusts whatever owner identity this package hands it.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
)

// SessionCookie is the cookie carrying the session identifier.
const SessionCookie = "session"

const nsUsers = "users"

// ErrNoSession is returned when a session identifier has no stored user.
var ErrNoSession = errors.New("no such session")

// User is the authenticated principal attached to a session.
type User struct {
	Login      string `json:"login"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	ProfileURL string `json:"html_url,omitempty"`
}

// Sessions stores and resolves session-scoped user records.
type Sessions struct {
	store kv.Store
}

func NewSessions(store kv.Store) *Sessions {
	return &Sessions{
		store: store,
	}
}

func sessionKey(sessionID string) kv.Key {
	return kv.Key{nsUsers, sessionID}
}

// Create stores the user under a fresh session identifier and returns it.
func (s *Sessions) Create(ctx context.Context, user User) (string, error) {
	const op = "identity.Sessions.Create"

	sessionID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("%s: failed to generate session id: %w", op, err)
	}

	value, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("%s: failed to marshal user: %w", op, err)
	}

	if err := s.store.Commit(ctx, kv.NewAtomic().Set(sessionKey(sessionID), value)); err != nil {
		return "", fmt.Errorf("%s: failed to store session: %w", op, err)
	}

	return sessionID, nil
}

// User resolves a session identifier to its stored user.
func (s *Sessions) User(ctx context.Context, sessionID string) (*User, error) {
	const op = "identity.Sessions.User"

	entry, err := s.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read session: %w", op, err)
	}
	if !entry.Exists() {
		return nil, fmt.Errorf("%s: %w", op, ErrNoSession)
	}

	var user User
	if err := json.Unmarshal(entry.Value, &user); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal user: %w", op, err)
	}

	return &user, nil
}

type ctxKey struct{}

// Middleware resolves the session cookie and attaches the user, if any,
// to the request context. Requests without a valid session pass through
// anonymously.
func Middleware(sessions *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err == nil && cookie.Value != "" {
				if user, err := sessions.User(r.Context(), cookie.Value); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, user))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext returns the user resolved by Middleware, or nil for an
// anonymous request.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(ctxKey{}).(*User)
	return user
}
