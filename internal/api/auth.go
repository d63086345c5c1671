package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL = 24 * time.Hour
	stateTTL = 10 * time.Minute
)

// oauthStates remembers the state values handed out by the login endpoint
// until the matching callback consumes them.
type oauthStates struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func (s *oauthStates) add(state string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expires == nil {
		s.expires = make(map[string]time.Time)
	}
	for k, exp := range s.expires {
		if now.After(exp) {
			delete(s.expires, k)
		}
	}
	s.expires[state] = now.Add(stateTTL)
}

// consume reports whether state was issued and is still fresh. A state is
// good for one callback only.
func (s *oauthStates) consume(state string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[state]
	if !ok {
		return false
	}
	delete(s.expires, state)
	return !now.After(exp)
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	if c == nil {
		return &Claims{}
	}
	return c
}

// IssueToken signs an admin bearer token for userID.
func IssueToken(secret []byte, userID, username string, now time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return s, nil
}

// Auth handlers
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := generateRandomString(32)
	a.states.add(state, a.now())
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": a.oauthConfig.AuthCodeURL(state),
		"state":    state,
	})
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if !a.states.consume(r.URL.Query().Get("state"), a.now()) {
		a.logger.Warn(r.Context(), "oauth callback with unknown or expired state")
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauthConfig.Exchange(r.Context(), code)
	if err != nil {
		a.logger.Warn(r.Context(), "oauth token exchange failed", "err", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	user, err := a.getDiscordUser(r.Context(), token.AccessToken)
	if err != nil {
		a.logger.Warn(r.Context(), "failed to get discord user", "err", err)
		http.Error(w, "failed to get user", http.StatusBadGateway)
		return
	}
	if !a.admins[user.ID] {
		a.logger.Warn(r.Context(), "login refused", "discord_id", user.ID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	tokenString, err := IssueToken(a.jwtSecret, user.ID, getUsername(user), a.now(), tokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.logger.Info(r.Context(), "admin logged in", "discord_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    tokenString,
		"user_id":  user.ID,
		"username": getUsername(user),
	})
}

// Middleware
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return a.jwtSecret, nil
		}, jwt.WithTimeFunc(a.now))
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
