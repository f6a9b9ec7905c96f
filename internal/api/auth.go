package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware validates bearer credentials. With neither token nor secret
// configured every request passes through.
func authMiddleware(token, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" && secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
			presented := strings.TrimSpace(auth[len("Bearer "):])
			if token != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if secret != "" && validJWT(presented, secret) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		})
	}
}

func validJWT(raw, secret string) bool {
	parsed, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)
	return err == nil && parsed.Valid
}
