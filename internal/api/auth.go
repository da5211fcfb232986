package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// queryKeyParam carries the key on GET /events for clients that cannot set
// headers, such as a browser EventSource.
const queryKeyParam = "api_key"

var (
	errKeyNotConfigured = errors.New("API key not configured")
	errMissingHeader    = errors.New("missing Authorization header")
	errNotBearer        = errors.New("invalid Authorization header format")
	errEmptyKey         = errors.New("missing API key")
	errWrongKey         = errors.New("invalid API key")
)

// requestKey returns the bearer key presented by r.
func requestKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if r.Method == http.MethodGet && r.URL.Path == "/events" {
			if key := r.URL.Query().Get(queryKeyParam); key != "" {
				return key, nil
			}
		}
		return "", errMissingHeader
	}

	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errNotBearer
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", errEmptyKey
	}
	return key, nil
}

// checkKey compares in constant time. An empty configured key matches nothing.
func checkKey(provided, configured string) error {
	if configured == "" {
		return errKeyNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) != 1 {
		return errWrongKey
	}
	return nil
}

// authMiddleware rejects requests without the configured bearer key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := requestKey(r)
		if err == nil {
			err = checkKey(key, s.config.APIKey)
		}
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
