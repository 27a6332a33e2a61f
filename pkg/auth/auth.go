// Package auth provides service token authentication helpers.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken extracts the token from an HTTP request.
func ExtractToken(r *http.Request) string {
	// Check Authorization header
	auth := r.Header.Get("Authorization")
	if auth != "" {
		// Handle "Bearer " prefix if present
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}

	// Check X-Auth-Token header
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}

	// Check query parameter
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

// ServiceAuth verifies requests against a shared service token.
type ServiceAuth struct {
	serviceToken string
}

// NewServiceAuth creates a new service authenticator. An empty token
// disables verification, leaving the instance open.
func NewServiceAuth(serviceToken string) *ServiceAuth {
	return &ServiceAuth{
		serviceToken: serviceToken,
	}
}

// Enabled reports whether a token is required.
func (sa *ServiceAuth) Enabled() bool {
	return sa.serviceToken != ""
}

// Verify reports whether the presented token matches the service token.
// The comparison is constant-time.
func (sa *ServiceAuth) Verify(token string) bool {
	if sa.serviceToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(sa.serviceToken)) == 1
}

// GetServiceToken returns the service token for API calls.
func (sa *ServiceAuth) GetServiceToken() string {
	return sa.serviceToken
}

// AddAuthHeader adds the service token to an HTTP request.
func (sa *ServiceAuth) AddAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", sa.serviceToken)
}
