package network

import (
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a request carries no acceptable credential.
	ErrUnauthenticated = errors.New("network: unauthenticated")
	// ErrForbidden is returned when the presented client certificate is not allowed.
	ErrForbidden = errors.New("network: forbidden")
)

// Authenticator evaluates an incoming request and returns an error when it should be
// refused.
type Authenticator interface {
	Authorize(r *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(*http.Request) error

func (f AuthenticatorFunc) Authorize(r *http.Request) error {
	if f == nil {
		return nil
	}
	return f(r)
}

// ChainAuthenticators combines authenticators, stopping at the first failure. Nil
// entries are skipped; an empty chain authorises everything.
func ChainAuthenticators(auths ...Authenticator) Authenticator {
	filtered := make([]Authenticator, 0, len(auths))
	for _, auth := range auths {
		if auth != nil {
			filtered = append(filtered, auth)
		}
	}
	return AuthenticatorFunc(func(r *http.Request) error {
		for _, auth := range filtered {
			if err := auth.Authorize(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewTokenAuthenticator requires header to carry secret, either raw or as
// "Bearer <secret>". An empty secret yields nil so callers can chain it unconditionally.
func NewTokenAuthenticator(header, secret string) Authenticator {
	name := strings.TrimSpace(header)
	if name == "" {
		name = "Authorization"
	}
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil
	}
	return AuthenticatorFunc(func(r *http.Request) error {
		if tokenMatches(r.Header.Values(name), trimmed) {
			return nil
		}
		return ErrUnauthenticated
	})
}

// NewTLSAuthorizer requires a client certificate and, when allowed is non-empty, one
// whose DNS SAN, URI SAN or common name is on the list.
func NewTLSAuthorizer(allowed []string) Authenticator {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		if normalized := normalizeIdentity(name); normalized != "" {
			allowedSet[normalized] = struct{}{}
		}
	}
	return AuthenticatorFunc(func(r *http.Request) error {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return ErrUnauthenticated
		}
		if len(allowedSet) == 0 {
			return nil
		}
		for _, cert := range r.TLS.PeerCertificates {
			if certificateMatchesAllowlist(cert, allowedSet) {
				return nil
			}
		}
		return ErrForbidden
	})
}

func tokenMatches(values []string, secret string) bool {
	for _, value := range values {
		token := strings.TrimSpace(value)
		if constantTimeEqual(token, secret) {
			return true
		}
		if len(token) >= len("bearer ") && strings.EqualFold(token[:len("bearer ")], "bearer ") {
			if constantTimeEqual(strings.TrimSpace(token[len("bearer "):]), secret) {
				return true
			}
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeIdentity(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func certificateMatchesAllowlist(cert *x509.Certificate, allowed map[string]struct{}) bool {
	if cert == nil {
		return false
	}
	for _, dns := range cert.DNSNames {
		if _, ok := allowed[normalizeIdentity(dns)]; ok {
			return true
		}
	}
	for _, uri := range cert.URIs {
		if uri == nil {
			continue
		}
		if _, ok := allowed[normalizeIdentity(uri.String())]; ok {
			return true
		}
	}
	_, ok := allowed[normalizeIdentity(cert.Subject.CommonName)]
	return ok
}
