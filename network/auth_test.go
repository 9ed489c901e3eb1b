package network

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestTokenAuthenticatorAcceptsRawAndBearer(t *testing.T) {
	t.Parallel()

	auth := NewTokenAuthenticator("X-Node-Token", "super-secret")
	if auth == nil {
		t.Fatalf("authenticator should not be nil")
	}

	for _, value := range []string{"super-secret", "Bearer super-secret", "bearer  super-secret "} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Node-Token", value)
		if err := auth.Authorize(req); err != nil {
			t.Fatalf("token %q should authorize: %v", value, err)
		}
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Node-Token", "super-secret-with-extra")
	if err := auth.Authorize(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for mismatched token, got %v", err)
	}
}

func TestTokenAuthenticatorEmptySecretIsNil(t *testing.T) {
	t.Parallel()

	if auth := NewTokenAuthenticator("", "   "); auth != nil {
		t.Fatalf("expected nil authenticator for empty secret")
	}
	chained := ChainAuthenticators(nil, NewTokenAuthenticator("", ""))
	if err := chained.Authorize(httptest.NewRequest("GET", "/", nil)); err != nil {
		t.Fatalf("empty chain should authorize: %v", err)
	}
}

func TestTLSAuthorizerMatchesSANsAndCN(t *testing.T) {
	t.Parallel()

	uri, err := url.Parse("spiffe://ilp/peer")
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	auth := NewTLSAuthorizer([]string{"peer.example.com", "spiffe://ilp/peer", "legacy-peer"})

	cases := []struct {
		name string
		cert *x509.Certificate
		want error
	}{
		{name: "dns", cert: &x509.Certificate{DNSNames: []string{"Peer.Example.COM"}}},
		{name: "uri", cert: &x509.Certificate{URIs: []*url.URL{uri}}},
		{name: "common name", cert: &x509.Certificate{Subject: pkix.Name{CommonName: "legacy-peer"}}},
		{name: "not allowed", cert: &x509.Certificate{Subject: pkix.Name{CommonName: "other"}}, want: ErrForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{tc.cert}}
		err := auth.Authorize(req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if err := auth.Authorize(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated without TLS, got %v", err)
	}
}
