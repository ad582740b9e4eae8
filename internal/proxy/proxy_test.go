package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestEgressGateway_TokenValidation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	upstreamHost := mustHost(t, upstream.URL)

	tests := []struct {
		name       string
		secret     string // gateway shared secret ("" = no token required)
		presented  string // X-Lab-Token the caller sends
		wantStatus int
	}{
		{"valid token", "lab-secret", "lab-secret", http.StatusOK},
		{"wrong token", "lab-secret", "wrong", http.StatusForbidden},
		{"missing token", "lab-secret", "", http.StatusForbidden},
		{"no token configured (pass-through)", "", "", http.StatusOK},
		{"no token configured with random value", "", "anything", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := New(0, tt.secret, []string{upstreamHost})

			req := httptest.NewRequest(http.MethodGet, upstream.URL+"/pool/main/nmap.deb", nil)
			if tt.presented != "" {
				req.Header.Set(tokenHeader, tt.presented)
			}
			rec := httptest.NewRecorder()
			gw.handleForward(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestEgressGateway_HostAllowList(t *testing.T) {
	var gotPath string
	var gotToken string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get(tokenHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	upstreamHost := mustHost(t, upstream.URL)
	gw := New(0, "lab-secret", []string{upstreamHost, "deb.debian.org"})

	// Allowed host is forwarded, with the token stripped.
	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/dists/stable/Release", nil)
	req.Header.Set(tokenHeader, "lab-secret")
	rec := httptest.NewRecorder()
	gw.handleForward(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("allowed host: got status %d, want 200", rec.Code)
	}
	if gotPath != "/dists/stable/Release" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotToken != "" {
		t.Errorf("token leaked to upstream: %q", gotToken)
	}

	// A host outside the allow-list is refused before any dial.
	req = httptest.NewRequest(http.MethodGet, "http://evil.example.com/payload", nil)
	req.Header.Set(tokenHeader, "lab-secret")
	rec = httptest.NewRecorder()
	gw.handleForward(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed host: got status %d, want 403", rec.Code)
	}
}

func TestEgressGateway_AllowListIgnoresPort(t *testing.T) {
	gw := New(0, "", []string{"mirror.lab.internal:8080"})

	if _, ok := gw.allowed["mirror.lab.internal"]; !ok {
		t.Error("allow-list entry with port not normalized to hostname")
	}
}

func TestEgressGateway_StartAndClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	gw := New(port, "tok", []string{"deb.debian.org"})
	if err := gw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Listening, but the token is missing so the gateway refuses.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("got status %d, want 403", resp.StatusCode)
	}

	if err := gw.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port)); err == nil {
		t.Error("expected connection error after Close, got nil")
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname()
}
