// Package proxy is the controlled egress path for lab machines. Lab networks
// are isolated; when a scenario needs outbound access (OS package mirrors,
// tool downloads) the machines go through this gateway instead of getting
// internet access themselves.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// tokenHeader is the shared secret lab machines present on every request.
const tokenHeader = "X-Lab-Token"

// EgressGateway is a host-side forward proxy with a host allow-list. Only
// plain HTTP proxying is supported; requests must use absolute-form URLs the
// way standard proxy clients do.
type EgressGateway struct {
	server  *http.Server
	secret  string
	addr    string
	allowed map[string]struct{}
	rp      *httputil.ReverseProxy
}

// New creates a gateway listening on the given port. If secret is non-empty,
// requests must carry it in the X-Lab-Token header. allowedHosts entries may
// include a port; matching is by hostname.
func New(port int, secret string, allowedHosts []string) *EgressGateway {
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		if h == "" {
			continue
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		allowed[strings.ToLower(h)] = struct{}{}
	}

	gw := &EgressGateway{
		secret:  secret,
		addr:    fmt.Sprintf("0.0.0.0:%d", port),
		allowed: allowed,
	}

	gw.rp = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			if r.URL.Scheme == "" {
				r.URL.Scheme = "https"
			}
			if r.URL.Host == "" {
				r.URL.Host = r.Host
			}
			r.Host = r.URL.Host
			// The token must never leak to the upstream.
			r.Header.Del(tokenHeader)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", gw.handleForward)

	gw.server = &http.Server{
		Addr:              gw.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

func (gw *EgressGateway) handleForward(w http.ResponseWriter, r *http.Request) {
	if gw.secret != "" {
		presented := r.Header.Get(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(gw.secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if _, ok := gw.allowed[strings.ToLower(host)]; !ok {
		log.Warn().
			Str("host", host).
			Str("remote_addr", r.RemoteAddr).
			Msg("egress to disallowed host refused")
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	gw.rp.ServeHTTP(w, r)
}

// Start begins listening. The server runs in a background goroutine.
func (gw *EgressGateway) Start() error {
	ln, err := net.Listen("tcp", gw.addr)
	if err != nil {
		return fmt.Errorf("egress gateway listen: %w", err)
	}
	log.Info().Str("addr", gw.addr).Int("allowed_hosts", len(gw.allowed)).Msg("egress gateway listening")
	go func() {
		_ = gw.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the gateway.
func (gw *EgressGateway) Close(ctx context.Context) error {
	return gw.server.Shutdown(ctx)
}
