package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/proxy"
)

// upstream is an origin server that can be switched off to simulate losing
// the network
type upstream struct {
	*httptest.Server
	offline atomic.Bool
	hits    atomic.Int32
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.hits.Add(1)
		if u.offline.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	}))
	return u
}

// fixture_config creates a test config for the given backend, priming "/"
// from the upstream at install time
func fixture_config(upstreamURL, tempDir, backend string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache.Backend = backend
	cfg.Cache.Folder = tempDir
	cfg.Install.Origin = upstreamURL
	cfg.Install.Manifest = []string{"/"}
	cfg.Install.Retries = 0
	cfg.Install.RetryDelay = "10ms"
	cfg.Network.Timeout = "5s"
	cfg.Network.RefreshTimeout = "5s"
	return &cfg
}

// fixture_proxy creates and prepares a proxy server with the given config and
// returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := proxyServer.Prepare(context.Background()); err != nil {
		proxyServer.Close()
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.Handler())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
