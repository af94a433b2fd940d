package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/engine"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

type upstream struct {
	*httptest.Server
	down atomic.Bool
	hits atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.down.Load() {
			// Simulate an unreachable host by dropping the connection
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>home</html>")
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Content-Length", "3")
			_, _ = io.WriteString(w, "png")
		case "/events":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: hello\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		case "/ws":
			serveEcho(w, r)
		case "/api/sync":
			_, _ = io.WriteString(w, "synced "+r.Method)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// serveEcho completes a websocket handshake then echoes one line back
func serveEcho(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "websocket" {
		http.Error(w, "upgrade required", http.StatusBadRequest)
		return
	}
	conn, rw, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	_ = rw.Flush()
	line, err := rw.ReadString('\n')
	if err != nil {
		return
	}
	_, _ = rw.WriteString("echo " + line)
	_ = rw.Flush()
}

func testConfig(origin string) *config.Config {
	cfg := config.Default()
	cfg.Cache.Backend = "memory"
	cfg.Install.Origin = origin
	cfg.Install.Manifest = []string{"/"}
	cfg.Install.Retries = 0
	cfg.Install.RetryDelay = "10ms"
	cfg.Network.RefreshTimeout = "1s"
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := newServer(cfg, cache.NewStore(cache.NewMemory()), engine.NewHTTPFetcher(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// proxyClient sends every request through the server
func proxyClient(t *testing.T, s *Server) *http.Client {
	t.Helper()
	front := httptest.NewServer(s.Handler())
	t.Cleanup(front.Close)

	proxyURL, err := url.Parse(front.URL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

func fetch(t *testing.T, client *http.Client, method, rawURL string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNew(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Cache.Folder = t.TempDir()

	s, err := New(cfg)
	require.NoError(t, err)
	s.Close()
}

func TestNewInvalidPolicy(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Policy.LiveHosts = []string{"[unclosed"}

	_, err := newServer(cfg, cache.NewStore(cache.NewMemory()), engine.NewHTTPFetcher(time.Second))
	assert.Error(t, err)
}

func TestProxyTreatments(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(up.URL))
	require.NoError(t, s.Prepare(context.Background()))
	client := proxyClient(t, s)

	tests := []struct {
		name      string
		method    string
		path      string
		status    int
		xcache    string
		treatment string
	}{
		{"document", http.MethodGet, "/", http.StatusOK, "MISS", "network-first"},
		{"image miss", http.MethodGet, "/logo.png", http.StatusOK, "MISS", "cache-first"},
		{"image hit", http.MethodGet, "/logo.png", http.StatusOK, "HIT", "cache-first"},
		{"post", http.MethodPost, "/api/sync", http.StatusOK, "MISS", "bypass"},
		{"auth", http.MethodGet, "/auth/callback", http.StatusNotFound, "MISS", "bypass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := fetch(t, client, tt.method, up.URL+tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.xcache, resp.Header.Get("X-Cache"))
			assert.Equal(t, tt.treatment, resp.Header.Get("X-Cache-Treatment"))
		})
	}
}

func TestProxyOffline(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(up.URL))
	require.NoError(t, s.Prepare(context.Background()))
	client := proxyClient(t, s)

	_, body := fetch(t, client, http.MethodGet, up.URL+"/logo.png")
	require.Equal(t, "png", body)

	up.down.Store(true)

	// The manifest primed the home page
	resp, body := fetch(t, client, http.MethodGet, up.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>home</html>", body)

	resp, body = fetch(t, client, http.MethodGet, up.URL+"/logo.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png", body)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, body = fetch(t, client, http.MethodGet, up.URL+"/never")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "OFFLINE", resp.Header.Get("X-Cache"))
	assert.Equal(t, "Offline", body)

	resp, _ = fetch(t, client, http.MethodPost, up.URL+"/api/sync")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestPrepareFailsWhenOriginDown(t *testing.T) {
	up := newUpstream(t)
	up.down.Store(true)

	cfg := testConfig(up.URL)
	cfg.Install.Retries = 2
	s := newTestServer(t, cfg)

	err := s.Prepare(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.StateNotReady, s.Engine().State())
	assert.Equal(t, int32(3), up.hits.Load())
}

func TestPrepareDoesNotRetryPermanentFailures(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL)
	cfg.Install.Manifest = []string{"/missing"}
	cfg.Install.Retries = 5
	s := newTestServer(t, cfg)

	require.Error(t, s.Prepare(context.Background()))
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestAdminAPI(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(up.URL))
	h := s.Handler()

	do := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := do(http.MethodPost, "/lifecycle/activate")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(http.MethodPost, "/lifecycle/install")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(http.MethodPost, "/lifecycle/activate")
	require.Equal(t, http.StatusOK, rec.Code)

	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "active", st.State)
	assert.Equal(t, []string{"runtime-v1", "static-v1"}, st.Generations)

	rec = do(http.MethodGet, "/generations/static-v1/keys")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Equal(t, []string{"GET " + up.URL + "/"}, keys)

	rec = do(http.MethodGet, "/generations/nope/keys")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(http.MethodDelete, "/generations/static-v1/entries")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodDelete, "/generations/static-v1/entries?key="+url.QueryEscape("GET "+up.URL+"/"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(http.MethodGet, "/generations/static-v1/keys")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Empty(t, keys)

	rec = do(http.MethodGet, "/classify?url="+url.QueryEscape("https://example.com/logo.png"))
	require.Equal(t, http.StatusOK, rec.Code)
	var classified map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &classified))
	assert.Equal(t, "cache-first", classified["treatment"])

	rec = do(http.MethodGet, "/classify?method=POST&url="+url.QueryEscape("https://example.com/api/sync"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &classified))
	assert.Equal(t, "bypass", classified["treatment"])
}

func TestReloadPolicy(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(up.URL))
	require.NoError(t, s.Prepare(context.Background()))
	client := proxyClient(t, s)

	resp, _ := fetch(t, client, http.MethodGet, up.URL+"/")
	require.Equal(t, "network-first", resp.Header.Get("X-Cache-Treatment"))

	cfg := testConfig(up.URL)
	cfg.Policy.LiveHosts = []string{"127.0.0.1"}
	s.reloadPolicy(cfg)

	resp, _ = fetch(t, client, http.MethodGet, up.URL+"/")
	assert.Equal(t, "bypass", resp.Header.Get("X-Cache-Treatment"))
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	var generated int
	for i := 0; i < 3; i++ {
		_, err := store.Fetch("example.com", func() (*tls.Certificate, error) {
			generated++
			return &tls.Certificate{}, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, generated)
}

func liveServer(t *testing.T, up *upstream) *Server {
	t.Helper()
	cfg := testConfig(up.URL)
	cfg.Policy.LiveHosts = []string{"127.0.0.1"}
	s := newTestServer(t, cfg)
	require.NoError(t, s.Prepare(context.Background()))
	return s
}

func TestBypassStreamsResponses(t *testing.T) {
	up := newUpstream(t)
	client := proxyClient(t, liveServer(t, up))

	resp, err := client.Get(up.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "bypass", resp.Header.Get("X-Cache-Treatment"))

	first := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		first <- line
	}()
	select {
	case line := <-first:
		assert.Equal(t, "data: hello\n", line)
	case <-time.After(3 * time.Second):
		t.Fatal("event stream was held back by the proxy")
	}
}

func TestBypassUpgradesConnection(t *testing.T) {
	up := newUpstream(t)
	front := httptest.NewServer(liveServer(t, up).Handler())
	t.Cleanup(front.Close)

	conn, err := net.Dial("tcp", front.Listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "GET %s/ws HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n",
		up.URL, up.Listener.Addr())
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo ping\n", line)
}

func TestHeadKeepsOriginLength(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(up.URL))
	require.NoError(t, s.Prepare(context.Background()))
	client := proxyClient(t, s)

	resp, body := fetch(t, client, http.MethodHead, up.URL+"/logo.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, int64(3), resp.ContentLength)
	assert.Equal(t, "bypass", resp.Header.Get("X-Cache-Treatment"))
}

func TestToHTTPResponseContentLength(t *testing.T) {
	header := http.Header{"Content-Length": []string{"1048576"}}

	head := httptest.NewRequest(http.MethodHead, "http://example.com/big.iso", nil)
	resp := toHTTPResponse(head, &engine.Response{Status: http.StatusOK, Header: header, Source: engine.SourceNetwork, Treatment: policy.Bypass})
	assert.Equal(t, int64(1048576), resp.ContentLength)
	assert.Equal(t, "1048576", resp.Header.Get("Content-Length"))

	get := httptest.NewRequest(http.MethodGet, "http://example.com/big.iso", nil)
	resp = toHTTPResponse(get, &engine.Response{Status: http.StatusOK, Header: header, Body: []byte("abc"), Source: engine.SourceCache})
	assert.Equal(t, int64(3), resp.ContentLength)
	assert.Equal(t, "3", resp.Header.Get("Content-Length"))
}
