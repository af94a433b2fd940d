package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProxyIntegration(t *testing.T) {
	// Create a test upstream server
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + r.URL.Path + `"}`))
	}))
	defer upstream.Close()

	tempDir := t.TempDir()
	port := freePort(t)

	configPath := filepath.Join(tempDir, "config.yaml")
	configYAML := fmt.Sprintf(`server:
  port: %d
log:
  level: debug
cache:
  backend: sqlite
  folder: %s
install:
  origin: %s
  manifest:
    - /
`, port, filepath.Join(tempDir, "cache"), upstream.URL)
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, configPath)
	}()

	proxyAddr := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForStatus(t, proxyAddr+"/status", "active")

	proxyURL, _ := url.Parse(proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	t.Run("static asset - cache miss then hit", func(t *testing.T) {
		for _, want := range []string{"MISS", "HIT"} {
			resp, err := client.Get(upstream.URL + "/app.js")
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected status 200, got %d", resp.StatusCode)
			}
			if got := resp.Header.Get("X-Cache"); got != want {
				t.Errorf("Expected X-Cache: %s, got %s", want, got)
			}
			if !strings.Contains(string(body), "Hello from upstream") {
				t.Errorf("Unexpected response body: %s", string(body))
			}
		}
	})

	t.Run("document - network first", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		_ = resp.Body.Close()

		if got := resp.Header.Get("X-Cache-Treatment"); got != "network-first" {
			t.Errorf("Expected network-first treatment, got %s", got)
		}
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Server did not shut down")
	}

	if _, err := os.Stat(filepath.Join(tempDir, "cache", "cache.db")); err != nil {
		t.Errorf("Cache database should exist: %v", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	err := run(context.Background(), configPath)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("run() error = %v, want invalid configuration", err)
	}
}

func waitForStatus(t *testing.T, statusURL, state string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(statusURL)
		if err == nil {
			var st struct {
				State string `json:"state"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&st)
			_ = resp.Body.Close()
			if decodeErr == nil && st.State == state {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Proxy never reached state %s", state)
}
