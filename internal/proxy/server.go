package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/engine"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Server represents the offline proxy server
type Server struct {
	config *config.Config
	proxy  *goproxy.ProxyHttpServer
	engine *engine.Engine

	closeOnce sync.Once
}

// New creates a new proxy server backed by the configured cache store
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid network timeout: %w", err)
	}

	store, err := cache.Open(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	s, err := newServer(cfg, store, engine.NewHTTPFetcher(timeout))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg *config.Config, store *cache.Store, fetcher engine.Fetcher) (*Server, error) {
	classifier, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		proxy:  goproxy.NewProxyHttpServer(),
		engine: engine.New(store, fetcher, classifier, opts),
	}

	s.proxy.Tr.Proxy = nil
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.NonproxyHandler = s.adminRouter()

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}
	s.proxy.OnRequest().DoFunc(s.handleRequest)
	s.proxy.OnResponse().DoFunc(s.handleResponse)

	return s, nil
}

// Engine returns the caching engine requests are fed to
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Handler returns the proxy handler, admin requests included
func (s *Server) Handler() http.Handler {
	return s.proxy
}

func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	req, err := policy.FromHTTP(r)
	if err != nil {
		logrus.Warnf("Rejecting %s %s: %v", r.Method, r.URL, err)
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadRequest, err.Error())
	}

	treatment := s.engine.Treatment(req)
	if treatment == policy.Bypass {
		// goproxy streams the exchange itself, upgrades included
		ctx.UserData = &passthrough{req: req}
		ctx.RoundTripper = goproxy.RoundTripperFunc(s.forward)
		return r, nil
	}

	resp := s.engine.Execute(r.Context(), req, treatment)
	logrus.Infof("%s -> %d [%s, %s]", req, resp.Status, resp.Treatment, resp.Source)
	return r, toHTTPResponse(r, resp)
}

// passthrough tracks a bypassed request between the request and response
// hooks
type passthrough struct {
	req    *policy.Request
	failed bool
}

// forward sends a bypassed request upstream. A transport failure is answered
// with the JSON error document rather than goproxy's plain 500.
func (s *Server) forward(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := s.proxy.Tr.RoundTrip(r)
	if err == nil {
		return resp, nil
	}

	if pt, ok := ctx.UserData.(*passthrough); ok {
		pt.failed = true
	}
	logrus.Warnf("Network failure for %s %s: %v", r.Method, r.URL, err)
	failure := engine.FailureResponse(engine.NetworkError(err, "forwarding %s %s", r.Method, r.URL))
	return toHTTPResponse(r, failure), nil
}

func (s *Server) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	pt, ok := ctx.UserData.(*passthrough)
	if !ok || resp == nil {
		return resp
	}

	if !pt.failed {
		resp.Header.Set("X-Cache", cacheStatus(engine.SourceNetwork))
		resp.Header.Set("X-Cache-Treatment", policy.Bypass.String())
	}
	logrus.Infof("%s -> %d [%s, %s]", pt.req, resp.StatusCode, policy.Bypass, resp.Header.Get("X-Cache"))
	return resp
}

func cacheStatus(source engine.Source) string {
	switch source {
	case engine.SourceCache:
		return "HIT"
	case engine.SourceNetwork:
		return "MISS"
	default:
		return "OFFLINE"
	}
}

func toHTTPResponse(r *http.Request, resp *engine.Response) *http.Response {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache", cacheStatus(resp.Source))
	header.Set("X-Cache-Treatment", resp.Treatment.String())
	contentLength := int64(len(resp.Body))
	if r.Method == http.MethodHead && header.Get("Content-Length") != "" {
		// the origin's length describes the body it did not send
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil {
			contentLength = n
		}
	}
	header.Set("Content-Length", strconv.FormatInt(contentLength, 10))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: contentLength,
		Request:       r,
	}
}

// Prepare installs and activates the engine. Install is retried as long as
// the failure is retryable and attempts remain.
func (s *Server) Prepare(ctx context.Context) error {
	delay, err := s.config.GetRetryDelay()
	if err != nil {
		return fmt.Errorf("invalid retry delay: %w", err)
	}

	attempts := s.config.Install.Retries + 1
	for attempt := 1; ; attempt++ {
		err = s.engine.Install(ctx)
		if err == nil {
			break
		}
		if attempt >= attempts || !errors.IsRetryable(err) {
			return fmt.Errorf("install failed after %d attempt(s): %w", attempt, err)
		}
		logrus.Warnf("Install attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("install interrupted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	if err := s.engine.Activate(ctx); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}
	return nil
}

// Start prepares the engine and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, configPath string) error {
	defer s.Close()

	if err := s.Prepare(ctx); err != nil {
		return err
	}

	if configPath != "" {
		stop, err := config.Watch(configPath, s.reloadPolicy)
		if err != nil {
			logrus.Warnf("Config hot reload disabled: %v", err)
		} else {
			defer stop()
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Server.Port, err)
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		tln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen for https connections on %s: %w", addr, err)
		}
		go s.serveTransparentHTTPS(ctx, tln)
	}

	static, runtime := s.engine.Generations()
	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Generations: static=%s runtime=%s", static, runtime)

	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logrus.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) reloadPolicy(cfg *config.Config) {
	classifier, err := policy.New(cfg.Policy)
	if err != nil {
		logrus.Errorf("Keeping previous policy: %v", err)
		return
	}
	s.engine.SetClassifier(classifier)
	logrus.Infof("Policy reloaded")
}

// Close waits for background refreshes and closes the store
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.engine.Close()
		if err := s.engine.Store().Close(); err != nil {
			logrus.Errorf("Failed to close cache: %v", err)
		}
	})
}
