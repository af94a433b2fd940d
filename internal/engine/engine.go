// Package engine applies the caching treatment chosen for every intercepted
// request and manages the lifecycle of cache generations.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Options tune the engine
type Options struct {
	StaticGeneration  string
	RuntimeGeneration string

	// Origin the manifest paths are resolved against.
	Origin             string
	Manifest           []string
	InstallConcurrency int

	RefreshTimeout         time.Duration
	MaxBackgroundRefreshes int
}

// OptionsFromConfig extracts the engine options from a validated configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	refreshTimeout, err := cfg.GetRefreshTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid refresh timeout: %w", err)
	}
	return Options{
		StaticGeneration:       cfg.Cache.StaticGeneration,
		RuntimeGeneration:      cfg.Cache.RuntimeGeneration,
		Origin:                 cfg.Install.Origin,
		Manifest:               cfg.Install.Manifest,
		InstallConcurrency:     cfg.Install.Concurrency,
		RefreshTimeout:         refreshTimeout,
		MaxBackgroundRefreshes: cfg.Network.MaxBackgroundRefreshes,
	}, nil
}

// Engine routes requests through the cache according to their treatment
type Engine struct {
	opts       Options
	store      *cache.Store
	fetcher    Fetcher
	classifier atomic.Pointer[policy.Classifier]

	lifecycleMu sync.Mutex
	state       atomic.Int32

	refreshes singleflight.Group
	bgSem     chan struct{}
	bgMu      sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

func New(store *cache.Store, fetcher Fetcher, classifier *policy.Classifier, opts Options) *Engine {
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 1
	}
	if opts.MaxBackgroundRefreshes <= 0 {
		opts.MaxBackgroundRefreshes = 1
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}

	e := &Engine{
		opts:    opts,
		store:   store,
		fetcher: fetcher,
		bgSem:   make(chan struct{}, opts.MaxBackgroundRefreshes),
	}
	e.classifier.Store(classifier)
	return e
}

// Store exposes the underlying cache store
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Generations returns the current static and runtime generation names
func (e *Engine) Generations() (static, runtime string) {
	return e.opts.StaticGeneration, e.opts.RuntimeGeneration
}

func (e *Engine) Classifier() *policy.Classifier {
	return e.classifier.Load()
}

// SetClassifier swaps the classification rules, requests already in flight
// keep the treatment they were given.
func (e *Engine) SetClassifier(c *policy.Classifier) {
	e.classifier.Store(c)
}

// Handle classifies and executes a request. Until the engine is active,
// requests go straight to the network without touching the cache.
func (e *Engine) Handle(ctx context.Context, req *policy.Request) *Response {
	return e.Execute(ctx, req, e.Treatment(req))
}

// Treatment returns the treatment Handle applies to req: the classifier's
// choice once active, Bypass before that and for anything but GET.
func (e *Engine) Treatment(req *policy.Request) policy.Treatment {
	if state := e.State(); state != StateActive {
		logrus.Debugf("Engine %s, passing %s through", state, req)
		return policy.Bypass
	}
	if req.Method != http.MethodGet {
		return policy.Bypass
	}
	return e.Classifier().Classify(req)
}

// Execute runs the given treatment. It always returns a response.
func (e *Engine) Execute(ctx context.Context, req *policy.Request, treatment policy.Treatment) *Response {
	if req.Method != http.MethodGet {
		treatment = policy.Bypass
	}

	var resp *Response
	switch treatment {
	case policy.CacheFirst:
		resp = e.cacheFirst(ctx, req)
	case policy.NetworkFirst:
		resp = e.networkFirst(ctx, req)
	default:
		treatment = policy.Bypass
		resp = e.bypass(ctx, req)
	}

	resp.Treatment = treatment
	logrus.Debugf("%s [%s] -> %d (%s)", req, treatment, resp.Status, resp.Source)
	return resp
}

func (e *Engine) bypass(ctx context.Context, req *policy.Request) *Response {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		logrus.Warnf("Network failure for %s: %v", req, err)
		return FailureResponse(err)
	}
	return resp
}

func (e *Engine) cacheFirst(ctx context.Context, req *policy.Request) *Response {
	key := cache.RequestKey(req.Method, req.URL)

	if entry := e.lookup(key, e.opts.RuntimeGeneration, e.opts.StaticGeneration); entry != nil {
		e.refreshAsync(req, key)
		return fromEntry(entry)
	}

	resp, err := e.fetcher.Fetch(ctx, unconditional(req))
	if err != nil {
		logrus.Warnf("Network failure for %s and nothing cached: %v", req, err)
		return offlineResponse()
	}
	if resp.Status != http.StatusOK {
		logrus.Debugf("Not caching %s, status %d", req, resp.Status)
		return offlineResponse()
	}

	e.write(key, resp)
	return resp
}

func (e *Engine) networkFirst(ctx context.Context, req *policy.Request) *Response {
	key := cache.RequestKey(req.Method, req.URL)

	resp, err := e.fetcher.Fetch(ctx, unconditional(req))
	if err == nil {
		if resp.Status == http.StatusOK {
			e.write(key, resp)
		}
		return resp
	}

	logrus.Debugf("Network failure for %s, falling back to cache: %v", req, err)
	entry, from, lerr := e.store.Match(key, e.opts.RuntimeGeneration, e.opts.StaticGeneration)
	if lerr != nil {
		logrus.Errorf("Cache lookup failed for %s: %v", key, lerr)
	}
	if entry == nil {
		return offlineResponse()
	}
	logrus.Infof("Serving %s from %s while offline", key, from)
	return fromEntry(entry)
}

// partialHeaders turn a full response into a 304 or a 206, neither of which
// can be stored.
var partialHeaders = []string{
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Range",
}

// unconditional returns a copy of req the origin has to answer in full
func unconditional(req *policy.Request) *policy.Request {
	c := *req
	c.Header = req.Header.Clone()
	for _, h := range partialHeaders {
		c.Header.Del(h)
	}
	return &c
}

// lookup returns the first entry found in the given generations, read
// failures count as misses
func (e *Engine) lookup(key string, gens ...string) *cache.Entry {
	for _, name := range gens {
		gen, err := e.store.Generation(name)
		if err != nil {
			logrus.Errorf("Invalid generation %s: %v", name, err)
			continue
		}
		entry, err := gen.Get(key)
		if err != nil {
			logrus.Errorf("Failed to get cached data for %s: %v", key, err)
			continue
		}
		if entry != nil {
			return entry
		}
	}
	return nil
}

// write stores a copy of resp in the runtime generation. Failures are logged
// and never change the response.
func (e *Engine) write(key string, resp *Response) {
	gen, err := e.store.Generation(e.opts.RuntimeGeneration)
	if err == nil {
		err = gen.Put(key, cache.NewEntry(resp.Status, resp.Header, resp.Body))
	}
	if err != nil {
		logrus.Errorf("%v", errors.Wrapf(err, errors.CodeDatabase, "failed to cache response for %s", key))
	}
}

// refreshAsync re-fetches a cache hit in the background. Refreshes for the
// same key are collapsed, and dropped when too many are already running.
func (e *Engine) refreshAsync(req *policy.Request, key string) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		logrus.Debugf("Too many background refreshes, skipping %s", key)
		return
	}

	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		<-e.bgSem
		return
	}
	e.wg.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("Background refresh of %s panicked: %v", key, r)
			}
		}()

		_, _, _ = e.refreshes.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.RefreshTimeout)
			defer cancel()
			e.refresh(ctx, req, key)
			return nil, nil
		})
	}()
}

func (e *Engine) refresh(ctx context.Context, req *policy.Request, key string) {
	resp, err := e.fetcher.Fetch(ctx, unconditional(req))
	if err != nil {
		logrus.Debugf("Background refresh of %s failed: %v", key, err)
		return
	}
	if resp.Status != http.StatusOK {
		logrus.Debugf("Background refresh of %s returned %d, keeping cached copy", key, resp.Status)
		return
	}
	e.write(key, resp)
}

// Close waits for background refreshes and stops scheduling new ones. The
// store is left open.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.wg.Wait()
}
