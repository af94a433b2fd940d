package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// State of the engine lifecycle
type State int32

const (
	StateNotReady State = iota
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return "not-ready"
	}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Install primes the static generation with the manifest. On failure the
// engine stays NotReady and the static generation may be partially filled.
func (e *Engine) Install(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() != StateNotReady {
		return nil
	}

	static, err := e.store.Open(e.opts.StaticGeneration)
	if err != nil {
		return errors.Wrap(err, CodeInstallFailed, "failed to open static generation")
	}

	urls, err := e.manifestURLs()
	if err != nil {
		return errors.Wrap(err, CodeInstallFailed, "invalid install manifest")
	}

	if e.primed(static, urls) {
		logrus.Infof("Static generation %s already holds %d manifest entries, skipping network", static.Name(), len(urls))
		e.state.Store(int32(StateInstalled))
		return nil
	}

	logrus.Infof("Installing %d manifest entries into %s", len(urls), static.Name())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.InstallConcurrency)
	for _, u := range urls {
		g.Go(func() error {
			return e.prime(gctx, static, u)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithContext(
			errors.Wrap(err, CodeInstallFailed, "install failed"),
			"generation", static.Name(),
		)
	}

	e.state.Store(int32(StateInstalled))
	logrus.Infof("Install of %s complete", static.Name())
	return nil
}

func (e *Engine) prime(ctx context.Context, static *cache.Generation, u *url.URL) error {
	req := &policy.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		code := errors.CodeUnavailable
		if resp.Status >= 400 && resp.Status < 500 {
			code = errors.CodeNotFound
		}
		return errors.Newf(code, "fetching %s returned status %d", u, resp.Status)
	}

	key := cache.RequestKey(http.MethodGet, u)
	if err := static.Put(key, cache.NewEntry(resp.Status, resp.Header, resp.Body)); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "storing %s", key)
	}
	return nil
}

// primed reports whether every manifest entry is already in the generation
func (e *Engine) primed(static *cache.Generation, urls []*url.URL) bool {
	if len(urls) == 0 {
		return true
	}
	for _, u := range urls {
		entry, err := static.Get(cache.RequestKey(http.MethodGet, u))
		if err != nil || entry == nil {
			return false
		}
	}
	return true
}

func (e *Engine) manifestURLs() ([]*url.URL, error) {
	var origin *url.URL
	if e.opts.Origin != "" {
		var err error
		origin, err = url.Parse(e.opts.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", e.opts.Origin, err)
		}
	}

	seen := make(map[string]bool)
	urls := make([]*url.URL, 0, len(e.opts.Manifest))
	for _, p := range e.opts.Manifest {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest path %q: %w", p, err)
		}
		if !u.IsAbs() {
			if origin == nil {
				return nil, fmt.Errorf("manifest path %q is relative and no origin is configured", p)
			}
			u = origin.ResolveReference(u)
		}
		u.Fragment, u.RawFragment = "", ""
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		urls = append(urls, u)
	}
	return urls, nil
}

// Activate deletes every generation except the current static and runtime
// ones, then lets the engine serve traffic through the cache.
func (e *Engine) Activate(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch e.State() {
	case StateActive:
		return nil
	case StateNotReady:
		return errors.New(CodeNotInstalled, "cannot activate before a successful install")
	}

	names, err := e.store.GenerationNames()
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to list generations")
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.CodeUnavailable, "activate interrupted")
		}
		if name == e.opts.StaticGeneration || name == e.opts.RuntimeGeneration {
			continue
		}
		logrus.Infof("Deleting orphaned generation %s", name)
		if err := e.store.DeleteGeneration(name); err != nil {
			return errors.Wrap(err, errors.CodeDatabase, "failed to delete orphaned generation")
		}
	}

	if _, err := e.store.Open(e.opts.RuntimeGeneration); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to open runtime generation")
	}

	e.state.Store(int32(StateActive))
	logrus.Infof("Engine active (static=%s, runtime=%s)", e.opts.StaticGeneration, e.opts.RuntimeGeneration)
	return nil
}
