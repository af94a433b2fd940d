package engine

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Fetcher is the network capability the engine relies on. It returns an
// error only for transport failures; any HTTP status is a valid response.
type Fetcher interface {
	Fetch(ctx context.Context, req *policy.Request) (*Response, error)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher implements Fetcher with net/http
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher that never goes through an environment
// proxy (it would usually be us) and does not follow redirects.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, requ *policy.Request) (*Response, error) {
	if requ.URL == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "request %s has no URL", requ.Method)
	}

	var body io.Reader
	if len(requ.Body) > 0 {
		body = bytes.NewReader(requ.Body)
	}

	req, err := http.NewRequestWithContext(ctx, requ.Method, requ.URL.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "building request %s", requ)
	}

	// Copy headers
	for key, values := range requ.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, NetworkError(err, "fetching %s", requ)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read response body
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError(err, "reading response of %s", requ)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	if requ.Method != http.MethodHead {
		header.Del("Content-Length")
	}

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
		Source: SourceNetwork,
	}, nil
}

// NetworkError wraps a transport failure as a retryable timeout or network
// error.
func NetworkError(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, transportCode(err), format, args...)
}

func transportCode(err error) errors.ErrorCode {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return errors.CodeTimeout
	}
	return errors.CodeNetwork
}
