// Package policy decides how each intercepted request interacts with the cache.
package policy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Kind is the destination hint a browser attaches to a request
type Kind string

const (
	KindUnknown  Kind = ""
	KindImage    Kind = "image"
	KindFont     Kind = "font"
	KindStyle    Kind = "style"
	KindScript   Kind = "script"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// KindFromFetchDest maps a Sec-Fetch-Dest header value to a Kind
func KindFromFetchDest(dest string) Kind {
	switch strings.ToLower(strings.TrimSpace(dest)) {
	case "":
		return KindUnknown
	case "image":
		return KindImage
	case "font":
		return KindFont
	case "style":
		return KindStyle
	case "script":
		return KindScript
	case "document", "iframe", "frame":
		return KindDocument
	default:
		return KindOther
	}
}

// Request describes one intercepted request. It is built once and must not be
// modified afterwards.
type Request struct {
	Method string
	URL    *url.URL
	Kind   Kind

	// Forwarded as-is when the request reaches the network.
	Header http.Header
	Body   []byte
}

// NewRequest builds a body-less request, mostly useful for GETs
func NewRequest(method, rawURL string, kind Kind) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Kind:   kind,
		Header: http.Header{},
	}, nil
}

// FromHTTP captures an incoming *http.Request, consuming its body
func FromHTTP(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if err := r.Body.Close(); err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
		// restore for anything downstream still looking at r
		r.Body = io.NopCloser(bytes.NewReader(b))
		body = b
	}

	u := *r.URL
	if !u.IsAbs() {
		// Reconstruct URL from Host header
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}

	return &Request{
		Method: strings.ToUpper(r.Method),
		URL:    &u,
		Kind:   KindFromFetchDest(r.Header.Get("Sec-Fetch-Dest")),
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// String returns "METHOD url", handy for logs
func (r *Request) String() string {
	if r.URL == nil {
		return r.Method + " <nil>"
	}
	return r.Method + " " + r.URL.String()
}
