package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

const PREFIX = "---HTTP-RESPONSE---"

// Entry is a stored response. CapturedAt is informational only, entries never
// expire on their own.
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

// NewEntry copies the given response parts into a new entry
func NewEntry(status int, header http.Header, body []byte) *Entry {
	e := &Entry{
		Status:     status,
		Header:     cleanHeader(header),
		Body:       append([]byte(nil), body...),
		CapturedAt: time.Now().UTC(),
	}
	return e
}

// Clone returns a deep copy, so callers can hand the copy out while the
// original goes into the cache.
func (e *Entry) Clone() *Entry {
	return &Entry{
		Status:     e.Status,
		Header:     e.Header.Clone(),
		Body:       append([]byte(nil), e.Body...),
		CapturedAt: e.CapturedAt,
	}
}

// framing headers are recomputed on every write, storing them would make a
// round trip lossy
func cleanHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Del("Content-Length")
	out.Del("Transfer-Encoding")
	return out
}

// Serialize writes the entry as a prefix line carrying the capture time,
// followed by the HTTP/1.1 wire form of the response.
func Serialize(e *Entry) ([]byte, error) {
	resp := &http.Response{
		StatusCode:    e.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cleanHeader(e.Header),
		ContentLength: int64(len(e.Body)),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
	}

	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	head := PREFIX + " " + e.CapturedAt.UTC().Format(time.RFC3339Nano) + "\n"
	return append([]byte(head), b...), nil
}

func Deserialize(b []byte) (*Entry, error) {
	nl := bytes.IndexByte(b, '\n')
	if nl < 0 || !strings.HasPrefix(string(b[:nl]), PREFIX) {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	capturedAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(strings.TrimPrefix(string(b[:nl]), PREFIX)))
	if err != nil {
		return nil, fmt.Errorf("invalid capture time: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[nl+1:])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Entry{
		Status:     resp.StatusCode,
		Header:     cleanHeader(resp.Header),
		Body:       body,
		CapturedAt: capturedAt,
	}, nil
}
