package engine

import (
	"encoding/json"
	"net/http"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Source tells where a response came from
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Response is what the engine hands back for every request
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Source    Source
	Treatment policy.Treatment
}

func fromEntry(e *cache.Entry) *Response {
	c := e.Clone()
	return &Response{
		Status: c.Status,
		Header: c.Header,
		Body:   c.Body,
		Source: SourceCache,
	}
}

// offlineResponse is served when neither the network nor the cache can answer
func offlineResponse() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
		Source: SourceOffline,
	}
}

// FailureResponse is the bypass counterpart of offlineResponse, the body is a
// JSON error document.
func FailureResponse(err error) *Response {
	body, merr := json.Marshal(errors.ToJSON(err))
	if merr != nil {
		logrus.Errorf("Failed to encode error response: %v", merr)
		body = []byte(`{"code":"SERVICE_UNAVAILABLE","message":"network unavailable","classification":"RETRYABLE"}`)
	}
	return &Response{
		Status:    http.StatusServiceUnavailable,
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Body:      body,
		Source:    SourceOffline,
		Treatment: policy.Bypass,
	}
}
