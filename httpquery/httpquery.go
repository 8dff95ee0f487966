/*
Copyright 2013 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpquery builds warehouse queries that fetch a URL. Query
// arguments become escaped path segments under the protocol's base URL;
// abandoning an attempt cancels its request.
package httpquery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/golang/protobuf/proto"
	"go.opencensus.io/plugin/ochttp"

	"github.com/vimeo/warehouse"
)

// HTTPProtocol specifies HTTP specific options for queries
type HTTPProtocol struct {
	// BaseURL is the prefix every request path is appended to, e.g.
	// "http://example.com/api/".
	BaseURL string
	// Transport optionally specifies an http.RoundTripper for the client
	// to use when it makes a request.
	// If nil, the client uses an ochttp.Transport over
	// http.DefaultTransport.
	Transport func(context.Context) http.RoundTripper
	// Header is added to every request.
	Header http.Header
}

// A StatusError is returned for responses other than 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpquery: GET %s: server returned: %v", e.URL, e.Status)
}

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

var defaultTransport http.RoundTripper = &ochttp.Transport{}

// URL returns the request URL for args. Each argument is formatted with
// fmt.Sprint and path-escaped.
func (hp *HTTPProtocol) URL(args ...any) string {
	segs := make([]string, len(args))
	for i, a := range args {
		segs[i] = url.PathEscape(fmt.Sprint(a))
	}
	return hp.BaseURL + strings.Join(segs, "/")
}

// Fetch GETs the URL for args and returns the response body.
func (hp *HTTPProtocol) Fetch(ctx context.Context, args ...any) ([]byte, error) {
	u := hp.URL(args...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range hp.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	tr := defaultTransport
	if hp.Transport != nil {
		tr = hp.Transport(ctx)
	}
	res, err := tr.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: u, StatusCode: res.StatusCode, Status: res.Status}
	}
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufferPool.Put(b)
	if _, err := io.Copy(b, res.Body); err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return append([]byte(nil), b.Bytes()...), nil
}

// Query returns a query resolving to raw response bodies.
func (hp *HTTPProtocol) Query() warehouse.Query[[]byte] {
	return warehouse.QueryFunc(hp.Fetch)
}

// NewQuery returns a query resolving to response bodies passed through
// decode.
func NewQuery[V any](hp *HTTPProtocol, decode func([]byte) (V, error)) warehouse.Query[V] {
	return warehouse.QueryFunc(func(ctx context.Context, args ...any) (V, error) {
		body, err := hp.Fetch(ctx, args...)
		if err != nil {
			var zero V
			return zero, err
		}
		return decode(body)
	})
}

// ProtoDecoder returns a decode function for NewQuery that unmarshals
// bodies into clones of prototype.
func ProtoDecoder[M proto.Message](prototype M) func([]byte) (M, error) {
	return func(body []byte) (M, error) {
		out := proto.Clone(prototype).(M)
		out.Reset()
		if err := proto.Unmarshal(body, out); err != nil {
			var zero M
			return zero, fmt.Errorf("decoding response body: %w", err)
		}
		return out, nil
	}
}
