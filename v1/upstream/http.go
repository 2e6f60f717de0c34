package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultParam is the query parameter carrying the key.
const DefaultParam = "key"

// Source performs a single remote read of key.
type Source interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key string) ([]byte, error)

func (f SourceFunc) Read(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

// HTTPSource reads values with GET <endpoint>?<param>=<key>.
type HTTPSource struct {
	client   *http.Client
	endpoint *url.URL
	param    string
	timeout  time.Duration
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets the client used for requests. The client is shared, so
// connections are pooled across reads.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client = c
		}
	}
}

// WithParam sets the query parameter name carrying the key.
func WithParam(name string) HTTPOption {
	return func(s *HTTPSource) {
		if name != "" {
			s.param = name
		}
	}
}

// WithRequestTimeout bounds each read. Zero leaves reads bounded only by the
// caller's context and the client's own timeout.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.timeout = d }
}

// NewHTTPSource returns a Source reading from endpoint.
func NewHTTPSource(endpoint string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream: unsupported endpoint scheme %q", u.Scheme)
	}
	s := &HTTPSource{
		client:   http.DefaultClient,
		endpoint: u,
		param:    DefaultParam,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Read implements Source. Connection and body read failures are returned as
// *TransportError, non-2xx responses as *StatusError.
func (s *HTTPSource) Read(ctx context.Context, key string) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	u := *s.endpoint
	q := u.Query()
	q.Set(s.param, key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Key: key, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	return body, nil
}
