package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
)

type mapGetter map[string]string

func (m mapGetter) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := m[key]; ok {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: redis down", ferrors.ErrStoreUnavailable)
}

func TestQueryHandler(t *testing.T) {
	srv := httptest.NewServer(NewHandler(mapGetter{"abc": "42"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?key=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "42" {
		t.Fatalf("expected 200 42, got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ContentType {
		t.Fatalf("unexpected content type %q", ct)
	}

	resp, err = http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/?key=other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on store failure, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/?key=abc", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestQueryRouteIsRootOnly(t *testing.T) {
	srv := httptest.NewServer(NewHandler(mapGetter{"abc": "42"}))
	defer srv.Close()

	for _, path := range []string{"/favicon.ico", "/foo?key=abc"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ferrors.ErrEmptyKey:                             http.StatusBadRequest,
		fmt.Errorf("x: %w", ferrors.ErrLockTimeout):     http.StatusGatewayTimeout,
		fmt.Errorf("x: %w", ferrors.ErrRetriesExhausted): http.StatusBadGateway,
		errors.New("other"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "fillcache_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	var healthy atomic.Bool
	healthy.Store(true)
	h := NewHandler(mapGetter{}, WithGatherer(reg), WithHealth(func(context.Context) error {
		if !healthy.Load() {
			return errors.New("store down")
		}
		return nil
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "fillcache_test_total 1") {
		t.Fatalf("metric missing from output: %s", body)
	}

	resp, _ = http.Get(srv.URL + "/healthz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}
	healthy.Store(false)
	resp, _ = http.Get(srv.URL + "/healthz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected unhealthy, got %d", resp.StatusCode)
	}
}

func TestWebSocketHandler(t *testing.T) {
	srv := httptest.NewServer(NewHandler(mapGetter{"a": "1", "b": "2"}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))

	for key, want := range map[string]string{"a": "1", "b": "2"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(key)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("key %s: expected %s, got %s", key, want, msg)
		}
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte("missing"))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(msg), "error: ") {
		t.Fatalf("expected error reply, got %s", msg)
	}
}
