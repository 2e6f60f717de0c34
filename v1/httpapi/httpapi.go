// Package httpapi exposes a Coordinator over HTTP: a plain query endpoint,
// a WebSocket endpoint for many lookups on one connection, Prometheus
// metrics and a health check.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
)

// ContentType is the media type of values served by the query endpoint.
const ContentType = "application/json"

// Getter looks up the value of a key.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// HealthFunc reports whether the service can reach its store.
type HealthFunc func(ctx context.Context) error

type options struct {
	gatherer prometheus.Gatherer
	health   HealthFunc
	logger   *slog.Logger
}

// Option configures NewHandler.
type Option func(*options)

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) { o.gatherer = g }
}

// WithHealth serves fn on /healthz.
func WithHealth(fn HealthFunc) Option {
	return func(o *options) { o.health = fn }
}

// WithLogger sets the logger for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewHandler returns the service mux.
func NewHandler(g Getter, opts ...Option) http.Handler {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", QueryHandler(g, o.logger))
	mux.Handle("/ws", WebSocketHandler(g, o.logger))
	if o.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}
	if o.health != nil {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := o.health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
	}
	return mux
}

// QueryHandler answers GET /?key=<key> with the raw value.
func QueryHandler(g Getter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		value, err := g.Get(r.Context(), key)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			logger.Warn("query failed", "key", key, "error", err)
			http.Error(w, err.Error(), StatusFor(err))
			return
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(value)
	}
}

// StatusFor maps lookup errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ferrors.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, ferrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ferrors.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ferrors.ErrRetriesExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler answers every text message with the value of the key it
// carries, or "error: <reason>". Lookups run one at a time per connection.
func WebSocketHandler(g Getter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx := r.Context()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			reply, err := g.Get(ctx, string(msg))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("websocket query failed", "key", string(msg), "error", err)
				reply = []byte("error: " + err.Error())
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}
}
