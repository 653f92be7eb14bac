package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glimte/productbridge/catalog"
	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/health"
	"github.com/glimte/productbridge/internal/metrics"
	"github.com/glimte/productbridge/store"
	"github.com/glimte/productbridge/transports/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// echoSubmitter answers every command with the event snapshot, or err
type echoSubmitter struct {
	err  error
	last contracts.ProductEvent
}

func (s *echoSubmitter) CreateEvent(p contracts.Product, action contracts.Action) (contracts.ProductEvent, error) {
	version, err := contracts.NextVersion(p.Version)
	if err != nil {
		return contracts.ProductEvent{}, err
	}
	if p.ID == "" {
		p.ID = "generated"
	}
	p.Version = version
	return contracts.NewProductEvent(p, action), nil
}

func (s *echoSubmitter) Submit(ctx context.Context, event contracts.ProductEvent) (contracts.Product, error) {
	s.last = event
	if s.err != nil {
		return contracts.Product{}, s.err
	}
	return event.Snapshot(), nil
}

func newServer(t *testing.T, sub *echoSubmitter, opts ...Option) *httptest.Server {
	t.Helper()
	st := store.New(store.WithLogger(quietLogger), store.WithSeed(
		contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"},
	))

	svcOpts := []catalog.Option{catalog.WithReader(st), catalog.WithLogger(quietLogger)}
	if sub != nil {
		svcOpts = append(svcOpts, catalog.WithSubmitter(sub))
	}
	svc := catalog.NewService(svcOpts...)

	srv := httptest.NewServer(NewRouter(svc, append([]Option{WithLogger(quietLogger)}, opts...)...))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestQueryRoutes(t *testing.T) {
	srv := newServer(t, nil)

	t.Run("list", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, srv.URL+"/products", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var products []contracts.Product
		require.NoError(t, json.Unmarshal(body, &products))
		assert.Len(t, products, 1)
	})

	for _, path := range []string{"/products/P1", "/product/P1"} {
		t.Run("get "+path, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+path, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var p contracts.Product
			require.NoError(t, json.Unmarshal(body, &p))
			assert.Equal(t, "Widget", p.Name)
		})
	}

	t.Run("missing", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, srv.URL+"/products/nope", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("commands not routed without backend", func(t *testing.T) {
		resp, _ := do(t, http.MethodPost, srv.URL+"/products", `{"name":"x"}`)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestCommandRoutes(t *testing.T) {
	sub := &echoSubmitter{}
	srv := newServer(t, sub)

	t.Run("create", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/products", `{"name":"Gadget","type":"T"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var p contracts.Product
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "generated", p.ID)
		assert.Equal(t, "v1", p.Version)
		assert.Equal(t, contracts.ActionCreated, sub.last.Event)
	})

	t.Run("update uses path id", func(t *testing.T) {
		resp, body := do(t, http.MethodPut, srv.URL+"/products/P1", `{"id":"ignored","name":"Renamed","version":"v1"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var p contracts.Product
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "P1", p.ID)
		assert.Equal(t, "v2", p.Version)
	})

	t.Run("delete without body", func(t *testing.T) {
		resp, _ := do(t, http.MethodDelete, srv.URL+"/products/P1", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, contracts.ActionDeleted, sub.last.Event)
		assert.Equal(t, "P1", sub.last.ID)
	})

	t.Run("bad json", func(t *testing.T) {
		resp, _ := do(t, http.MethodPost, srv.URL+"/products", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed version", func(t *testing.T) {
		resp, _ := do(t, http.MethodPut, srv.URL+"/products/P1", `{"version":"bogus"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", fmt.Errorf("%w: no reply", contracts.ErrTimeout), http.StatusServiceUnavailable},
		{"too many pending", contracts.ErrTooManyPending, http.StatusServiceUnavailable},
		{"publish failed", &contracts.PublishError{Topic: "product_request", Err: errors.New("down")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &echoSubmitter{err: tt.err})
			resp, body := do(t, http.MethodPost, srv.URL+"/products", `{"name":"x"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestFireAndForget(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	events, err := tr.Subscribe(ctx, catalog.DefaultEventsTopic, "view")
	require.NoError(t, err)

	svc := catalog.NewService(catalog.WithEventPublisher(tr.Publisher(), ""), catalog.WithLogger(quietLogger))
	srv := httptest.NewServer(NewRouter(svc, WithLogger(quietLogger)))
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/products", `{"name":"Gadget"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var event contracts.ProductEvent
	require.NoError(t, json.Unmarshal(body, &event))
	assert.Equal(t, contracts.ActionCreated, event.Event)
	assert.NotEmpty(t, event.ID)

	d, err := events.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.ID, d.Message().Key)

	resp, _ = do(t, http.MethodGet, srv.URL+"/products", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.GatewayRequest("CREATED", metrics.OutcomeOK, 0)

	registry := health.NewRegistry()
	registry.Register(health.NewRuntimeChecker(1_000_000, 2_000_000))

	srv := newServer(t, nil, WithGatherer(reg), WithHealth(registry))

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "productbridge_gateway_requests_total")

	resp, body = do(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	registry.TrackLoop("projector")
	resp, body = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "loop:projector")

	registry.LoopStarted("projector")
	resp, _ = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get: %w", contracts.ErrNotFound), http.StatusNotFound},
		{"malformed version", &contracts.VersionError{Version: "v01"}, http.StatusBadRequest},
		{"timeout", fmt.Errorf("%w: no reply", contracts.ErrTimeout), http.StatusServiceUnavailable},
		{"too many pending", contracts.ErrTooManyPending, http.StatusServiceUnavailable},
		{"not configured", catalog.ErrNotConfigured, http.StatusNotImplemented},
		{"publish failed", &contracts.PublishError{Topic: "product_request", Err: errors.New("broker down")}, http.StatusInternalServerError},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}
