package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"village-gateway/internal/client"
	"village-gateway/internal/config"
	"village-gateway/internal/metrics"
	"village-gateway/internal/service"
)

func testConfig(origin string, timeoutSeconds int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{AdminPrefix: "/_gateway"},
		Upstream: config.UpstreamConfig{
			BaseURL:         origin,
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

// newTestEcho builds the full route table against the given origin.
func newTestEcho(t *testing.T, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, m)
	gw := service.NewGateway(uc, cfg, logger)

	e := echo.New()
	RegisterRoutes(e, cfg, m, NewProxyHandler(gw, logger, m), NewHealthHandler(gw, "test"))
	return e
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

// countingUpstream returns a server that counts hits and answers 200.
func countingUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestProxyHandler_NotConfigured(t *testing.T) {
	_, hits := countingUpstream(t)
	e := newTestEcho(t, testConfig("", 5), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/users", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeError(t, rec)
	if body.Error != CodeUpstreamNotConfigured {
		t.Errorf("error = %q, want %q", body.Error, CodeUpstreamNotConfigured)
	}
	if body.Hint == "" {
		t.Error("expected a hint")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestProxyHandler_InvalidOrigin(t *testing.T) {
	e := newTestEcho(t, testConfig("not a url", 5), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeError(t, rec)
	if body.Error != CodeUpstreamInvalid {
		t.Errorf("error = %q, want %q", body.Error, CodeUpstreamInvalid)
	}
	if body.Error == CodeUpstreamNotConfigured {
		t.Error("invalid origin must use a distinct code")
	}
	if body.Backend != "not a url" {
		t.Errorf("backend = %q, want %q", body.Backend, "not a url")
	}
}

func TestProxyHandler_ForwardsRequest(t *testing.T) {
	var (
		gotMethod, gotPath, gotQuery string
		gotBody, gotAuth, gotEnc     string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotEnc = r.Header.Get("Accept-Encoding")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":3,"name":"王五","role":"普通用户"}`))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL+"/", 5), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/users?source=console", strings.NewReader(`{"name":"王五"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer mock-token-123")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/api/users" || gotQuery != "source=console" {
		t.Errorf("upstream saw %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotBody != `{"name":"王五"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if gotAuth != "Bearer mock-token-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotEnc != "identity" {
		t.Errorf("Accept-Encoding = %q, want %q", gotEnc, "identity")
	}
	if rec.Body.String() != `{"id":3,"name":"王五","role":"普通用户"}` {
		t.Errorf("relayed body = %q", rec.Body.String())
	}
}

func TestProxyHandler_GETSendsNoBody(t *testing.T) {
	var gotLength int64 = -1
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL, 5), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/finance/transactions", strings.NewReader("should not be sent"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotLength != 0 || gotBody != "" {
		t.Errorf("upstream got ContentLength=%d body=%q, want no body", gotLength, gotBody)
	}
}

func TestProxyHandler_RelaysSetCookies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Set-Cookie", "sid=abc; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "theme=dark; Path=/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"mock-token-123"}`))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL, 5), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"张三"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	cookies := rec.Header().Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("Set-Cookie = %v, want 2 entries", cookies)
	}
	if cookies[0] != "sid=abc; Path=/; HttpOnly" || cookies[1] != "theme=dark; Path=/" {
		t.Errorf("Set-Cookie = %v", cookies)
	}
}

func TestProxyHandler_RelaysRedirect(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"301", http.StatusMovedPermanently},
		{"302", http.StatusFound},
		{"307", http.StatusTemporaryRedirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "https://sso.example.com/login?next=%2Fops")
				w.WriteHeader(tt.status)
			}))
			defer upstream.Close()

			e := newTestEcho(t, testConfig(upstream.URL, 5), nil)

			req := httptest.NewRequest(http.MethodGet, "/ops", http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if loc := rec.Header().Get("Location"); loc != "https://sso.example.com/login?next=%2Fops" {
				t.Errorf("Location = %q", loc)
			}
		})
	}
}

func TestProxyHandler_StripsTransportHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Mislabelled on purpose: the body is plain text.
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("X-Upstream", "mock-server")
		_, _ = w.Write([]byte("Village 管理系统 - 模拟后端"))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL, 5), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("Content-Encoding"); v != "" {
		t.Errorf("Content-Encoding = %q, want stripped", v)
	}
	if v := rec.Header().Get("X-Upstream"); v != "mock-server" {
		t.Errorf("X-Upstream = %q, want %q", v, "mock-server")
	}
	if rec.Body.String() != "Village 管理系统 - 模拟后端" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_UpstreamOverridesRequestID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(echo.HeaderXRequestID, "upstream-id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL, 5)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := service.NewGateway(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)

	e := echo.New()
	e.Use(echomw.RequestID())
	RegisterRoutes(e, cfg, nil, NewProxyHandler(gw, logger, nil), NewHealthHandler(gw, "test"))

	req := httptest.NewRequest(http.MethodDelete, "/api/users/2", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if ids := rec.Header().Values(echo.HeaderXRequestID); len(ids) != 1 || ids[0] != "upstream-id" {
		t.Errorf("X-Request-Id = %v, want [upstream-id]", ids)
	}
}

func TestProxyHandler_ConnectionRefused(t *testing.T) {
	m := metrics.New()
	e := newTestEcho(t, testConfig("http://127.0.0.1:1/api", 2), m)

	req := httptest.NewRequest(http.MethodGet, "/users", http.NoBody)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("handler did not return")
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeError(t, rec)
	if body.Error != CodeUpstreamUnreachable {
		t.Errorf("error = %q, want %q", body.Error, CodeUpstreamUnreachable)
	}
	if body.Target != "http://127.0.0.1:1/api/users" {
		t.Errorf("target = %q", body.Target)
	}
	if body.Reason != "connection" {
		t.Errorf("reason = %q, want %q", body.Reason, "connection")
	}

	if v := gatherCounter(t, m, "village_gateway_errors_total", "code", CodeUpstreamUnreachable); v != 1 {
		t.Errorf("errors_total{code=%s} = %v, want 1", CodeUpstreamUnreachable, v)
	}
}

func TestProxyHandler_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	e := newTestEcho(t, testConfig(upstream.URL, 1), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ops/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if body := decodeError(t, rec); body.Reason != "timeout" {
		t.Errorf("reason = %q, want %q", body.Reason, "timeout")
	}
}

func TestProxyHandler_BodyLimit(t *testing.T) {
	upstream, hits := countingUpstream(t)
	cfg := testConfig(upstream.URL, 5)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := service.NewGateway(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)

	e := echo.New()
	e.Use(echomw.BodyLimit("16B"))
	RegisterRoutes(e, cfg, nil, NewProxyHandler(gw, logger, nil), NewHealthHandler(gw, "test"))

	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestProxyHandler_UnreadableBody(t *testing.T) {
	upstream, hits := countingUpstream(t)
	e := newTestEcho(t, testConfig(upstream.URL, 5), nil)

	req := httptest.NewRequest(http.MethodPut, "/api/users/1", failingReader{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := decodeError(t, rec); body.Error != CodeBodyUnreadable {
		t.Errorf("error = %q, want %q", body.Error, CodeBodyUnreadable)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func gatherCounter(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestProxyHandler_NoContentTypeAdded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<html>hi</html>"))
	}))
	defer upstream.Close()

	// A live server, since only net/http's own writer sniffs content types.
	gateway := httptest.NewServer(newTestEcho(t, testConfig(upstream.URL, 5), nil))
	defer gateway.Close()

	resp, err := http.Get(gateway.URL + "/api/ops/report")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if vals, ok := resp.Header["Content-Type"]; ok {
		t.Errorf("Content-Type = %q, want none", vals)
	}
	if string(body) != "<html>hi</html>" {
		t.Errorf("relayed body = %q", body)
	}
}

func TestProxyHandler_KeepsUpstreamContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte("id,name\n1,张三\n"))
	}))
	defer upstream.Close()

	gateway := httptest.NewServer(newTestEcho(t, testConfig(upstream.URL, 5), nil))
	defer gateway.Close()

	resp, err := http.Get(gateway.URL + "/api/finance/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/csv; charset=utf-8")
	}
}
