package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/objrpc/internal/config"
	"github.com/danmuck/objrpc/internal/runtime"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
)

func newServer(t *testing.T, cfg config.Admin) (*Server, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.New(config.Default(), runtime.WithLogger(testlog.Logger(t, "runtime")))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Destroy(context.Background()) })
	return New(rt, cfg, testlog.Logger(t, "admin")), rt
}

func get(t *testing.T, s *Server, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	testlog.Start(t)
	s, rt := newServer(t, config.Admin{})

	if rec := get(t, s, "/health", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, s, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready before shutdown = %d", rec.Code)
	}
	rt.Shutdown()
	if rec := get(t, s, "/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready after shutdown = %d", rec.Code)
	}
}

func TestAdaptersListing(t *testing.T) {
	testlog.Start(t)
	s, rt := newServer(t, config.Admin{})
	ctx := context.Background()
	a, err := rt.CreateObjectAdapterWithEndpoints(ctx, "Hello", "tcp -h 127.0.0.1 -p 0")
	if err != nil {
		t.Fatalf("create adapter: %v", err)
	}
	if err := a.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := rt.CreateObjectAdapter(ctx, "Idle"); err != nil {
		t.Fatalf("create idle adapter: %v", err)
	}

	rec := get(t, s, "/adapters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("adapters = %d", rec.Code)
	}
	var body struct {
		Adapters []AdapterInfo `json:"adapters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Adapters) != 2 || body.Adapters[0].Name != "Hello" || body.Adapters[1].Name != "Idle" {
		t.Fatalf("adapters = %+v", body.Adapters)
	}
	hello := body.Adapters[0]
	if hello.State != a.State().String() || len(hello.Endpoints) != 1 || strings.Contains(hello.Endpoints[0]+" ", "-p 0 ") {
		t.Fatalf("hello = %+v", hello)
	}
}

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	testlog.Start(t)
	s, _ := newServer(t, config.Admin{})
	get(t, s, "/health", nil)
	rec := get(t, s, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "objrpc_http_requests_total") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestCORSOnlyForConfiguredOrigins(t *testing.T) {
	testlog.Start(t)
	s, _ := newServer(t, config.Admin{CORSOrigins: []string{"http://dash.local"}})
	rec := get(t, s, "/health", http.Header{"Origin": {"http://dash.local"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Fatalf("allow origin = %q", got)
	}
	rec = get(t, s, "/health", http.Header{"Origin": {"http://evil.local"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin status = %d", rec.Code)
	}
}

func TestTokenGuardsPrivateRoutes(t *testing.T) {
	testlog.Start(t)
	s, _ := newServer(t, config.Admin{Token: "s3cret"})
	if rec := get(t, s, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health without token = %d", rec.Code)
	}
	if rec := get(t, s, "/adapters", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("adapters without token = %d", rec.Code)
	}
	rec := get(t, s, "/adapters", http.Header{"Authorization": {"Bearer s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("adapters with token = %d", rec.Code)
	}
}

func TestAdapterLookupByName(t *testing.T) {
	testlog.Start(t)
	s, rt := newServer(t, config.Admin{})
	if _, err := rt.CreateObjectAdapter(context.Background(), "Lookup"); err != nil {
		t.Fatalf("create adapter: %v", err)
	}
	rec := get(t, s, "/adapters/Lookup", nil)
	var info AdapterInfo
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil || info.Name != "Lookup" {
		t.Fatalf("lookup body = %s (%v)", rec.Body, err)
	}
	if rec := get(t, s, "/adapters/Nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing adapter = %d", rec.Code)
	}
}

func TestHTTPMetricsLabelRouteGroups(t *testing.T) {
	testlog.Start(t)
	s, _ := newServer(t, config.Admin{Token: "s3cret"})
	get(t, s, "/health", nil)
	get(t, s, "/adapters", nil)
	get(t, s, "/no/such/route/42", nil)

	rec := get(t, s, "/metrics", http.Header{"Authorization": {"Bearer s3cret"}})
	body := rec.Body.String()
	for _, want := range []string{
		`group="public",method="GET",route="/health",status="200"`,
		`group="private",method="GET",route="/adapters",status="401"`,
		`group="none",method="GET",route="unmatched",status="404"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
	if strings.Contains(body, "/no/such/route/42") {
		t.Fatalf("unmatched path leaked into labels")
	}
}
