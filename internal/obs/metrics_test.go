package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                         "/",
		"/metrics":                 "/metrics",
		"/v1/auth/sign-in":         "/v1/auth/sign-in",
		"/v1/auth/me?x=1":          "/v1/auth/me",
		"/dashboard":               "/dashboard",
		"/dashboard/reports/42":    "/dashboard/*",
		"/auth/login?redirect=%2F": "/auth/login",
		"/_next/static/chunk.js":   "/_next/*",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(gatewayOps.WithLabelValues("sign_in", "error"))
	GatewayOp("sign_in", errors.New("boom"))
	if got := testutil.ToFloat64(gatewayOps.WithLabelValues("sign_in", "error")); got != before+1 {
		t.Fatalf("expected counter to increase, got %v", got)
	}

	before = testutil.ToFloat64(edgeDecisions.WithLabelValues("protected", "redirect_login"))
	EdgeDecision("protected", "redirect_login")
	if got := testutil.ToFloat64(edgeDecisions.WithLabelValues("protected", "redirect_login")); got != before+1 {
		t.Fatalf("expected edge counter to increase, got %v", got)
	}
}

func TestInstrumentAndRegistry(t *testing.T) {
	Init()
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/profile/settings", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/profile/*", "418")); got < 1 {
		t.Fatalf("request not counted: %v", got)
	}

	GatewayOp("get_current_user", nil)
	metrics := httptest.NewRecorder()
	Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(metrics.Body.String(), "gatekeep_gateway_operations_total") {
		t.Fatal("domain metrics not exported")
	}
}

func TestStructuredLogUsesSink(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Log().Info().Str("component", "test").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["level"] != "info" || entry["component"] != "test" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
