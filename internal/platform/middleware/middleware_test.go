package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	RequestID()(okHandler)(e.NewContext(req, rec))
	if len(rec.Header().Get(RequestIDHeader)) > 128 {
		t.Error("oversized request ids should be replaced")
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil), httptest.NewRecorder())
	c.Set("request_id", "req-1")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	l := lines[0]
	if l["request_id"] != "req-1" || l["path"] != "/api/v1/patients" || l["status"] != float64(200) || l["level"] != "info" {
		t.Errorf("unexpected log line %v", l)
	}
}

func TestLogger_WritesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/documents/x", nil), rec)

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	})(c)
	if err != nil {
		t.Fatalf("logger should handle the error, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["status"] != float64(404) || lines[0]["level"] != "warn" {
		t.Errorf("unexpected log %v", lines)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected panic value in log")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_LogsChartAccess(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/patient-001/documents", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr-jenkins", []string{auth.RoleClinician}, ""))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")

	if err := Audit(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one audit line, got %d", len(lines))
	}
	l := lines[0]
	if l["type"] != "chart_access" || l["user_id"] != "dr-jenkins" || l["patient_id"] != "patient-001" ||
		l["resource"] != "patients" || l["action"] != "read" || l["request_id"] != "req-123" {
		t.Errorf("unexpected audit entry %v", l)
	}
}

func TestAudit_SkipsNonChartPaths(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	Audit(zerolog.New(&buf))(okHandler)(c)
	if buf.Len() != 0 {
		t.Errorf("expected no audit output, got %s", buf.String())
	}
}

func TestExtractPatientID(t *testing.T) {
	tests := map[string]string{
		"/api/v1/patients/patient-001":               "patient-001",
		"/api/v1/patients/patient-002/conversations": "patient-002",
		"/api/v1/portal/patient-001/home":            "patient-001",
		"/api/v1/documents/doc-001":                  "",
		"/share/abc":                                 "",
	}
	for path, want := range tests {
		if got := extractPatientID(path); got != want {
			t.Errorf("extractPatientID(%q) = %q, want %q", path, got, want)
		}
	}
	if got := extractResource("/share/abc"); got != "share" {
		t.Errorf("expected share resource, got %q", got)
	}
	if got := httpMethodToAction(http.MethodPut); got != "update" {
		t.Errorf("expected update, got %q", got)
	}
}
