package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/platform/auth"
)

// AccessEntry describes one read or write of chart data.
type AccessEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	PatientID  string
	Action     string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs an access entry for every request under /api/v1/ and for share
// link reads. Entries go to the given logger with type=chart_access.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			entry := buildAccessEntry(c, status)
			logger.Info().
				Str("type", "chart_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("chart access")

			return err
		}
	}
}

func buildAccessEntry(c echo.Context, status int) AccessEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AccessEntry{
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Action:     httpMethodToAction(req.Method),
		Resource:   extractResource(req.URL.Path),
		PatientID:  extractPatientID(req.URL.Path),
		IPAddress:  c.RealIP(),
		Path:       req.URL.Path,
		Method:     req.Method,
		Timestamp:  time.Now().UTC(),
		StatusCode: status,
	}
	if entry.PatientID == "" {
		entry.PatientID = auth.PatientIDFromContext(ctx)
	}
	if rid, ok := c.Get("request_id").(string); ok {
		entry.RequestID = rid
	}
	return entry
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/") || strings.HasPrefix(path, "/share/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first path segment after the API prefix:
//
//	/api/v1/patients/patient-001 -> patients
//	/share/<token>               -> share
func extractResource(path string) string {
	if strings.HasPrefix(path, "/share/") {
		return "share"
	}
	seg := strings.SplitN(strings.TrimPrefix(path, "/api/v1/"), "/", 2)
	if seg[0] == "" {
		return "unknown"
	}
	return seg[0]
}

// extractPatientID reads the patient from /patients/<id> and /portal/<id>.
func extractPatientID(path string) string {
	for _, prefix := range []string{"/api/v1/patients/", "/api/v1/portal/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)[0]
		}
	}
	return ""
}
