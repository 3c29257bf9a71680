package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

func hasAnyRole(userRoles []string, roles ...string) bool {
	for _, required := range roles {
		for _, has := range userRoles {
			if has == required || has == RoleAdmin {
				return true
			}
		}
	}
	return false
}

// HasAnyRole reports whether the identity in ctx holds one of roles. Admin
// passes every check.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	return hasAnyRole(RolesFromContext(ctx), roles...)
}

// CanAccessPatient reports whether the identity in ctx may read patientID's
// record: any clinician, or a patient token bound to that patient.
func CanAccessPatient(ctx context.Context, patientID string) bool {
	roles := RolesFromContext(ctx)
	if hasAnyRole(roles, RoleClinician) {
		return true
	}
	return patientID != "" && hasAnyRole(roles, RolePatient) && PatientIDFromContext(ctx) == patientID
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePatientAccess guards routes addressed by a patient path parameter.
// Clinicians reach every patient; a patient token reaches only its own.
func RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if CanAccessPatient(c.Request().Context(), c.Param(param)) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "no access to this patient record")
		}
	}
}
