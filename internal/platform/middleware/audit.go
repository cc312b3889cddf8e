package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/physiocare/clinic/internal/platform/auth"
)

// Audit logs one structured entry per /api/v1 request recording which staff
// member touched which resource and with what outcome.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			evt := logger.Info()
			if userID := auth.UserIDFromContext(ctx); userID != uuid.Nil {
				evt = evt.Str("user_id", userID.String())
			}
			evt.
				Str("type", "audit").
				Str("request_id", rid).
				Strs("roles", auth.RolesFromContext(ctx)).
				Str("action", httpMethodToAction(req.Method, c.Path())).
				Str("resource", extractResourceType(path)).
				Str("resource_id", c.Param("id")).
				Str("ip", c.RealIP()).
				Int("status", status).
				Msg("resource_access")

			return err
		}
	}
}

// httpMethodToAction maps a request to an audit action. Billing state
// transitions are posted to sub-resources and get their own action names.
func httpMethodToAction(method, route string) string {
	switch {
	case strings.HasSuffix(route, "/cancel"):
		return "cancel"
	case strings.HasSuffix(route, "/payments"):
		return "pay"
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
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

// extractResourceType returns the first path segment after /api/v1/:
//
//	/api/v1/bills            -> bills
//	/api/v1/bills/123/cancel -> bills
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
