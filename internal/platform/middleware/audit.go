package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/auth"
	"github.com/ehr/anchor/internal/platform/fingerprint"
	"github.com/ehr/anchor/internal/platform/hipaa"
)

// AuditRecorder persists admin API access. *hipaa.AuditLogger satisfies it.
type AuditRecorder interface {
	LogEvent(ctx context.Context, log *hipaa.AuditLog) error
}

// Audit records every state-changing /api/v1 request (enqueue, manual run)
// in the audit log and emits a structured log line for all /api/v1 requests.
// The recorded rows are themselves part of later export fingerprints.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			entry := &hipaa.AuditLog{
				ActorID:    auth.UserIDFromContext(ctx),
				Action:     httpMethodToAction(req.Method),
				TargetType: "admin_api",
				TargetID:   resourceFromPath(req.URL.Path),
				Metadata: &fingerprint.Metadata{
					IPAddress: c.RealIP(),
					UserAgent: req.UserAgent(),
					Outcome:   strconv.Itoa(status),
					Extra:     map[string]string{"method": req.Method, "path": req.URL.Path, "request_id": rid},
				},
				CreatedAt: time.Now().UTC(),
			}

			if recorder != nil && req.Method != http.MethodGet && req.Method != http.MethodHead {
				if recErr := recorder.LogEvent(context.WithoutCancel(ctx), entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", rid).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "admin_audit").
				Str("request_id", rid).
				Str("user_id", entry.ActorID).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("action", entry.Action).
				Str("resource", entry.TargetID).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Msg("admin_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return hipaa.ActionCreate
	case http.MethodDelete:
		return hipaa.ActionDelete
	default:
		return hipaa.ActionRead
	}
}

// resourceFromPath returns the first segment after /api/v1/.
func resourceFromPath(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/v1/"), "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}
