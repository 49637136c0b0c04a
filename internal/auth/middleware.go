package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "OpenLake-Chain/pkg/logger"
)

// MiddlewareConfig 决定认证中间件的检查与审计方式。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 是兜底键。
	RequiredPermissions map[string][]string
	// AuditEvent 是写入审计日志的事件名，省略时取请求路径。
	AuditEvent string
}

// Middleware 生成认证加鉴权的 HTTP 中间件；认证关闭时直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.denyRequest(w, r, err)
				return
			}
			if perms := cfg.permissionsFor(r.Method); len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					s.auditLogger().Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"error", err.Error(),
						"user", subject.Username,
					)
					return
				}
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms := c.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

func (s *Service) denyRequest(w http.ResponseWriter, r *http.Request, cause error) {
	status := http.StatusUnauthorized
	if errors.Is(cause, ErrPermissionDenied) || errors.Is(cause, ErrSubjectRevoked) {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
	s.auditLogger().Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", cause.Error(),
	)
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 截获状态码，供访问审计记录使用。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
