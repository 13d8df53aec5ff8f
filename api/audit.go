package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditOTPRequested     AuditEvent = "otp_requested"
	AuditOTPRequestFailed AuditEvent = "otp_request_failed"
	AuditOTPVerified      AuditEvent = "otp_verified"
	AuditOTPRejected      AuditEvent = "otp_rejected"
	AuditOTPRateLimited   AuditEvent = "otp_rate_limited"
	AuditLogout           AuditEvent = "logout"
	AuditProfileUpdated   AuditEvent = "profile_updated"
	AuditPaymentCallback  AuditEvent = "payment_callback"
	AuditWorkspaceOpened  AuditEvent = "workspace_opened"
	AuditWorkspaceExpired AuditEvent = "workspace_expired"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit entry tied to a request.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if ws := workspaceFromContext(r.Context()); ws != nil {
		baseAttrs = append(baseAttrs, slog.String("device_id", ws.id))
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logSystem writes an audit entry for background events.
func (al *auditLogger) logSystem(event AuditEvent, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", baseAttrs...)
}

// logFailure logs a failed action with the error code as the reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// maskPhone keeps the operator prefix and the last four digits.
func maskPhone(phone string) string {
	if len(phone) < 8 {
		return "***"
	}
	return phone[:4] + "***" + phone[len(phone)-4:]
}
