package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister                   AuditEvent = "register"
	AuditRegisterFailure            AuditEvent = "register_failure"
	AuditLoginSuccess               AuditEvent = "login_success"
	AuditLoginFailure               AuditEvent = "login_failure"
	AuditLogout                     AuditEvent = "logout"
	AuditPasskeyRegistered          AuditEvent = "passkey_registered"
	AuditPasskeyRegistrationFailure AuditEvent = "passkey_registration_failure"
	AuditPasskeyLoginSuccess        AuditEvent = "passkey_login_success"
	AuditPasskeyLoginFailure        AuditEvent = "passkey_login_failure"
	AuditDeviceRevoked              AuditEvent = "device_revoked"
	AuditRateLimited                AuditEvent = "rate_limited"
	AuditReset                      AuditEvent = "reset"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger   *slog.Logger
	clientIP func(*http.Request) string
	metrics  *metricsCollector
	webhook  *auditWebhook
}

func newAuditLogger(logger *slog.Logger, clientIP func(*http.Request) string) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: clientIP,
	}
}

// log writes a structured audit log entry and forwards it to the failure
// spike detector and the webhook when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	ip := al.clientIP(r)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", ip),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:     string(event),
			ClientIP:  ip,
			Timestamp: now.Format(time.RFC3339),
			Attrs:     make(map[string]string, len(attrs)),
		}
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.String()
				continue
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logUser is a convenience for events tied to a user and, optionally, the
// credential that authenticated them.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userID, credentialID string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("user_id", userID)}
	if credentialID != "" {
		attrs = append(attrs, slog.String("credential_id", credentialID))
	}
	attrs = append(attrs, slog.String("outcome", "success"))
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed attempt. reason is internal detail and never
// reaches the client.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("outcome", "failure"),
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// alert logs an anomaly reported by the metrics collector.
func (al *auditLogger) alert(e AlertEvent) {
	al.logger.LogAttrs(context.Background(), slog.LevelWarn, "alert",
		slog.String("type", string(e.Type)),
		slog.String("message", e.Message),
		slog.Int("count", e.Count),
		slog.Int("threshold", e.Threshold),
		slog.Time("timestamp", e.Timestamp),
	)
	if al.webhook != nil {
		al.webhook.enqueue(webhookEvent{
			Event:     "alert",
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Attrs:     map[string]string{"type": string(e.Type), "message": e.Message},
		})
	}
}
