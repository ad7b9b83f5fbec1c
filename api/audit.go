package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditChallengeIssued         AuditEvent = "challenge_issued"
	AuditDeviceRegistered        AuditEvent = "device_registered"
	AuditVerificationFailed      AuditEvent = "verification_failed"
	AuditPolicyRejected          AuditEvent = "policy_rejected"
	AuditSessionRejected         AuditEvent = "session_rejected"
	AuditRegistrationRateLimited AuditEvent = "registration_rate_limited"
	AuditFileCreated             AuditEvent = "file_created"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. The uid is an opaque account
// identifier safe for logs; credential material and public keys never
// appear here.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events with a uid.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, uid string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("uid", uid),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected registration attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
