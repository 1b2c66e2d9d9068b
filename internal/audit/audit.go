// Package audit is the append-only security event sink. Events go to a
// dedicated JSON slog handler so log aggregators can route them to a
// separate index on the log_type marker.
package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Action names a security-relevant event.
type Action string

const (
	ActionLoginSuccess       Action = "LOGIN_SUCCESS"
	ActionLoginFailed        Action = "LOGIN_FAILED"
	ActionAccountLocked      Action = "ACCOUNT_LOCKED"
	ActionLogout             Action = "LOGOUT"
	ActionMfaChallenged      Action = "MFA_CHALLENGED"
	ActionMfaVerified        Action = "MFA_VERIFIED"
	ActionMfaEnrolled        Action = "MFA_ENROLLED"
	ActionTokenIssued        Action = "TOKEN_ISSUED"
	ActionTokenRevoked       Action = "TOKEN_REVOKED"
	ActionRefreshReuse       Action = "REFRESH_TOKEN_REUSE"
	ActionUserRegistered     Action = "USER_REGISTERED"
	ActionInvitationAccepted Action = "INVITATION_ACCEPTED"
	ActionTenantCreated      Action = "TENANT_CREATED"
	ActionTenantDBUpdated    Action = "TENANT_DATABASE_UPDATED"
	ActionUserDeactivated    Action = "USER_DEACTIVATED"
	ActionClientRegistered   Action = "CLIENT_REGISTERED"
	ActionClientDeactivated  Action = "CLIENT_DEACTIVATED"
	ActionTupleWritten       Action = "RELATION_TUPLE_WRITTEN"
	ActionTupleDeleted       Action = "RELATION_TUPLE_DELETED"
	ActionModelUpdated       Action = "AUTHORIZATION_MODEL_UPDATED"
)

// Event carries the who/what of an audit record. Zero-value UUIDs are
// omitted from the output.
type Event struct {
	ActorID  uuid.UUID
	TargetID uuid.UUID
	TenantID uuid.UUID
	IP       string
	Metadata map[string]string
}

// Logger is the append-only sink contract. Implementations must never
// fail the calling request.
type Logger interface {
	Log(ctx context.Context, action Action, ev Event)
}

// JSONLogger writes one JSON line per event to its own handler,
// independent of the application logger's level and format.
type JSONLogger struct {
	logger *slog.Logger
}

func NewJSONLogger() *JSONLogger {
	return NewJSONLoggerTo(os.Stdout)
}

func NewJSONLoggerTo(w io.Writer) *JSONLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, action Action, ev Event) {
	fields := []any{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("action", string(action)),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	if ev.ActorID != uuid.Nil {
		fields = append(fields, slog.String("actor_id", ev.ActorID.String()))
	}
	if ev.TargetID != uuid.Nil {
		fields = append(fields, slog.String("target_id", ev.TargetID.String()))
	}
	if ev.TenantID != uuid.Nil {
		fields = append(fields, slog.String("tenant_id", ev.TenantID.String()))
	}
	if ev.IP != "" {
		fields = append(fields, slog.String("ip", ev.IP))
	}
	for k, v := range ev.Metadata {
		fields = append(fields, slog.String("meta_"+k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// NopLogger discards events; used in tests.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Action, Event) {}
