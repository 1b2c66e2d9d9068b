package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerTo(&buf)

	actor := uuid.New()
	l.Log(context.Background(), ActionLoginSuccess, Event{
		ActorID:  actor,
		IP:       "203.0.113.9",
		Metadata: map[string]string{"client_id": "app_demo"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "AUDIT_TRAIL", line["log_type"])
	assert.Equal(t, "LOGIN_SUCCESS", line["action"])
	assert.Equal(t, actor.String(), line["actor_id"])
	assert.Equal(t, "203.0.113.9", line["ip"])
	assert.Equal(t, "app_demo", line["meta_client_id"])
	assert.NotContains(t, line, "target_id")
	assert.NotContains(t, line, "tenant_id")
}
