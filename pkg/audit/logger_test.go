package audit

import (
	"bytes"
	"context"
	"testing"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_DefaultsToNoOp(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	assert.NoError(t, logger.Log(context.Background(), &Entry{Action: ActionAssigned}))
	assert.NoError(t, logger.Close())
}

func TestWithLogger_RoundTrip(t *testing.T) {
	rec := &recordingLogger{}
	ctx := WithLogger(context.Background(), rec)

	require.NoError(t, FromContext(ctx).Log(ctx, &Entry{PrincipalID: "user-1", Action: ActionAssigned}))
	assert.Equal(t, 1, rec.count())
}

func TestLogLogger_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogLogger(observability.NewLogger(observability.InfoLevel, &buf))

	by := "admin-1"
	require.NoError(t, logger.Log(context.Background(), &Entry{
		PrincipalID: "user-9",
		RoleID:      3,
		Action:      ActionDemoted,
		PerformedBy: &by,
	}))

	out := buf.String()
	assert.Contains(t, out, `"msg":"audit entry"`)
	assert.Contains(t, out, `"principal_id":"user-9"`)
	assert.Contains(t, out, `"audit_action":"demoted"`)
	assert.Contains(t, out, `"performed_by":"admin-1"`)
	assert.NoError(t, logger.Close())
}
