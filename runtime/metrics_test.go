package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	sender := NewLogSender(jsonLogger(&buf))

	err := sender.Send(context.Background(), OutboundMessage{SessionID: "s1", ChatID: "c1", Content: "hello"})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Outbound message", rec["msg"])
	assert.Equal(t, "c1", rec["chat_id"])
	assert.Equal(t, "hello", rec["content"])
}

func TestLogReporter_FlowErrorAttributes(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewLogReporter(jsonLogger(&buf))

	fe := &FlowError{Type: ErrorTypeTransient, Code: ErrorCodeHTTPStatus, Message: "upstream unavailable"}
	reporter.Report(context.Background(), fe, ErrorContext{SessionID: "s1", NodeID: "call", FlowID: "f1"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "call", rec["node_id"])
	assert.Equal(t, "HTTP_STATUS", rec["error_code"])
	assert.Equal(t, true, rec["retryable"])
}
