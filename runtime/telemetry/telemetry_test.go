package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTee_FansOutByLevel(t *testing.T) {
	var info, warn bytes.Buffer
	l := slog.New(Tee(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	))

	l.With("session_id", "s1").WithGroup("node").Info("executed", "id", "n1")
	l.Warn("slow")
	l.Debug("dropped")

	assert.Contains(t, info.String(), "session_id=s1")
	assert.Contains(t, info.String(), "node.id=n1")
	assert.Contains(t, info.String(), "slow")
	assert.NotContains(t, warn.String(), "executed")
	assert.Equal(t, 1, strings.Count(warn.String(), "slow"))
	assert.NotContains(t, info.String(), "dropped")
}

func TestSetup_Disabled(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(context.Background(), Config{ServiceName: "chatflow"}, slog.NewJSONHandler(&buf, nil))
	require.NoError(t, err)

	p.Logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.NoError(t, p.Shutdown(context.Background()))
}
