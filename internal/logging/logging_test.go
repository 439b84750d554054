package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	l, err := New(Options{Level: "WARN"})
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = New(Options{Level: "chatty", Console: true})
	require.Error(t, err)
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutor.log")
	l, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)
	l.Info("written to file", zap.String("stage", "record"))
	_ = l.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"written to file"`)
	require.Contains(t, string(raw), `"stage":"record"`)
}

func TestFromContext(t *testing.T) {
	require.NotNil(t, FromContext(context.Background()))

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithContext(context.Background(), zap.New(core).With(zap.String("correlation_id", "c-1")))
	FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "c-1", logs.All()[0].ContextMap()["correlation_id"])
}

func TestSlog_SharesCore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Slog(zap.New(core)).Info("from slog", "store", "surrealdb")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "from slog", logs.All()[0].Message)
}
