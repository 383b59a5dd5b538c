package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelDebug)
	log.Warn("pool wiped", "pool", 3)
	assert.Contains(t, buf.String(), "[tagstore] pool wiped")
	assert.Contains(t, buf.String(), "pool=3")
}

func TestDefaultLogger_CtxArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelDebug)
	ctx := WithDefaultArgs(context.Background(), "component", 7)
	ctx = WithDefaultArgs(ctx, "op", "put")
	log.DebugCtx(ctx, "index built")
	assert.Contains(t, buf.String(), "component=7")
	assert.Contains(t, buf.String(), "op=put")
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	log.Error("nobody hears this")
	log.With("a", 1).Warn("nor this")
}
