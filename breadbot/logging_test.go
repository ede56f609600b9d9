package breadbot

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	"log/slog"
	"testing"
	"time"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	original := defaultLogWriter
	var buf bytes.Buffer
	defaultLogWriter = &buf
	t.Cleanup(
		func() {
			defaultLogWriter = original
		},
	)
	return &buf
}

func TestGORMLogger_Trace(t *testing.T) {
	buf := captureLogs(t)
	lg := newGORMLogger(newTintHandler(slog.LevelDebug), 50*time.Millisecond)
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	lg.Trace(ctx, time.Now(), sql, errors.New("no such table"))
	assert.Contains(t, buf.String(), "sql error")
	assert.Contains(t, buf.String(), "no such table")

	buf.Reset()
	lg.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "sql error")

	buf.Reset()
	lg.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "slow sql")

	buf.Reset()
	lg.Trace(ctx, time.Now(), sql, nil)
	assert.Contains(t, buf.String(), "sql completed")

	// LogMode doesn't change the handler
	buf.Reset()
	lg.LogMode(0).Info(ctx, "hello %s", "bread")
	assert.Contains(t, buf.String(), "hello bread")
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	buf := captureLogs(t)
	logFunc := discordgoLoggerFunc(context.Background(), newTintHandler(slog.LevelInfo))

	logFunc(discordgo.LogWarning, 0, "heartbeat %s\n", "late")
	assert.Contains(t, buf.String(), "WRN")
	assert.Contains(t, buf.String(), "heartbeat late")

	buf.Reset()
	logFunc(discordgo.LogDebug, 0, "debug noise")
	assert.Empty(t, buf.String())
}
