package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		m := map[string]any{}
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.InfoLevel)

	l.Debug("丢弃")
	l.Info("规则命中", "rule", "r1", "status", 200)
	l.With("target", "t1").Warn("降级放行")
	l.Err(errors.New("boom"), "处理失败")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "规则命中", lines[0]["message"])
	assert.Equal(t, "r1", lines[0]["rule"])
	assert.EqualValues(t, 200, lines[0]["status"])

	assert.Equal(t, "t1", lines[1]["target"])
	assert.Equal(t, "warn", lines[1]["level"])

	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "boom", lines[2]["error"])
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() {
		l.With("k", "v").Info("x")
		l.Err(errors.New("e"), "x")
	})
}

func TestNewFallsBackToInfo(t *testing.T) {
	l := New(Options{Level: "verbose", Writers: []string{"console"}})
	assert.Equal(t, zerolog.InfoLevel, l.z.GetLevel())
}
