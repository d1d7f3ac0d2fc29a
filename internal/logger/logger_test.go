package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestLevelFiltersEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info("hidden").Send()
	l.Warn("shown").Send()

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "shown", lines[0]["msg"])
	require.Equal(t, "txstore", lines[0]["service"])
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.ExecutorLogger().Debug("batch").Send()
	l.GrpcLogger("/txstore.TxStore/Execute").Info("call").Send()
	l.WithFields(map[string]interface{}{"tx_id": 7}).Info("fields").Send()

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	require.Equal(t, "executor", lines[0]["component"])
	require.Equal(t, "/txstore.TxStore/Execute", lines[1]["method"])
	require.Equal(t, float64(7), lines[2]["tx_id"])
}

func TestLogGrpcRequestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.LogGrpcRequest("/m", "req-1", time.Millisecond, nil)
	l.LogGrpcRequest("/m", "req-2", time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	require.Equal(t, "info", lines[0]["level"])
	require.Equal(t, "error", lines[1]["level"])
	require.Equal(t, "boom", lines[1]["error"])
	require.Equal(t, "req-2", lines[1]["request_id"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstore.log")
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf, File: path, MaxSizeMB: 1})

	l.LogServerReady(7070)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "server_ready")
	require.Contains(t, buf.String(), "server_ready")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing").Send()
	l.LogServerShutdown()
}
