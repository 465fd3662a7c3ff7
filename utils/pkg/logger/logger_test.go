package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAirdrop_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	require.Equal(t, "2025-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestAirdrop_Logger_NewWithFile_WritesJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithFile(false, &buf)

	log.Info("batch: started", "batch", 1, "empty", "")
	log.Debug("batch: hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "batch: started", rec["msg"])
	require.EqualValues(t, 1, rec["batch"])
	_, hasEmpty := rec["empty"]
	require.False(t, hasEmpty, "empty string attrs are dropped")
}

func TestAirdrop_Logger_NewWithFile_NilWriter(t *testing.T) {
	t.Parallel()
	require.NotNil(t, NewWithFile(true, nil))
}

func TestAirdrop_Logger_NewWithFile_VerboseIncludesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithFile(true, &buf).With("sender", "abc")

	log.Debug("transfer: explorer", "url", "https://explorer.solana.com/tx/x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "DEBUG", rec["level"])
	require.Equal(t, "abc", rec["sender"])
}
