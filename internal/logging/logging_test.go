package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := ForAccount(NewWithWriter(&buf, "info"), "acc-1")

	log.Debug().Msg("hidden")
	log.Info().Str("folder", "INBOX").Msg("synced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "synced", entry["message"])
	assert.Equal(t, "acc-1", entry["account"])
	assert.Equal(t, "INBOX", entry["folder"])
	assert.Equal(t, "mailsync", entry["service"])
}
