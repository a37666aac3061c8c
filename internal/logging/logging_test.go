package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer

	logger, err := SetupWithWriter("info", "json", &buf)
	require.NoError(t, err)

	logger.Info("queue started", "channel", "sms")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue started", entry["msg"])
	assert.Equal(t, "sms", entry["channel"])
}

func TestSetupWithWriterLevelFilter(t *testing.T) {
	var buf bytes.Buffer

	logger, err := SetupWithWriter("warn", "text", &buf)
	require.NoError(t, err)

	logger.Info("suppressed")
	assert.Zero(t, buf.Len())

	logger.Warn("emitted")
	assert.Contains(t, buf.String(), "emitted")
}

func TestSetupRejectsUnknownSettings(t *testing.T) {
	_, err := SetupWithWriter("verbose", "text", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = SetupWithWriter("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSetupDefaultsToInfoText(t *testing.T) {
	var buf bytes.Buffer

	logger, err := SetupWithWriter("", "", &buf)
	require.NoError(t, err)

	logger.Debug("suppressed")
	assert.Zero(t, buf.Len())

	logger.Info("emitted")
	assert.Contains(t, buf.String(), "emitted")
}
