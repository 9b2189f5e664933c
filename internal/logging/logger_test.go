package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_AcceptsConfigLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"} {
		logger, err := NewZapLogger(level)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
	}

	// Unknown levels fall back to INFO rather than failing; config
	// validation is the gate for bad level strings.
	logger, err := NewZapLogger("LOUD")
	require.NoError(t, err)
	logger.Info("fallback level works")
}

func TestKVFields(t *testing.T) {
	fields := kvFields([]interface{}{"instrument", "EURUSD", "attempts", 3})
	require.Len(t, fields, 2)
	assert.Equal(t, "instrument", fields[0].Key)
	assert.Equal(t, "attempts", fields[1].Key)

	// A trailing key without a value is dropped, not paired with nil.
	assert.Len(t, kvFields([]interface{}{"instrument", "EURUSD", "orphan"}), 1)

	// Non-string keys are stringified instead of panicking.
	fields = kvFields([]interface{}{42, "answer"})
	require.Len(t, fields, 1)
	assert.Equal(t, "42", fields[0].Key)
}

func TestWithField_Chains(t *testing.T) {
	logger, err := NewZapLogger("ERROR")
	require.NoError(t, err)

	derived := logger.WithField("component", "test").WithFields(map[string]interface{}{"run": 1})
	require.NotNil(t, derived)
	derived.Info("derived logger logs without error")
}
