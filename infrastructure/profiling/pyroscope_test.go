package profiling_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/profiling"
)

func TestStartPyroscope_DisabledReturnsNil(t *testing.T) {
	p, err := profiling.StartPyroscope(profiling.Config{}, "incidents-worker", "dev", logger.NewNop())

	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, p.Stop())
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := profiling.Config{Environment: "staging"}
	cfg.SetDefaults()

	assert.Equal(t, "http://pyroscope:4040", cfg.ServerURL)
	assert.Equal(t, "staging", cfg.Environment)
}
