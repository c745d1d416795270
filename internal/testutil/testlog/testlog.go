package testlog

import (
	"testing"

	"github.com/danmuck/agentwire/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Logf records a test-progress line on the shared console logger.
func Logf(format string, args ...any) {
	log.Info().Msgf(format, args...)
}
