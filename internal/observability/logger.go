package observability

import (
	"github.com/danmuck/agentwire/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime console logger and tags it with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// SessionLogger returns a child of the global logger tagged with one session's identity.
func SessionLogger(role, session string) zerolog.Logger {
	return log.Logger.With().Str("role", role).Str("session", session).Logger()
}
