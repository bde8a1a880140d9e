package testlog

import (
	"testing"

	"github.com/danmuck/objrpc/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Logger returns a component logger for use inside one test.
func Logger(t *testing.T, component string) zerolog.Logger {
	t.Helper()
	return logging.Component(component).With().Str("test", t.Name()).Logger()
}
