package cliconfig

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// Logger returns the console logger for the CLI at level.
func Logger(level string) zerolog.Logger {
	return log.NewConsoleLogger(os.Stderr, level)
}
