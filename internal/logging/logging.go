// Package logging configures the process-wide leveled logger.
package logging

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

const defaultFormat = `%{time:2006-01-02 15:04:05.000} %{level:.5s} %{module} %{message}`

// Init parses the level string and installs a stdout backend for all module
// loggers. Call once at startup, before any worker goroutine logs.
func Init(level string) error {
	backend := logging.NewLogBackend(os.Stdout, "", 0)
	format := logging.MustStringFormatter(defaultFormat)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))

	parsed, err := logging.LogLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	leveled.SetLevel(parsed, "")
	logging.SetBackend(leveled)
	return nil
}
