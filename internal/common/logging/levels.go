package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// levelTable maps a configured level to every severity it enables. Lookups replace any notion of
// levels "falling through" to less verbose ones: what is enabled is exactly what is listed.
var levelTable = map[string][]log.Level{
	"trace":   {log.TraceLevel, log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	"debug":   {log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	"info":    {log.InfoLevel, log.WarnLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	"warning": {log.WarnLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	"error":   {log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	"fatal":   {log.FatalLevel, log.PanicLevel},
}

var levelAliases = map[string]string{
	"warn": "warning",
}

// EnabledLevels returns the severities enabled by the configured level.
func EnabledLevels(level string) ([]log.Level, error) {
	key := strings.ToLower(strings.TrimSpace(level))
	if alias, ok := levelAliases[key]; ok {
		key = alias
	}
	levels, ok := levelTable[key]
	if !ok {
		return nil, errors.Errorf("invalid log level %q", level)
	}
	return append([]log.Level(nil), levels...), nil
}

// mostVerbose returns the highest (most verbose) level in levels.
func mostVerbose(levels []log.Level) log.Level {
	verbose := log.PanicLevel
	for _, l := range levels {
		if l > verbose {
			verbose = l
		}
	}
	return verbose
}
