package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ConfigureCommandLineLogging sets up the standard logger for interactive use, with sensible defaults
// for unit tests and command line tools.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// Configure replaces the output of the standard logger. Entries are routed through one writer hook per
// destination and only severities enabled by the level table reach a destination.
func Configure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	levels, err := EnabledLevels(config.Level)
	if err != nil {
		return err
	}
	if config.TraceEnabled && !containsLevel(levels, log.TraceLevel) {
		levels = append(levels, log.TraceLevel)
	}
	configureLogger(log.StandardLogger(), config, levels, os.Stdout)
	return nil
}

func configureLogger(logger *log.Logger, config Config, levels []log.Level, stdout io.Writer) {
	switch config.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	logger.SetLevel(mostVerbose(levels))
	// All output goes through hooks; the logger's own writer only sees what the hooks discard.
	logger.SetOutput(io.Discard)
	logger.ReplaceHooks(make(log.LevelHooks))
	logger.AddHook(&writer.Hook{Writer: stdout, LogLevels: levels})
	if config.File.Enabled {
		logger.AddHook(&writer.Hook{
			Writer: &lumberjack.Logger{
				Filename:   config.File.LogFile,
				MaxSize:    config.File.MaxSizeMb,
				MaxBackups: config.File.MaxBackups,
				MaxAge:     config.File.MaxAgeDays,
			},
			LogLevels: levels,
		})
	}
}

func containsLevel(levels []log.Level, level log.Level) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}
