package logging

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines scheduler logging configuration.
type Config struct {
	// Log level, one of trace, debug, info, warning, error, fatal.
	Level string
	// Logging format, either text or json
	Format string
	// Emit trace-level entries in addition to whatever Level enables.
	TraceEnabled bool
	// Defines configuration for file logging
	File struct {
		// Whether file logging is enabled.
		Enabled bool
		// The location of the logfile on disk
		LogFile string
		// Maximum size in megabytes of the log file before it gets rotated
		MaxSizeMb int
		// Maximum number of old log files to retain
		MaxBackups int
		// Maximum number of days to retain old log files
		MaxAgeDays int
	}
}

// Validate checks the level and format and, if file logging is enabled, the rotation settings.
func (c Config) Validate() error {
	if _, err := EnabledLevels(c.Level); err != nil {
		return err
	}
	if !validLogFormats[c.Format] {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", c.Format, maps.Keys(validLogFormats))
	}
	if c.File.Enabled {
		if c.File.LogFile == "" {
			return errors.New("file.logFile must be set when file logging is enabled")
		}
		if c.File.MaxSizeMb <= 0 {
			return errors.New("file.maxSizeMb must be greater than zero")
		}
	}
	return nil
}
