package core

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the engine logger from cfg. Output also goes to buf when
// buf is non-nil; the buffer always receives JSON so it can be decoded.
// The level is applied globally so a config reload can change it for every
// component logger at once.
func NewLogger(cfg LoggingConfig, buf *LogRingBuffer) zerolog.Logger {
	var out io.Writer
	if cfg.Format == "json" {
		out = os.Stdout
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if buf != nil {
		out = zerolog.MultiLevelWriter(out, buf)
	}

	zerolog.SetGlobalLevel(ParseLogLevel(cfg.Level))
	return zerolog.New(out).With().Timestamp().Logger()
}

// ParseLogLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
