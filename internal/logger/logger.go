package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init configures the global zerolog logger. component is attached to every
// event so the controller, agents and learner can share one log sink.
func Init(lcfg config.LoggingConfig, component string) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	log.Logger = zerolog.New(writer(lcfg, os.Stderr)).With().
		Timestamp().
		Str("component", component).
		Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

func writer(lcfg config.LoggingConfig, stderr io.Writer) io.Writer {
	var out io.Writer = stderr
	if strings.ToLower(lcfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	if lcfg.File == "" {
		return out
	}

	maxSize := lcfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	rolling := &lumberjack.Logger{
		Filename: lcfg.File,
		MaxSize:  maxSize,
	}
	return io.MultiWriter(out, rolling)
}
