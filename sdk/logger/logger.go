package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	Level       string
	Service     string
	Environment string
	Version     string
	Output      io.Writer
	Pretty      bool
	AddCaller   bool
}

// New builds the structured logger shared by the sdk components. The level
// is set on the returned logger only, never globally, since the sdk runs
// inside someone else's process.
func New(config *Config) zerolog.Logger {
	if config == nil {
		config = &Config{}
	}
	var output io.Writer = config.Output
	if output == nil {
		output = os.Stderr
	}
	if config.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
		}
	}
	ctx := zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp()
	if config.Service != "" {
		ctx = ctx.Str("service", config.Service)
	}
	if config.Environment != "" {
		ctx = ctx.Str("environment", config.Environment)
	}
	if config.Version != "" {
		ctx = ctx.Str("version", config.Version)
	}
	if config.AddCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// OrNop dereferences an optional logger.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
