package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storyforge/internal/config"
)

var writer io.Writer = os.Stdout

// Writer returns the destination Init configured, for loggers that bypass
// zerolog (the HTTP request logger writes slog JSON directly).
func Writer() io.Writer { return writer }

// Init configures the global zerolog logger. When cfg.File is set the log is
// mirrored to a size-capped file next to stdout.
func Init(cfg config.LogConfig) {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if cfg.File != "" {
		if fw, err := newSizeLimitedWriter(cfg.File, cfg.MaxMB); err == nil {
			output = zerolog.MultiLevelWriter(output, fw)
		}
	}

	writer = output
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(output).With().Timestamp().Logger()
	if cfg.SampleEvery > 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleEvery)})
	}
	log.Logger = logger
}
