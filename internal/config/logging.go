package config

import "github.com/caarlos0/env/v11"

// LogConfig controls the global logger. File is optional; when set the log
// stream is mirrored into a size-capped file next to stdout.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	// SampleEvery > 1 keeps every Nth event; 0 and 1 disable sampling.
	SampleEvery int    `env:"LOG_SAMPLE_EVERY" envDefault:"0"`
	File        string `env:"LOG_FILE"`
	MaxMB       int    `env:"LOG_MAX_MB" envDefault:"10"`
}

func LoadLog() (LogConfig, error) {
	var cfg LogConfig
	err := env.Parse(&cfg)
	return cfg, err
}
