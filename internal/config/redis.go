package config

import "github.com/caarlos0/env/v11"

type RedisConfig struct {
	// Addr empty disables redis-backed rate limiting.
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	TurnsPerMinute int `env:"RATE_TURNS_PER_MINUTE" envDefault:"10"`
}

func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig
	err := env.Parse(&cfg)
	return cfg, err
}
