package config

import "github.com/caarlos0/env/v11"

type MediaConfig struct {
	// Endpoint empty disables media persistence; generated binaries are
	// then only streamed to the client.
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"storyforge-media"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	PublicURL string `env:"MEDIA_PUBLIC_URL"`
}

func LoadMedia() (MediaConfig, error) {
	var cfg MediaConfig
	err := env.Parse(&cfg)
	return cfg, err
}
