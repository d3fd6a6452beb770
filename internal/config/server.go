package config

import "github.com/caarlos0/env/v11"

type ServerConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"storyforge.db"`

	// AuthToken protects the API; empty disables auth for local runs.
	AuthToken string `env:"AUTH_TOKEN"`

	// CatalogPath points at a YAML file overlaying the built-in platform
	// catalog; empty uses the built-ins.
	CatalogPath string `env:"CATALOG_PATH"`

	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`
	MistralBaseURL string `env:"MISTRAL_BASE_URL"`
	EnableMockAI   bool   `env:"ENABLE_MOCK_AI" envDefault:"false"`

	ShutdownGraceSecs int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"30"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
