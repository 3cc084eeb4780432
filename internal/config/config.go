package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Questions struct {
		TTL string `yaml:"ttl"`
	} `yaml:"questions"`
	Game struct {
		CountdownSeconds      int `yaml:"countdown_seconds"`
		ResultsDisplaySeconds int `yaml:"results_display_seconds"`
		MinPlayers            int `yaml:"min_players"`
		TimePerQuestion       int `yaml:"time_per_question"`
	} `yaml:"game"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Game.CountdownSeconds <= 0 {
		c.Game.CountdownSeconds = 3
	}
	if c.Game.ResultsDisplaySeconds <= 0 {
		c.Game.ResultsDisplaySeconds = 5
	}
	if c.Game.MinPlayers <= 0 {
		c.Game.MinPlayers = 2
	}
	if c.Game.TimePerQuestion <= 0 {
		c.Game.TimePerQuestion = 10
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
