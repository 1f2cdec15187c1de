package main

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config carries the chat demo's settings. Every field has a default, so a
// config file is optional and flags override whatever it sets.
type Config struct {
	Serve struct {
		Port int `toml:"port"`
	} `toml:"serve"`
	Connect struct {
		Addr string `toml:"addr"`
		Nick string `toml:"nick"`
	} `toml:"connect"`
}

func defaultConfig() *Config {
	c := &Config{}
	c.Serve.Port = 7420
	c.Connect.Addr = "127.0.0.1:7420"
	c.Connect.Nick = "anon"
	return c
}

func loadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}
